package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/harborview/backoffice/internal/audit"
	"github.com/harborview/backoffice/internal/bridge"
	"github.com/harborview/backoffice/internal/config"
	"github.com/harborview/backoffice/internal/dispatcher"
	"github.com/harborview/backoffice/internal/handler"
	"github.com/harborview/backoffice/internal/handler/admin"
	"github.com/harborview/backoffice/internal/incident"
	"github.com/harborview/backoffice/internal/notifier"
	"github.com/harborview/backoffice/internal/registry"
	"github.com/harborview/backoffice/internal/repository"
	"github.com/harborview/backoffice/internal/repository/memory"
	"github.com/harborview/backoffice/internal/repository/postgres"
	"github.com/harborview/backoffice/internal/retention"
	"github.com/harborview/backoffice/internal/router"
	"github.com/harborview/backoffice/pkg/clock"
	"github.com/harborview/backoffice/pkg/logger"
	"github.com/harborview/backoffice/pkg/metrics"
)

// subscribedEventTypes lists the domain events the built-in subscribers
// care about. Publishers are free to publish other types; those complete
// with zero handlers.
var subscribedEventTypes = []string{"user.created", "booking.confirmed"}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		Console:    cfg.Log.Console,
	})

	m := metrics.NewMetrics("backoffice", "eventbus")
	clk := clock.NewSystem()

	var (
		events    repository.EventStore
		incidents repository.IncidentStore
		pinger    handler.Pinger
	)
	switch cfg.EventBus.Backend {
	case "memory":
		log.Warn("running on the in-memory store, events will not survive a restart")
		events = memory.New()
		incidents = memory.NewIncidentStore()
	default:
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			log.Fatal(err, "failed to connect to database")
		}
		defer db.Close()

		events = postgres.NewStore(db, postgres.StoreConfig{
			DSN:          cfg.Database.DSN(),
			WatchMode:    postgres.WatchMode(cfg.EventBus.WatchMode),
			PollInterval: cfg.EventBus.PollInterval(),
			PollBatch:    cfg.EventBus.PollBatchSize,
		}, log)
		incidents = postgres.NewIncidentStore(db)
		pinger = db
	}

	reg := registry.New()
	registerSubscribers(cfg, reg, log)

	sink := incident.NewService(incidents, clk, log, m)
	disp := dispatcher.New(events, reg, sink, clk, dispatcher.Config{
		MaxRetriesDefault: cfg.EventBus.MaxRetriesDefault,
		PollInterval:      cfg.EventBus.PollInterval(),
		RecoveryBatchSize: cfg.EventBus.RecoveryBatchSize,
		PollBatchSize:     cfg.EventBus.PollBatchSize,
	}, log, m)

	var sweeper *retention.Sweeper
	if cfg.Retention.CompletedTTL > 0 {
		sweeper = retention.NewSweeper(events, clk, cfg.Retention.CompletedTTL, cfg.Retention.SweepInterval, log)
	}

	r := router.NewRouter(
		handler.NewHandler(pinger),
		admin.NewHandler(events, incidents, reg),
		log,
		router.Config{
			RateLimit:     rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:     cfg.RateLimit.Burst,
			MetricsPrefix: "backoffice",
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := disp.Start(ctx); err != nil {
		log.Fatal(err, "failed to start dispatcher")
	}
	if sweeper != nil {
		sweeper.Start(ctx)
	}

	go func() {
		log.Info("admin server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "admin server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "admin server shutdown failed")
	}
	if err := disp.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "dispatcher shutdown incomplete")
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	log.Info("shutdown complete")
}

func registerSubscribers(cfg *config.Config, reg *registry.Registry, log *logger.Logger) {
	if cfg.SMTP.Enabled {
		mailer := notifier.NewSMTPMailer(notifier.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err := notifier.NewEmailNotifier(mailer, log).Register(reg); err != nil {
			log.Fatal(err, "failed to register email notifier")
		}
	}

	if cfg.Redis.Enabled {
		pub, err := bridge.NewRedisPublisher(bridge.Config{
			URL:          cfg.Redis.URL,
			Channel:      cfg.Redis.Channel,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err != nil {
			log.Fatal(err, "failed to connect analytics bridge")
		}
		b := bridge.NewAnalyticsBridge(pub, cfg.Redis.Channel, subscribedEventTypes, log)
		if err := b.Register(reg); err != nil {
			log.Fatal(err, "failed to register analytics bridge")
		}
	}

	if err := audit.NewTrail(subscribedEventTypes, log).Register(reg); err != nil {
		log.Fatal(err, "failed to register audit trail")
	}
}
