// Package retention garbage-collects COMPLETED outbox records once they
// are older than the configured TTL. PENDING and DLQ records are never
// touched.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/harborview/backoffice/internal/repository"
	"github.com/harborview/backoffice/pkg/clock"
	"github.com/harborview/backoffice/pkg/logger"
)

type Sweeper struct {
	store    repository.EventStore
	clk      clock.Clock
	ttl      time.Duration
	interval time.Duration
	logger   *logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

func NewSweeper(store repository.EventStore, clk clock.Clock, ttl, interval time.Duration, log *logger.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		clk:      clk,
		ttl:      ttl,
		interval: interval,
		logger:   log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. One sweep runs immediately so restarts do
// not postpone cleanup by a full interval.
func (s *Sweeper) Start(ctx context.Context) {
	s.started = true
	go func() {
		defer close(s.done)

		s.Sweep(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep deletes COMPLETED records older than the TTL.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.clk.Now().Add(-s.ttl)
	deleted, err := s.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error(err, "retention sweep failed")
		return
	}
	if deleted > 0 {
		s.logger.Info("retention sweep removed completed events", "count", deleted, "cutoff", cutoff)
	}
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started {
		<-s.done
	}
}
