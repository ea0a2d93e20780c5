// Package bridge republishes delivered domain events to redis pub/sub so
// out-of-process consumers (analytics, dashboards) can tail the stream
// without talking to the outbox store. Consumers get at-least-once
// semantics, same as every other subscriber.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/registry"
	"github.com/harborview/backoffice/pkg/circuitbreaker"
	"github.com/harborview/backoffice/pkg/logger"
)

// ServiceName identifies this subscriber in the service registry.
const ServiceName = "analytics-bridge"

// Publisher pushes one payload to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Config configures the redis publisher.
type Config struct {
	URL          string        `mapstructure:"url"`
	Channel      string        `mapstructure:"channel"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

// RedisPublisher publishes through go-redis, guarded by a circuit breaker
// so a dead redis does not stall every event delivery.
type RedisPublisher struct {
	client *redis.Client
	cb     *circuitbreaker.CircuitBreaker
}

func NewRedisPublisher(cfg Config) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = cfg.RetryBackoff
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPublisher{
		client: client,
		cb: circuitbreaker.New(circuitbreaker.Settings{
			Name:        "redis-bridge",
			MaxFailures: 5,
			Timeout:     10 * time.Second,
		}),
	}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.cb.Execute(func() error {
		return p.client.Publish(ctx, channel, payload).Err()
	})
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// envelope is the wire shape pushed to redis.
type envelope struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	Data        json.RawMessage `json:"data"`
	Metadata    json.RawMessage `json:"metadata"`
	PublishedAt time.Time       `json:"published_at"`
}

// AnalyticsBridge is the fan-out subscriber.
type AnalyticsBridge struct {
	publisher  Publisher
	channel    string
	eventTypes []string
	logger     *logger.Logger
}

func NewAnalyticsBridge(publisher Publisher, channel string, eventTypes []string, log *logger.Logger) *AnalyticsBridge {
	if channel == "" {
		channel = "backoffice.events"
	}
	return &AnalyticsBridge{
		publisher:  publisher,
		channel:    channel,
		eventTypes: eventTypes,
		logger:     log,
	}
}

// Register declares the service and subscribes to every configured type.
func (b *AnalyticsBridge) Register(reg *registry.Registry) error {
	if err := reg.RegisterService(ServiceName, []string{"analytics", "fanout"}, b.eventTypes); err != nil {
		return err
	}
	for _, eventType := range b.eventTypes {
		if err := reg.Subscribe(eventType, b.Handle); err != nil {
			return err
		}
	}
	return nil
}

func (b *AnalyticsBridge) Handle(ctx context.Context, rec *model.EventRecord) error {
	payload, err := json.Marshal(envelope{
		ID:          rec.ID,
		EventType:   rec.EventType,
		Data:        rec.Data,
		Metadata:    rec.Metadata,
		PublishedAt: rec.PublishedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	if err := b.publisher.Publish(ctx, b.channel, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}
	b.logger.Debug("event forwarded to redis", "event_id", rec.ID, "channel", b.channel)
	return nil
}
