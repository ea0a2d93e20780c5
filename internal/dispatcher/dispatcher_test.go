package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/backoffice/internal/incident"
	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/registry"
	"github.com/harborview/backoffice/internal/repository"
	"github.com/harborview/backoffice/internal/repository/memory"
	"github.com/harborview/backoffice/pkg/clock"
	apperrors "github.com/harborview/backoffice/pkg/errors"
	"github.com/harborview/backoffice/pkg/logger"
	"github.com/harborview/backoffice/pkg/metrics"
)

const (
	testPoll = 10 * time.Millisecond
	waitFor  = 3 * time.Second
	tick     = 5 * time.Millisecond
)

type testBus struct {
	dispatcher *Dispatcher
	store      *memory.Store
	incidents  *memory.IncidentStore
	registry   *registry.Registry
}

func newTestBus(t *testing.T) *testBus {
	t.Helper()

	store := memory.New()
	incidents := memory.NewIncidentStore()
	reg := registry.New()
	log := logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
	clk := clock.NewSystem()
	sink := incident.NewService(incidents, clk, log, metrics.NewNop())

	d := New(store, reg, sink, clk, Config{
		PollInterval:   testPoll,
		RestartBackoff: testPoll,
	}, log, metrics.NewNop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return &testBus{dispatcher: d, store: store, incidents: incidents, registry: reg}
}

func (b *testBus) start(t *testing.T) {
	t.Helper()
	require.NoError(t, b.dispatcher.Start(context.Background()))
}

func (b *testBus) outboxRecord(t *testing.T, id string) *model.EventRecord {
	t.Helper()
	records, err := b.store.ReadOutbox(context.Background(), repository.Filter{ID: id}, 1)
	require.NoError(t, err)
	if len(records) == 0 {
		return nil
	}
	return records[0]
}

func (b *testBus) waitCompleted(t *testing.T, id string) *model.EventRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := b.outboxRecord(t, id)
		return rec != nil && rec.Status == model.EventStatusCompleted
	}, waitFor, tick, "event %s never completed", id)
	return b.outboxRecord(t, id)
}

func TestHappyPath(t *testing.T) {
	bus := newTestBus(t)

	var calls int32
	var gotOrderID atomic.Value
	require.NoError(t, bus.registry.Subscribe("order.closed", func(ctx context.Context, rec *model.EventRecord) error {
		atomic.AddInt32(&calls, 1)
		var data map[string]string
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			return err
		}
		gotOrderID.Store(data["order_id"])
		return nil
	}))

	bus.start(t)

	id, err := bus.dispatcher.Publish(context.Background(), "order.closed", map[string]string{"order_id": "o1"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec := bus.waitCompleted(t, id)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "o1", gotOrderID.Load())
	assert.Equal(t, 0, rec.RetryCount)
	assert.NotNil(t, rec.CompletedAt)
}

func TestHandlerErrorStillCompletes(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var order []string
	require.NoError(t, bus.registry.Subscribe("user.created", func(ctx context.Context, rec *model.EventRecord) error {
		mu.Lock()
		order = append(order, "h1")
		mu.Unlock()
		return fmt.Errorf("smtp unreachable")
	}))
	require.NoError(t, bus.registry.Subscribe("user.created", func(ctx context.Context, rec *model.EventRecord) error {
		mu.Lock()
		order = append(order, "h2")
		mu.Unlock()
		return nil
	}))

	bus.start(t)

	id, err := bus.dispatcher.Publish(context.Background(), "user.created", map[string]string{"email": "a@b"}, nil)
	require.NoError(t, err)

	rec := bus.waitCompleted(t, id)
	assert.Equal(t, model.EventStatusCompleted, rec.Status)
	assert.Equal(t, 0, rec.RetryCount, "handler failure must not burn the event retry budget")

	mu.Lock()
	assert.Equal(t, []string{"h1", "h2"}, order)
	mu.Unlock()

	incidents, err := bus.incidents.List(context.Background(), repository.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "EventBus.Handler[user.created]", incidents[0].Source)
	assert.Contains(t, incidents[0].Error, "smtp unreachable")

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(incidents[0].Metadata, &meta))
	assert.Equal(t, id, meta["event_id"])
	assert.Equal(t, "user.created", meta["event_type"])
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := newTestBus(t)

	var second int32
	require.NoError(t, bus.registry.Subscribe("shift.reminder", func(ctx context.Context, rec *model.EventRecord) error {
		panic("boom")
	}))
	require.NoError(t, bus.registry.Subscribe("shift.reminder", func(ctx context.Context, rec *model.EventRecord) error {
		atomic.AddInt32(&second, 1)
		return nil
	}))

	bus.start(t)

	id, err := bus.dispatcher.Publish(context.Background(), "shift.reminder", nil, nil)
	require.NoError(t, err)

	bus.waitCompleted(t, id)
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))

	incidents, err := bus.incidents.List(context.Background(), repository.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Contains(t, incidents[0].Error, "panicked")
}

func TestDispatcherLevelFailureRetries(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.registry.Subscribe("shift.reminder", func(ctx context.Context, rec *model.EventRecord) error {
		return nil
	}))

	bus.store.FailNext("MarkCompleted", 2)
	bus.start(t)

	id, err := bus.dispatcher.Publish(context.Background(), "shift.reminder", nil, nil)
	require.NoError(t, err)

	rec := bus.waitCompleted(t, id)
	assert.Equal(t, 2, rec.RetryCount)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "mark completed")
	assert.NotNil(t, rec.LastRetryAt)
}

func TestDLQPromotion(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.registry.Subscribe("shift.reminder", func(ctx context.Context, rec *model.EventRecord) error {
		return nil
	}))

	bus.store.FailNext("MarkCompleted", 4)
	bus.start(t)

	id, err := bus.dispatcher.Publish(context.Background(), "shift.reminder", nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dlq, err := bus.store.ReadDLQ(context.Background(), repository.Filter{ID: id}, 1)
		return err == nil && len(dlq) == 1
	}, waitFor, tick, "event never reached the dlq")

	dlq, err := bus.store.ReadDLQ(context.Background(), repository.Filter{ID: id}, 1)
	require.NoError(t, err)
	entry := dlq[0]
	assert.Equal(t, entry.MaxRetries, entry.RetryCount)
	assert.NotEmpty(t, entry.FinalError)
	assert.False(t, entry.MovedToDLQAt.IsZero())

	// The outbox no longer contains it.
	assert.Nil(t, bus.outboxRecord(t, id))

	require.Eventually(t, func() bool {
		incidents, err := bus.incidents.List(context.Background(), repository.Filter{}, 10)
		if err != nil {
			return false
		}
		for _, inc := range incidents {
			if inc.Source == "EventBus.DLQ" {
				return true
			}
		}
		return false
	}, waitFor, tick, "dlq incident never recorded")
}

func TestRestartRecovery(t *testing.T) {
	bus := newTestBus(t)

	var calls int32
	require.NoError(t, bus.registry.Subscribe("order.closed", func(ctx context.Context, rec *model.EventRecord) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	// Append five records with no dispatcher running, as if a previous
	// process died before delivering them.
	clk := clock.NewSystem()
	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := model.NewEventRecord(clk, "order.closed", map[string]int{"n": i}, nil, model.Defaults{})
		require.NoError(t, err)
		require.NoError(t, bus.store.Append(context.Background(), rec))
		ids = append(ids, rec.ID)
	}

	bus.start(t)

	for _, id := range ids {
		bus.waitCompleted(t, id)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestPollModeFallback(t *testing.T) {
	bus := newTestBus(t)
	bus.store.SetWatchable(false)

	var calls int32
	require.NoError(t, bus.registry.Subscribe("order.closed", func(ctx context.Context, rec *model.EventRecord) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	bus.start(t)

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := bus.dispatcher.Publish(context.Background(), "order.closed", map[string]int{"n": i}, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		bus.waitCompleted(t, id)
	}
	assert.Equal(t, int32(10), atomic.LoadInt32(&calls), "every event is delivered exactly once in poll mode")
}

func TestTransientTakeFailureDoesNotStrandEvent(t *testing.T) {
	bus := newTestBus(t)

	var calls int32
	require.NoError(t, bus.registry.Subscribe("order.closed", func(ctx context.Context, rec *model.EventRecord) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	// One injected MarkProcessing failure: in stream mode nothing re-emits
	// a still-PENDING record, so the dispatcher itself must retry the take.
	bus.store.FailNext("MarkProcessing", 1)
	bus.start(t)

	id, err := bus.dispatcher.Publish(context.Background(), "order.closed", map[string]string{"order_id": "o9"}, nil)
	require.NoError(t, err)

	rec := bus.waitCompleted(t, id)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, rec.RetryCount, "a failed take must not spend retry budget")
}

func TestStaleProcessingIsReclaimed(t *testing.T) {
	bus := newTestBus(t)

	var calls int32
	require.NoError(t, bus.registry.Subscribe("order.closed", func(ctx context.Context, rec *model.EventRecord) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	// A record stuck in PROCESSING for an hour, as if a previous process
	// crashed between the take and the terminal transition.
	clk := clock.NewSystem()
	rec, err := model.NewEventRecord(clk, "order.closed", nil, nil, model.Defaults{})
	require.NoError(t, err)
	require.NoError(t, bus.store.Append(context.Background(), rec))
	require.NoError(t, bus.store.MarkProcessing(context.Background(), rec.ID, time.Now().Add(-time.Hour)))

	bus.start(t)

	got := bus.waitCompleted(t, rec.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, got.RetryCount, "reclaiming must not spend retry budget")
}

func TestPublishStoreUnavailable(t *testing.T) {
	bus := newTestBus(t)
	bus.store.FailNext("Append", 1)

	_, err := bus.dispatcher.Publish(context.Background(), "order.closed", nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsStoreUnavailable(err))

	// The failed publish recorded nothing.
	records, err := bus.store.ReadOutbox(context.Background(), repository.Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPublishIsDurableBeforeReturn(t *testing.T) {
	bus := newTestBus(t)

	id, err := bus.dispatcher.Publish(context.Background(), "booking.confirmed", map[string]string{"room": "12"}, map[string]string{"tenant_id": "t1"})
	require.NoError(t, err)

	rec := bus.outboxRecord(t, id)
	require.NotNil(t, rec, "record must be readable as soon as Publish returns")
	assert.Equal(t, model.EventStatusPending, rec.Status)
}

func TestPublishValidation(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.dispatcher.Publish(context.Background(), "", nil, nil)
	assert.Error(t, err)
	assert.False(t, apperrors.IsStoreUnavailable(err))
}

func TestDoubleStart(t *testing.T) {
	bus := newTestBus(t)
	bus.start(t)
	assert.Error(t, bus.dispatcher.Start(context.Background()))
}

func TestCooperativeShutdown(t *testing.T) {
	bus := newTestBus(t)

	release := make(chan struct{})
	var finished int32
	require.NoError(t, bus.registry.Subscribe("order.closed", func(ctx context.Context, rec *model.EventRecord) error {
		<-release
		atomic.AddInt32(&finished, 1)
		return nil
	}))

	bus.start(t)

	id, err := bus.dispatcher.Publish(context.Background(), "order.closed", nil, nil)
	require.NoError(t, err)

	// Wait until the in-flight handler holds the event.
	require.Eventually(t, func() bool {
		rec := bus.outboxRecord(t, id)
		return rec != nil && rec.Status == model.EventStatusProcessing
	}, waitFor, tick)

	bus.dispatcher.Stop()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.dispatcher.Shutdown(ctx))

	// The in-flight record completed naturally.
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
	rec := bus.outboxRecord(t, id)
	require.NotNil(t, rec)
	assert.Equal(t, model.EventStatusCompleted, rec.Status)
}
