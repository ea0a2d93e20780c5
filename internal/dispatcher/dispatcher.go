// Package dispatcher couples domain mutations to their side effects. The
// Publish façade appends PENDING records to the outbox; a background loop
// recovers leftovers on start, consumes newly appended records from the
// store's watch stream (or polls when streaming is unavailable) and runs
// the registered handlers for each event.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harborview/backoffice/internal/incident"
	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/registry"
	"github.com/harborview/backoffice/internal/repository"
	"github.com/harborview/backoffice/pkg/clock"
	apperrors "github.com/harborview/backoffice/pkg/errors"
	"github.com/harborview/backoffice/pkg/logger"
	"github.com/harborview/backoffice/pkg/metrics"
)

const (
	sourceDLQ           = "EventBus.DLQ"
	sourceHandlerFormat = "EventBus.Handler[%s]"

	maxStoredErrorLen = 500
)

// errTakeFailed marks a MarkProcessing store failure. The record is still
// PENDING, so the caller retries the take instead of spending retry budget.
var errTakeFailed = errors.New("failed to take event")

// Config tunes the dispatcher loop.
type Config struct {
	MaxRetriesDefault int
	PollInterval      time.Duration
	RecoveryBatchSize int
	PollBatchSize     int
	// RestartBackoff is slept between loop iterations after a store
	// failure, so an unavailable store does not produce a tight crash
	// loop.
	RestartBackoff time.Duration
	// StaleProcessingAfter is how long a record may sit in PROCESSING
	// before the recovery sweep reclaims it. Covers records stranded by a
	// crash or a store failure between MarkProcessing and the terminal
	// transition.
	StaleProcessingAfter time.Duration
}

func (c *Config) normalize() {
	if c.MaxRetriesDefault < 1 {
		c.MaxRetriesDefault = model.DefaultMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RecoveryBatchSize < 1 {
		c.RecoveryBatchSize = 1000
	}
	if c.PollBatchSize < 1 {
		c.PollBatchSize = 100
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = time.Second
	}
	if c.StaleProcessingAfter <= 0 {
		c.StaleProcessingAfter = 5 * time.Minute
	}
}

// Dispatcher drains the outbox into handlers.
type Dispatcher struct {
	store    repository.EventStore
	registry *registry.Registry
	sink     incident.Sink
	clk      clock.Clock
	cfg      Config
	logger   *logger.Logger
	metrics  *metrics.Metrics

	stop     chan struct{}
	stopOnce sync.Once
	runMu    sync.Mutex
	running  bool
	tasks    sync.WaitGroup
	loopDone chan struct{}
}

func New(
	store repository.EventStore,
	reg *registry.Registry,
	sink incident.Sink,
	clk clock.Clock,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	cfg.normalize()
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{
		store:    store,
		registry: reg,
		sink:     sink,
		clk:      clk,
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Publish durably appends an event and returns its id. It does not wait
// for delivery; it fails only when the store is unavailable.
func (d *Dispatcher) Publish(ctx context.Context, eventType string, data, metadata interface{}) (string, error) {
	rec, err := model.NewEventRecord(d.clk, eventType, data, metadata, model.Defaults{MaxRetries: d.cfg.MaxRetriesDefault})
	if err != nil {
		return "", err
	}

	if err := d.store.Append(ctx, rec); err != nil {
		d.metrics.StoreOperations.WithLabelValues("append", "error").Inc()
		return "", apperrors.NewStoreUnavailable(err)
	}
	d.metrics.StoreOperations.WithLabelValues("append", "success").Inc()
	d.metrics.EventsPublished.Inc()
	return rec.ID, nil
}

// Start launches the background loop. It returns an error if the
// dispatcher is already running.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.runMu.Unlock()

	d.logger.Info("event dispatcher starting")
	go d.run(ctx)
	return nil
}

// Stop signals the loop to exit. In-flight per-event tasks complete
// naturally; shutdown is cooperative.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
}

// Shutdown stops the loop and waits for in-flight tasks, bounded by ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.Stop()

	d.runMu.Lock()
	started := d.running
	d.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		if started {
			<-d.loopDone
		}
		d.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.loopDone)
	defer d.logger.Info("event dispatcher stopped")

	for {
		if d.stopped(ctx) {
			return
		}

		if err := d.runOnce(ctx); err != nil {
			d.logger.Error(err, "dispatcher iteration failed, backing off")
			select {
			case <-time.After(d.cfg.RestartBackoff):
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// runOnce is one loop iteration: a startup recovery sweep followed by
// steady-state consumption. The stream-vs-poll decision is one-way within
// an iteration and re-evaluated when the loop restarts.
func (d *Dispatcher) runOnce(ctx context.Context) error {
	if err := d.recover(ctx); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := d.store.Watch(watchCtx)
	if err != nil {
		if errors.Is(err, apperrors.ErrWatchUnsupported) {
			d.metrics.WatchStreaming.Set(0)
			d.logger.Info("store cannot stream, dispatcher polling", "interval", d.cfg.PollInterval.String())
			return d.pollLoop(ctx)
		}
		return fmt.Errorf("failed to open watch: %w", err)
	}

	d.metrics.WatchStreaming.Set(1)
	for {
		select {
		case <-d.stop:
			return nil
		case <-ctx.Done():
			return nil
		case rec, ok := <-ch:
			if !ok {
				// Stream died; restart the iteration so the mode is
				// re-evaluated.
				return nil
			}
			d.schedule(ctx, rec)
		}
	}
}

// recover drains anything left PENDING by a previous process instance and
// reclaims records stuck in PROCESSING past the staleness threshold.
func (d *Dispatcher) recover(ctx context.Context) error {
	pending, err := d.store.ListPending(ctx, d.cfg.RecoveryBatchSize)
	if err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}

	d.metrics.PendingQueueSize.Set(float64(len(pending)))
	if len(pending) > 0 {
		d.logger.Info("recovering pending events", "count", len(pending))
	}
	for _, rec := range pending {
		d.schedule(ctx, rec)
	}

	return d.reclaimStale(ctx)
}

// reclaimStale requeues records left in PROCESSING by a crash or by a
// store failure between the take and the terminal transition. The retry
// budget is left untouched: the stranded attempt never concluded.
func (d *Dispatcher) reclaimStale(ctx context.Context) error {
	cutoff := d.clk.Now().Add(-d.cfg.StaleProcessingAfter)
	stale, err := d.store.ListStaleProcessing(ctx, cutoff, d.cfg.RecoveryBatchSize)
	if err != nil {
		return fmt.Errorf("stale processing sweep failed: %w", err)
	}

	for _, rec := range stale {
		if err := d.store.Requeue(ctx, rec.ID, rec.RetryCount, "reclaimed from stale processing", d.clk.Now()); err != nil {
			d.logger.Error(err, "failed to reclaim stale event", "event_id", rec.ID)
			continue
		}
		d.logger.Warn("reclaimed stale processing event",
			"event_id", rec.ID,
			"event_type", rec.EventType,
			"processing_started_at", rec.ProcessingStartedAt,
		)
		d.schedule(ctx, rec)
	}
	return nil
}

func (d *Dispatcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-d.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pending, err := d.store.ListPending(ctx, d.cfg.PollBatchSize)
			if err != nil {
				consecutiveFailures++
				d.logger.Error(err, "poll failed", "consecutive", consecutiveFailures)
				if consecutiveFailures >= 3 {
					return fmt.Errorf("poll failing repeatedly: %w", err)
				}
				continue
			}
			consecutiveFailures = 0
			d.metrics.PendingQueueSize.Set(float64(len(pending)))
			for _, rec := range pending {
				d.schedule(ctx, rec)
			}
		}
	}
}

// schedule launches an independent task per event. Handlers within one
// event run sequentially; events run concurrently with each other.
func (d *Dispatcher) schedule(ctx context.Context, rec *model.EventRecord) {
	d.tasks.Add(1)
	// Detach from the loop context: stopping the dispatcher never
	// partially processes a record.
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.tasks.Done()
		d.process(taskCtx, rec)
	}()
}

func (d *Dispatcher) process(ctx context.Context, rec *model.EventRecord) {
	for {
		start := time.Now()
		err := d.attempt(ctx, rec)
		d.metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			return
		}
		if errors.Is(err, errTakeFailed) {
			// The record is still PENDING; nothing else will re-emit it in
			// stream mode, so back off and retry the take here.
			d.logger.Error(err, "retrying event take", "event_id", rec.ID)
			select {
			case <-time.After(d.cfg.RestartBackoff):
				continue
			case <-d.stop:
				// Still PENDING; the next start's recovery sweep picks
				// it up.
				return
			}
		}
		d.handleFailure(ctx, rec, err)
		return
	}
}

// attempt runs one delivery of rec. The returned error is a
// dispatcher-level failure; individual handler errors are isolated and do
// not fail the event.
func (d *Dispatcher) attempt(ctx context.Context, rec *model.EventRecord) error {
	if err := d.store.MarkProcessing(ctx, rec.ID, d.clk.Now()); err != nil {
		if errors.Is(err, apperrors.ErrNotPending) {
			// Somebody else took it.
			return nil
		}
		// The take never happened; no retry budget is spent.
		return fmt.Errorf("%w: %v", errTakeFailed, err)
	}

	for i, handler := range d.registry.HandlersFor(rec.EventType) {
		if err := d.invoke(ctx, handler, rec); err != nil {
			d.metrics.HandlerFailures.WithLabelValues(rec.EventType).Inc()
			d.logger.Error(err, "event handler failed",
				"event_id", rec.ID,
				"event_type", rec.EventType,
				"handler_index", i,
			)
			d.sink.Record(ctx, fmt.Sprintf(sourceHandlerFormat, rec.EventType), truncateError(err), map[string]interface{}{
				"event_id":      rec.ID,
				"event_type":    rec.EventType,
				"handler_index": i,
			})
		}
	}

	// Completion is recorded even when handlers failed: handlers are
	// idempotent by contract, and the unit of retry is the event.
	if err := d.store.MarkCompleted(ctx, rec.ID, d.clk.Now()); err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	d.metrics.EventsCompleted.Inc()
	return nil
}

// invoke runs one handler, converting panics into errors so one bad
// subscriber cannot kill the process.
func (d *Dispatcher) invoke(ctx context.Context, handler registry.Handler, rec *model.EventRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, rec)
}

func (d *Dispatcher) handleFailure(ctx context.Context, rec *model.EventRecord, failure error) {
	n := rec.RetryCount + 1
	errText := truncateError(failure)
	now := d.clk.Now()

	if n < rec.MaxRetries {
		if err := d.store.Requeue(ctx, rec.ID, n, errText, now); err != nil {
			d.logger.Error(err, "failed to requeue event", "event_id", rec.ID, "retry_count", n)
			return
		}
		d.metrics.EventsRetried.WithLabelValues(rec.EventType).Inc()
		d.logger.Warn("event requeued",
			"event_id", rec.ID,
			"event_type", rec.EventType,
			"retry_count", n,
			"error", errText,
		)
		return
	}

	snapshot := rec.Snapshot()
	snapshot.RetryCount = rec.MaxRetries
	snapshot.LastError = &errText
	snapshot.LastRetryAt = &now

	if err := d.store.PromoteToDLQ(ctx, snapshot, now, errText); err != nil {
		d.logger.Error(err, "failed to promote event to dlq", "event_id", rec.ID)
		return
	}
	d.metrics.EventsDeadLettered.WithLabelValues(rec.EventType).Inc()
	d.logger.Error(failure, "event promoted to dlq",
		"event_id", rec.ID,
		"event_type", rec.EventType,
		"retry_count", snapshot.RetryCount,
	)
	d.sink.Record(ctx, sourceDLQ, errText, map[string]interface{}{
		"event_id":   rec.ID,
		"event_type": rec.EventType,
	})
}

func (d *Dispatcher) stopped(ctx context.Context) bool {
	select {
	case <-d.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func truncateError(err error) string {
	text := err.Error()
	if len(text) > maxStoredErrorLen {
		text = text[:maxStoredErrorLen]
	}
	return text
}
