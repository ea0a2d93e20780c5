package repository

import (
	"context"
	"time"

	"github.com/harborview/backoffice/internal/model"
)

// Filter narrows outbox, DLQ and incident listings. Zero values mean "all".
type Filter struct {
	ID        string
	EventType string
	Status    model.EventStatus
	Since     time.Time
}

// EventStore is the only component aware of the underlying persistence
// technology. Every operation is atomic: a failed call never leaves a
// partially applied state transition.
type EventStore interface {
	// Append inserts a new PENDING record. Fails only on persistence
	// unavailability.
	Append(ctx context.Context, rec *model.EventRecord) error

	// MarkProcessing transitions PENDING -> PROCESSING. Returns
	// errors.ErrNotPending when the record was already taken.
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error

	// MarkCompleted transitions to COMPLETED; idempotent if already
	// COMPLETED.
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error

	// Requeue transitions back to PENDING with updated retry accounting.
	Requeue(ctx context.Context, id string, retryCount int, lastError string, lastRetryAt time.Time) error

	// PromoteToDLQ inserts the snapshot into the DLQ and removes the
	// outbox row in one atomic step.
	PromoteToDLQ(ctx context.Context, snapshot *model.EventRecord, movedAt time.Time, finalError string) error

	// ListPending returns PENDING records, oldest first.
	ListPending(ctx context.Context, limit int) ([]*model.EventRecord, error)

	// ListStaleProcessing returns records that entered PROCESSING before
	// cutoff and never reached a terminal state, oldest first. Used by the
	// recovery sweep to reclaim events stranded by a crash or a store
	// failure mid-transition.
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*model.EventRecord, error)

	// Watch yields newly appended (and requeued) PENDING records. Stores
	// that cannot stream return errors.ErrWatchUnsupported; callers then
	// fall back to polling ListPending.
	Watch(ctx context.Context) (<-chan *model.EventRecord, error)

	// ReadOutbox and ReadDLQ serve the admin surface.
	ReadOutbox(ctx context.Context, filter Filter, limit int) ([]*model.EventRecord, error)
	ReadDLQ(ctx context.Context, filter Filter, limit int) ([]*model.DLQRecord, error)

	// DeleteCompletedBefore garbage-collects COMPLETED records older than
	// cutoff and reports how many were removed.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IncidentStore persists observability incidents.
type IncidentStore interface {
	Create(ctx context.Context, incident *model.Incident) error
	List(ctx context.Context, filter Filter, limit int) ([]*model.Incident, error)
}
