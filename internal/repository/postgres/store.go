// Package postgres implements the durable store adapter on top of
// postgres. Streaming is provided through LISTEN/NOTIFY; when the
// connection cannot listen (or watch_mode=poll), Watch degrades to
// polling ListPending at the configured interval.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/repository"
	apperrors "github.com/harborview/backoffice/pkg/errors"
	"github.com/harborview/backoffice/pkg/logger"
)

// notifyChannel is the postgres NOTIFY channel carrying ids of newly
// pending outbox rows.
const notifyChannel = "backoffice_event_outbox"

// WatchMode selects how Watch observes new PENDING rows.
type WatchMode string

const (
	WatchModeAuto   WatchMode = "auto"
	WatchModeStream WatchMode = "stream"
	WatchModePoll   WatchMode = "poll"
)

// StoreConfig tunes the adapter's watch behaviour.
type StoreConfig struct {
	DSN          string
	WatchMode    WatchMode
	PollInterval time.Duration
	PollBatch    int
}

// Store is the postgres EventStore.
type Store struct {
	db     *sqlx.DB
	cfg    StoreConfig
	logger *logger.Logger
}

var _ repository.EventStore = (*Store)(nil)

func NewStore(db *sqlx.DB, cfg StoreConfig, log *logger.Logger) *Store {
	if cfg.WatchMode == "" {
		cfg.WatchMode = WatchModeAuto
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 100
	}
	return &Store{db: db, cfg: cfg, logger: log}
}

func (s *Store) Append(ctx context.Context, rec *model.EventRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO event_outbox (
			id, event_type, data, metadata, status,
			published_at, retry_count, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, query,
		rec.ID,
		rec.EventType,
		[]byte(rec.Data),
		[]byte(rec.Metadata),
		rec.Status,
		rec.PublishedAt,
		rec.RetryCount,
		rec.MaxRetries,
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Same transaction as the insert so listeners only hear about rows
	// that actually committed.
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, rec.ID); err != nil {
		return fmt.Errorf("failed to notify append: %w", err)
	}

	return tx.Commit()
}

func (s *Store) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	query := `
		UPDATE event_outbox
		SET status = $2, processing_started_at = $3
		WHERE id = $1 AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, id, model.EventStatusProcessing, startedAt, model.EventStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark processing: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark processing: %w", err)
	}
	if rows == 0 {
		return apperrors.ErrNotPending
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	query := `
		UPDATE event_outbox
		SET status = $2, completed_at = COALESCE(completed_at, $3)
		WHERE id = $1 AND status IN ($2, $4)
	`
	res, err := s.db.ExecContext(ctx, query, id, model.EventStatusCompleted, completedAt, model.EventStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("cannot complete event %s: not processing", id)
	}
	return nil
}

func (s *Store) Requeue(ctx context.Context, id string, retryCount int, lastError string, lastRetryAt time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin requeue: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE event_outbox
		SET status = $2, retry_count = $3, last_error = $4, last_retry_at = $5
		WHERE id = $1 AND status = $6 AND $3 <= max_retries
	`
	res, err := tx.ExecContext(ctx, query, id, model.EventStatusPending, retryCount, lastError, lastRetryAt, model.EventStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to requeue event: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("cannot requeue event %s", id)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, id); err != nil {
		return fmt.Errorf("failed to notify requeue: %w", err)
	}

	return tx.Commit()
}

func (s *Store) PromoteToDLQ(ctx context.Context, snapshot *model.EventRecord, movedAt time.Time, finalError string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dlq promotion: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO event_dlq (
			id, event_type, data, metadata, status,
			published_at, processing_started_at, retry_count, max_retries,
			last_error, last_retry_at, moved_to_dlq_at, final_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := tx.ExecContext(ctx, insert,
		snapshot.ID,
		snapshot.EventType,
		[]byte(snapshot.Data),
		[]byte(snapshot.Metadata),
		snapshot.Status,
		snapshot.PublishedAt,
		snapshot.ProcessingStartedAt,
		snapshot.RetryCount,
		snapshot.MaxRetries,
		snapshot.LastError,
		snapshot.LastRetryAt,
		movedAt,
		finalError,
	); err != nil {
		return fmt.Errorf("failed to insert dlq record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_outbox WHERE id = $1`, snapshot.ID); err != nil {
		return fmt.Errorf("failed to remove event from outbox: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]*model.EventRecord, error) {
	query := `
		SELECT id, event_type, data, metadata, status, published_at,
		       processing_started_at, completed_at, retry_count, max_retries,
		       last_error, last_retry_at
		FROM event_outbox
		WHERE status = $1
		ORDER BY published_at ASC
		LIMIT $2
	`
	var records []*model.EventRecord
	err := s.db.SelectContext(ctx, &records, query, model.EventStatusPending, limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	return records, nil
}

func (s *Store) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*model.EventRecord, error) {
	query := `
		SELECT id, event_type, data, metadata, status, published_at,
		       processing_started_at, completed_at, retry_count, max_retries,
		       last_error, last_retry_at
		FROM event_outbox
		WHERE status = $1 AND processing_started_at < $2
		ORDER BY processing_started_at ASC
		LIMIT $3
	`
	var records []*model.EventRecord
	err := s.db.SelectContext(ctx, &records, query, model.EventStatusProcessing, cutoff, limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list stale processing events: %w", err)
	}
	return records, nil
}

func (s *Store) getByID(ctx context.Context, id string) (*model.EventRecord, error) {
	query := `
		SELECT id, event_type, data, metadata, status, published_at,
		       processing_started_at, completed_at, retry_count, max_retries,
		       last_error, last_retry_at
		FROM event_outbox
		WHERE id = $1
	`
	var rec model.EventRecord
	if err := s.db.GetContext(ctx, &rec, query, id); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ReadOutbox(ctx context.Context, filter repository.Filter, limit int) ([]*model.EventRecord, error) {
	query := `
		SELECT id, event_type, data, metadata, status, published_at,
		       processing_started_at, completed_at, retry_count, max_retries,
		       last_error, last_retry_at
		FROM event_outbox
	`
	where, args := buildFilter(filter, "published_at")
	query += where + " ORDER BY published_at DESC LIMIT $" + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	var records []*model.EventRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return records, nil
}

func (s *Store) ReadDLQ(ctx context.Context, filter repository.Filter, limit int) ([]*model.DLQRecord, error) {
	query := `
		SELECT id, event_type, data, metadata, status, published_at,
		       processing_started_at, retry_count, max_retries,
		       last_error, last_retry_at, moved_to_dlq_at, final_error
		FROM event_dlq
	`
	where, args := buildFilter(filter, "moved_to_dlq_at")
	query += where + " ORDER BY moved_to_dlq_at DESC LIMIT $" + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	var records []*model.DLQRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read dlq: %w", err)
	}
	return records, nil
}

func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM event_outbox
		WHERE status = $1 AND completed_at < $2
	`
	res, err := s.db.ExecContext(ctx, query, model.EventStatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed events: %w", err)
	}
	return res.RowsAffected()
}

func buildFilter(filter repository.Filter, sinceColumn string) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.ID != "" {
		add("id = $%d", filter.ID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add(sinceColumn+" >= $%d", filter.Since)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
