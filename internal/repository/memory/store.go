// Package memory provides an in-process EventStore used by unit tests and
// by local development when no database is configured. It honors the same
// atomicity contract as the postgres adapter: every operation is applied
// under one lock, fully or not at all.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/repository"
	apperrors "github.com/harborview/backoffice/pkg/errors"
)

const watchBuffer = 1024

// Store is an in-memory EventStore.
type Store struct {
	mu        sync.Mutex
	outbox    map[string]*model.EventRecord
	dlq       []*model.DLQRecord
	watchers  []chan *model.EventRecord
	watchable bool
	failures  map[string]int
}

var _ repository.EventStore = (*Store)(nil)

func New() *Store {
	return &Store{
		outbox:    make(map[string]*model.EventRecord),
		watchable: true,
		failures:  make(map[string]int),
	}
}

// SetWatchable toggles streaming support. When false, Watch returns
// ErrWatchUnsupported and callers must poll.
func (s *Store) SetWatchable(watchable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchable = watchable
}

// FailNext makes the next n calls of the named operation return an error.
// Used by tests to exercise retry and DLQ paths.
func (s *Store) FailNext(operation string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[operation] = n
}

func (s *Store) failLocked(operation string) error {
	if s.failures[operation] > 0 {
		s.failures[operation]--
		return fmt.Errorf("injected %s failure", operation)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, rec *model.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked("Append"); err != nil {
		return err
	}
	if _, exists := s.outbox[rec.ID]; exists {
		return fmt.Errorf("duplicate event id %s", rec.ID)
	}

	stored := rec.Snapshot()
	s.outbox[rec.ID] = stored
	s.notifyLocked(stored)
	return nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked("MarkProcessing"); err != nil {
		return err
	}
	rec, ok := s.outbox[id]
	if !ok || rec.Status != model.EventStatusPending {
		return apperrors.ErrNotPending
	}

	rec.Status = model.EventStatusProcessing
	started := startedAt
	rec.ProcessingStartedAt = &started
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked("MarkCompleted"); err != nil {
		return err
	}
	rec, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	if rec.Status == model.EventStatusCompleted {
		return nil
	}
	if err := model.ValidateTransition(rec.Status, model.EventStatusCompleted); err != nil {
		return err
	}

	rec.Status = model.EventStatusCompleted
	completed := completedAt
	rec.CompletedAt = &completed
	return nil
}

func (s *Store) Requeue(ctx context.Context, id string, retryCount int, lastError string, lastRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked("Requeue"); err != nil {
		return err
	}
	rec, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	if err := model.ValidateTransition(rec.Status, model.EventStatusPending); err != nil {
		return err
	}
	if retryCount > rec.MaxRetries {
		return fmt.Errorf("retry count %d exceeds budget %d", retryCount, rec.MaxRetries)
	}

	rec.Status = model.EventStatusPending
	rec.RetryCount = retryCount
	errText := lastError
	rec.LastError = &errText
	retryAt := lastRetryAt
	rec.LastRetryAt = &retryAt
	s.notifyLocked(rec)
	return nil
}

func (s *Store) PromoteToDLQ(ctx context.Context, snapshot *model.EventRecord, movedAt time.Time, finalError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked("PromoteToDLQ"); err != nil {
		return err
	}

	s.dlq = append(s.dlq, &model.DLQRecord{
		EventRecord:  *snapshot.Snapshot(),
		MovedToDLQAt: movedAt,
		FinalError:   finalError,
	})
	delete(s.outbox, snapshot.ID)
	return nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]*model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked("ListPending"); err != nil {
		return nil, err
	}

	var pending []*model.EventRecord
	for _, rec := range s.outbox {
		if rec.Status == model.EventStatusPending {
			pending = append(pending, rec.Snapshot())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].PublishedAt.Before(pending[j].PublishedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Store) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked("ListStaleProcessing"); err != nil {
		return nil, err
	}

	var stale []*model.EventRecord
	for _, rec := range s.outbox {
		if rec.Status == model.EventStatusProcessing && rec.ProcessingStartedAt != nil && rec.ProcessingStartedAt.Before(cutoff) {
			stale = append(stale, rec.Snapshot())
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ProcessingStartedAt.Before(*stale[j].ProcessingStartedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) Watch(ctx context.Context) (<-chan *model.EventRecord, error) {
	s.mu.Lock()
	if !s.watchable {
		s.mu.Unlock()
		return nil, apperrors.ErrWatchUnsupported
	}

	ch := make(chan *model.EventRecord, watchBuffer)
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (s *Store) notifyLocked(rec *model.EventRecord) {
	for _, ch := range s.watchers {
		select {
		case ch <- rec.Snapshot():
		default:
		}
	}
}

func (s *Store) ReadOutbox(ctx context.Context, filter repository.Filter, limit int) ([]*model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked("ReadOutbox"); err != nil {
		return nil, err
	}

	var out []*model.EventRecord
	for _, rec := range s.outbox {
		if !matchesRecord(rec, filter) {
			continue
		}
		if !filter.Since.IsZero() && rec.PublishedAt.Before(filter.Since) {
			continue
		}
		out = append(out, rec.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ReadDLQ(ctx context.Context, filter repository.Filter, limit int) ([]*model.DLQRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked("ReadDLQ"); err != nil {
		return nil, err
	}

	var out []*model.DLQRecord
	for _, rec := range s.dlq {
		if !matchesRecord(&rec.EventRecord, filter) {
			continue
		}
		if !filter.Since.IsZero() && rec.MovedToDLQAt.Before(filter.Since) {
			continue
		}
		cp := *rec
		cp.EventRecord = *rec.EventRecord.Snapshot()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MovedToDLQAt.After(out[j].MovedToDLQAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.outbox {
		if rec.Status == model.EventStatusCompleted && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(s.outbox, id)
			removed++
		}
	}
	return removed, nil
}

func matchesRecord(rec *model.EventRecord, filter repository.Filter) bool {
	if filter.ID != "" && rec.ID != filter.ID {
		return false
	}
	if filter.EventType != "" && rec.EventType != filter.EventType {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	return true
}
