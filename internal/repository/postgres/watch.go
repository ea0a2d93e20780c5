package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/harborview/backoffice/internal/model"
)

const (
	listenMinReconnect = 10 * time.Second
	listenMaxReconnect = time.Minute
	watchBuffer        = 256
)

// Watch yields newly appended (and requeued) PENDING records. In stream
// mode it consumes LISTEN/NOTIFY; in poll mode it tails ListPending at the
// configured interval. Mode auto tries the listener first and degrades to
// polling, so callers see the same channel either way.
func (s *Store) Watch(ctx context.Context) (<-chan *model.EventRecord, error) {
	switch s.cfg.WatchMode {
	case WatchModePoll:
		return s.pollWatch(ctx), nil
	case WatchModeStream:
		ch, err := s.streamWatch(ctx)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		ch, err := s.streamWatch(ctx)
		if err != nil {
			s.logger.Warn("change stream unavailable, falling back to polling", "error", err.Error())
			return s.pollWatch(ctx), nil
		}
		return ch, nil
	}
}

func (s *Store) streamWatch(ctx context.Context) (<-chan *model.EventRecord, error) {
	listener := pq.NewListener(s.cfg.DSN, listenMinReconnect, listenMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Error(err, "outbox listener connection event", "event", int(ev))
		}
	})

	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	ch := make(chan *model.EventRecord, watchBuffer)

	go func() {
		defer close(ch)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case notification := <-listener.Notify:
				if notification == nil {
					// Connection re-established; rows notified while we
					// were away are caught by the dispatcher's next
					// recovery sweep.
					continue
				}
				rec, err := s.getByID(ctx, notification.Extra)
				if err != nil {
					s.logger.Error(err, "failed to load notified event", "event_id", notification.Extra)
					continue
				}
				if rec.Status != model.EventStatusPending {
					continue
				}
				select {
				case ch <- rec:
				case <-ctx.Done():
					return
				}
			case <-time.After(time.Minute):
				if err := listener.Ping(); err != nil {
					s.logger.Error(err, "outbox listener ping failed")
				}
			}
		}
	}()

	return ch, nil
}

func (s *Store) pollWatch(ctx context.Context) <-chan *model.EventRecord {
	ch := make(chan *model.EventRecord, watchBuffer)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		// Tracks (id, retry_count) pairs already emitted so an untaken
		// record is not re-emitted every tick. A requeued record has a new
		// retry_count and is emitted again.
		seen := make(map[string]int)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending, err := s.ListPending(ctx, s.cfg.PollBatch)
				if err != nil {
					s.logger.Error(err, "outbox poll failed")
					continue
				}

				next := make(map[string]int, len(pending))
				for _, rec := range pending {
					if prev, ok := seen[rec.ID]; ok && prev == rec.RetryCount {
						next[rec.ID] = prev
						continue
					}
					next[rec.ID] = rec.RetryCount
					select {
					case ch <- rec:
					case <-ctx.Done():
						return
					}
				}
				seen = next
			}
		}
	}()

	return ch
}
