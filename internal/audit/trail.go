// Package audit writes a structured line for every event it observes,
// giving operators a grep-able trail of what flowed through the bus.
package audit

import (
	"context"

	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/registry"
	"github.com/harborview/backoffice/pkg/logger"
)

// ServiceName identifies this subscriber in the service registry.
const ServiceName = "audit-trail"

// Trail logs every subscribed event. It never fails: a lost audit line is
// not worth a redelivery of the whole event.
type Trail struct {
	eventTypes []string
	logger     *logger.Logger
}

func NewTrail(eventTypes []string, log *logger.Logger) *Trail {
	return &Trail{eventTypes: eventTypes, logger: log}
}

// Register declares the service and subscribes to every configured type.
func (t *Trail) Register(reg *registry.Registry) error {
	if err := reg.RegisterService(ServiceName, []string{"audit"}, t.eventTypes); err != nil {
		return err
	}
	for _, eventType := range t.eventTypes {
		if err := reg.Subscribe(eventType, t.Handle); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trail) Handle(ctx context.Context, rec *model.EventRecord) error {
	t.logger.Info("audit",
		"event_id", rec.ID,
		"event_type", rec.EventType,
		"published_at", rec.PublishedAt,
		"retry_count", rec.RetryCount,
		"data", string(rec.Data),
	)
	return nil
}
