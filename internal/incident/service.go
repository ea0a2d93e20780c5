// Package incident is the observability sink: a durable, structured record
// of dispatcher-side failures. The sink is best-effort; its own failures
// never block the dispatcher.
package incident

import (
	"context"
	"encoding/json"

	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/repository"
	"github.com/harborview/backoffice/pkg/clock"
	"github.com/harborview/backoffice/pkg/logger"
	"github.com/harborview/backoffice/pkg/metrics"
)

// Sink records incidents.
type Sink interface {
	Record(ctx context.Context, source, errText string, metadata map[string]interface{})
}

// Service persists incidents through an IncidentStore.
type Service struct {
	store   repository.IncidentStore
	clk     clock.Clock
	logger  *logger.Logger
	metrics *metrics.Metrics
}

var _ Sink = (*Service)(nil)

func NewService(store repository.IncidentStore, clk clock.Clock, log *logger.Logger, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{store: store, clk: clk, logger: log, metrics: m}
}

// Record persists one incident. Store failures are swallowed with a local
// log line so a broken sink cannot take the dispatcher down with it.
func (s *Service) Record(ctx context.Context, source, errText string, metadata map[string]interface{}) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		s.logger.Error(err, "failed to marshal incident metadata", "source", source)
		metaJSON = []byte("{}")
	}

	inc := &model.Incident{
		ID:        s.clk.NewID(),
		Source:    source,
		Error:     errText,
		Metadata:  metaJSON,
		CreatedAt: s.clk.Now(),
	}

	if err := s.store.Create(ctx, inc); err != nil {
		s.logger.Error(err, "failed to record incident", "source", source, "incident_error", errText)
		return
	}
	s.metrics.IncidentsRecorded.WithLabelValues(source).Inc()
}
