package incident

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/backoffice/internal/repository"
	"github.com/harborview/backoffice/internal/repository/memory"
	"github.com/harborview/backoffice/pkg/clock"
	"github.com/harborview/backoffice/pkg/logger"
	"github.com/harborview/backoffice/pkg/metrics"
)

func newSink(store repository.IncidentStore) *Service {
	return NewService(store, clock.NewSystem(), logger.NewLogger(nil), metrics.NewNop())
}

func TestRecordPersistsIncident(t *testing.T) {
	store := memory.NewIncidentStore()
	sink := newSink(store)

	sink.Record(context.Background(), "EventBus.Handler[user.created]", "smtp timeout", map[string]interface{}{
		"event_id":   "e1",
		"event_type": "user.created",
	})

	incidents, err := store.List(context.Background(), repository.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, "EventBus.Handler[user.created]", inc.Source)
	assert.Equal(t, "smtp timeout", inc.Error)
	assert.NotEmpty(t, inc.ID)
	assert.False(t, inc.CreatedAt.IsZero())

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(inc.Metadata, &meta))
	assert.Equal(t, "e1", meta["event_id"])
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	store := memory.NewIncidentStore()
	store.FailNext(1)
	sink := newSink(store)

	assert.NotPanics(t, func() {
		sink.Record(context.Background(), "EventBus.DLQ", "budget exhausted", nil)
	})

	incidents, err := store.List(context.Background(), repository.Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}
