package retention

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/repository"
	"github.com/harborview/backoffice/internal/repository/memory"
	"github.com/harborview/backoffice/pkg/clock"
	"github.com/harborview/backoffice/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
}

func complete(t *testing.T, store *memory.Store, clk clock.Clock, completedAt time.Time) *model.EventRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := model.NewEventRecord(clk, "user.created", nil, nil, model.Defaults{})
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, rec))
	require.NoError(t, store.MarkProcessing(ctx, rec.ID, completedAt))
	require.NoError(t, store.MarkCompleted(ctx, rec.ID, completedAt))
	return rec
}

func TestSweepRemovesOnlyExpiredCompleted(t *testing.T) {
	store := memory.New()
	clk := clock.NewSystem()
	ctx := context.Background()

	old := complete(t, store, clk, clk.Now().Add(-48*time.Hour))
	fresh := complete(t, store, clk, clk.Now())

	pending, err := model.NewEventRecord(clk, "booking.confirmed", nil, nil, model.Defaults{})
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, pending))

	s := NewSweeper(store, clk, 24*time.Hour, time.Hour, testLogger())
	s.Sweep(ctx)

	records, err := store.ReadOutbox(ctx, repository.Filter{}, 100)
	require.NoError(t, err)

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.NotContains(t, ids, old.ID)
	assert.Contains(t, ids, fresh.ID)
	assert.Contains(t, ids, pending.ID)
}

func TestStartStop(t *testing.T) {
	store := memory.New()
	clk := clock.NewSystem()

	s := NewSweeper(store, clk, time.Hour, 10*time.Millisecond, testLogger())
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
