package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/backoffice/internal/model"
)

func TestSubscribeOrderIsExecutionOrder(t *testing.T) {
	r := New()

	var calls []string
	mk := func(name string) Handler {
		return func(ctx context.Context, rec *model.EventRecord) error {
			calls = append(calls, name)
			return nil
		}
	}

	require.NoError(t, r.Subscribe("order.closed", mk("first")))
	require.NoError(t, r.Subscribe("order.closed", mk("second")))
	require.NoError(t, r.Subscribe("order.closed", mk("third")))

	for _, h := range r.HandlersFor("order.closed") {
		require.NoError(t, h(context.Background(), &model.EventRecord{}))
	}
	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestHandlersForUnknownTypeIsEmpty(t *testing.T) {
	r := New()
	assert.Empty(t, r.HandlersFor("nobody.cares"))
}

func TestSubscribeValidation(t *testing.T) {
	r := New()
	assert.Error(t, r.Subscribe("", func(ctx context.Context, rec *model.EventRecord) error { return nil }))
	assert.Error(t, r.Subscribe("x", nil))
}

func TestRegisterServiceAndDescribe(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterService("email-notifier", []string{"email"}, []string{"user.created"}))
	require.NoError(t, r.RegisterService("analytics-bridge", []string{"analytics", "fanout"}, []string{"order.closed", "user.created"}))

	desc := r.Describe()
	require.Len(t, desc, 2)
	assert.Equal(t, "email-notifier", desc[0].ServiceName)
	assert.Equal(t, []string{"analytics", "fanout"}, desc[1].Capabilities)
	assert.False(t, desc[0].RegisteredAt.IsZero())

	// The snapshot must not alias registry internals.
	desc[0].Capabilities[0] = "mutated"
	assert.Equal(t, "email", r.Describe()[0].Capabilities[0])
}

func TestRegisterServiceDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterService("audit-trail", nil, nil))
	assert.Error(t, r.RegisterService("audit-trail", nil, nil))
}

func TestConcurrentReads(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("shift.reminder", func(ctx context.Context, rec *model.EventRecord) error { return nil }))
	require.NoError(t, r.RegisterService("hr", []string{"shifts"}, []string{"shift.reminder"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.HandlersFor("shift.reminder")
			_ = r.Describe()
		}()
	}
	wg.Wait()
}
