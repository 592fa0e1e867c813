package worker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"opsync/internal/backend"
	"opsync/internal/executor"
	"opsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingClient answers every call with 200 and remembers "METHOD path".
type recordingClient struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingClient) record(method, path string) (*backend.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, method+" "+path)
	return &backend.Response{StatusCode: http.StatusOK}, nil
}

func (c *recordingClient) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *recordingClient) Get(_ context.Context, path string, _ ...backend.RequestOption) (*backend.Response, error) {
	return c.record(http.MethodGet, path)
}

func (c *recordingClient) Post(_ context.Context, path string, _ any, _ ...backend.RequestOption) (*backend.Response, error) {
	return c.record(http.MethodPost, path)
}

func (c *recordingClient) Put(_ context.Context, path string, _ any, _ ...backend.RequestOption) (*backend.Response, error) {
	return c.record(http.MethodPut, path)
}

func (c *recordingClient) Patch(_ context.Context, path string, _ any, _ ...backend.RequestOption) (*backend.Response, error) {
	return c.record(http.MethodPatch, path)
}

func (c *recordingClient) Delete(_ context.Context, path string, _ ...backend.RequestOption) (*backend.Response, error) {
	return c.record(http.MethodDelete, path)
}

func TestQueueHoldsUserWritesUntilCreatedUserPropagates(t *testing.T) {
	client := &recordingClient{}
	h := newHarness(t, Config{})

	deps := executor.Deps{Client: client, AppID: "app", Tracker: h.tracker}
	reg, err := executor.NewRegistry(
		executor.NewUserExecutor(deps),
		executor.NewSubscriptionExecutor(deps),
		executor.NewPropertiesExecutor(deps),
	)
	require.NoError(t, err)
	h.queue.executors = reg

	createUser, err := models.NewOperation(models.KindCreateUser, "u1", models.CreateUserPayload{ExternalID: "ext"})
	require.NoError(t, err)
	createSub, err := models.NewOperation(models.KindCreateSubscription, "u1", models.SubscriptionPayload{
		SubscriptionID: "sub-1", Type: models.SubscriptionEmail, Token: "a@b.c", Enabled: true,
	})
	require.NoError(t, err)
	setProp, err := models.NewOperation(models.KindUpdateProperty, "u1", models.PropertyPayload{Key: "plan", Value: "pro"})
	require.NoError(t, err)

	h.start(t)
	require.NoError(t, h.queue.Enqueue(h.ctx, createUser, true))
	require.NoError(t, h.queue.Enqueue(h.ctx, createSub.ForRecord("sub-1"), true))
	require.NoError(t, h.queue.Enqueue(h.ctx, setProp, true))

	require.Eventually(t, func() bool { return len(client.seen()) == 1 }, eventually, tick)
	assert.Equal(t, []string{"POST apps/app/users"}, client.seen())

	// the subscription create is parked until the new user is readable
	h.waitForTimers(t, 1)
	assert.False(t, h.tracker.CanAccess("u1"))
	h.clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return len(client.seen()) > 1 }, 50*time.Millisecond, tick)

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return len(client.seen()) == 3 }, eventually, tick)
	assert.Equal(t, []string{
		"POST apps/app/users",
		"POST apps/app/users/by/onesignal_id/u1/subscriptions",
		"PATCH apps/app/users/by/onesignal_id/u1",
	}, client.seen())
	require.Eventually(t, func() bool { return h.store.len() == 0 }, eventually, tick)
	assert.False(t, h.tracker.CanAccess("sub-1"), "new subscription is tracked once created")
}
