package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"opsync/internal/config"
	"opsync/internal/consistency"
	"opsync/internal/models"
	"opsync/internal/rebuild"
	"opsync/internal/service"
	"opsync/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	mu   sync.Mutex
	msgs []service.InAppMessage
	err  error
}

func (f *fakeMessages) FetchInAppMessages(context.Context, string) ([]service.InAppMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs, f.err
}

func (f *fakeMessages) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newUserTestServer(t *testing.T, messages *fakeMessages) *testServer {
	t.Helper()
	ts := &testServer{queue: &fakeQueue{}, ready: &fakeReady{}, state: state.NewStore()}
	users := service.NewUserService(ts.state, ts.queue, consistency.NewManager(nil), nil, nil)
	srv := NewHTTPServer(config.APIConfig{}, ts.queue, ts.ready, rebuild.NewService(ts.state, nil), nil).
		WithUsers(users, messages)
	ts.Server = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestUserRoutesDisabledByDefault(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{})
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/user", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUserLifecycle(t *testing.T) {
	ts := newUserTestServer(t, &fakeMessages{})

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/user", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/user/events", `{"name":"opened"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/user/login", `{"external_id":"ext-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	owner, _ := body["onesignal_id"].(string)
	require.NotEmpty(t, owner)
	assert.Equal(t, "ext-1", body["external_id"])

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/user/properties/plan", `{"value":"pro"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/user/subscriptions", `{"type":"email","token":"a@b.c"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	subID, _ := body["id"].(string)
	require.NotEmpty(t, subID)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/user/events", `{"name":"opened","properties":{"n":1}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/user/subscriptions/"+subID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/user", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"plan": "pro"}, body["properties"])

	ops, _ := ts.queue.snapshot()
	kinds := make([]string, 0, len(ops))
	for _, op := range ops {
		assert.Equal(t, owner, op.OwnerKey)
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []string{
		models.KindCreateUser,
		models.KindUpdateProperty,
		models.KindCreateSubscription,
		models.KindTrackEvent,
		models.KindDeleteSubscription,
	}, kinds)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/user/logout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, owner, body["onesignal_id"])
	assert.Empty(t, ts.queue.Pending(owner))
}

func TestUserRouteErrors(t *testing.T) {
	ts := newUserTestServer(t, &fakeMessages{})
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/user/login", `{"external_id":"ext-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "login without id", method: http.MethodPost, path: "/api/v1/user/login", body: `{}`, want: http.StatusBadRequest},
		{name: "bad json", method: http.MethodPost, path: "/api/v1/user/events", body: `{`, want: http.StatusBadRequest},
		{name: "empty event name", method: http.MethodPost, path: "/api/v1/user/events", body: `{"name":""}`, want: http.StatusBadRequest},
		{name: "unsupported subscription", method: http.MethodPost, path: "/api/v1/user/subscriptions", body: `{"type":"pigeon"}`, want: http.StatusBadRequest},
		{name: "unknown subscription", method: http.MethodDelete, path: "/api/v1/user/subscriptions/nope", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestInAppMessagesRoute(t *testing.T) {
	messages := &fakeMessages{msgs: []service.InAppMessage{
		{ID: "m1", Body: json.RawMessage(`{"id":"m1","title":"hi"}`)},
	}}
	ts := newUserTestServer(t, messages)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/user/subscriptions/sub-1/iams", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, ok := body["in_app_messages"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "hi", list[0].(map[string]any)["title"])

	messages.fail(state.ErrNoCurrentUser)
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/user/subscriptions/sub-1/iams", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
