package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/tidehook/internal/health"
	"github.com/austindbirch/tidehook/internal/httpdeliver"
	"github.com/austindbirch/tidehook/internal/publisher"
	"github.com/austindbirch/tidehook/internal/recorder"
	"github.com/austindbirch/tidehook/internal/registry"
	"github.com/austindbirch/tidehook/internal/store"
	"github.com/austindbirch/tidehook/internal/stream"
)

type apiEnv struct {
	srv       *httptest.Server
	endpoints *registry.MemEndpointStore
	events    *store.MemEventStore
	attempts  *recorder.MemAttemptStore
	receiver  *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	env := &apiEnv{
		endpoints: registry.NewMemEndpointStore(),
		events:    store.NewMemEventStore(time.Minute),
		attempts:  recorder.NewMemAttemptStore(),
	}
	env.receiver = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(env.receiver.Close)

	pub := publisher.New(env.events, stream.NewMemLog(1), nil)
	adapter := httpdeliver.New(httpdeliver.Config{})
	t.Cleanup(adapter.Close)
	checker := health.NewChecker().Add("store", func(ctx context.Context) error { return nil })

	s := NewServer(env.endpoints, env.events, env.attempts, pub, adapter, checker, prometheus.NewRegistry(), nil, false)
	env.srv = httptest.NewServer(s.Router())
	t.Cleanup(env.srv.Close)
	return env
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tidehook-Schema", "public")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

func endpointBody(url string) map[string]any {
	return map[string]any{
		"name":   "orders-subscriber",
		"url":    url,
		"secret": "super-secret-signing-key",
		"subscriptions": []map[string]any{
			{"pattern": "order.**", "active": true},
		},
	}
}

func TestCreateEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/webhook-endpoints", endpointBody(env.receiver.URL))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "orders-subscriber", body["name"])
	assert.Equal(t, "POST", body["method"], "method defaulted")
	assert.Equal(t, "healthy", body["health"])
	assert.NotEmpty(t, body["id"])
}

func TestCreateEndpointValidation(t *testing.T) {
	env := newAPIEnv(t)

	short := endpointBody(env.receiver.URL)
	short["secret"] = "tiny"
	resp, body := env.do(t, http.MethodPost, "/v1/webhook-endpoints", short)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["code"])

	noURL := endpointBody(env.receiver.URL)
	noURL["url"] = "not a url"
	resp, _ = env.do(t, http.MethodPost, "/v1/webhook-endpoints", noURL)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSchemaRequired(t *testing.T) {
	env := newAPIEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/webhook-endpoints", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndpointLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	_, created := env.do(t, http.MethodPost, "/v1/webhook-endpoints", endpointBody(env.receiver.URL))
	id := created["id"].(string)

	resp, got := env.do(t, http.MethodGet, "/v1/webhook-endpoints/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "orders-subscriber", got["name"])

	resp, patched := env.do(t, http.MethodPatch, "/v1/webhook-endpoints/"+id, map[string]any{"name": "renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed", patched["name"])

	resp, list := env.do(t, http.MethodGet, "/v1/webhook-endpoints", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["endpoints"], 1)

	resp, _ = env.do(t, http.MethodDelete, "/v1/webhook-endpoints/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/webhook-endpoints/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublishAndGetEvent(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/events", map[string]any{
		"type":    "order.created",
		"payload": map[string]any{"total": 99},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, ok := body["event_id"].(string)
	require.True(t, ok, "event_id in response: %v", body)

	resp, got := env.do(t, http.MethodGet, "/v1/events/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev := got["event"].(map[string]any)
	assert.Equal(t, "order.created", ev["type"])
	assert.Equal(t, "pending", ev["processing_state"])
}

func TestPublishEventInvalid(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodPost, "/v1/events", map[string]any{
		"type": "Bad Type",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["code"])
}

func TestPublishBatchPartial(t *testing.T) {
	env := newAPIEnv(t)

	b, err := json.Marshal([]map[string]any{
		{"type": "order.created", "payload": map[string]any{"n": 1}},
		{"type": "nope"},
		{"type": "order.updated", "payload": map[string]any{"n": 2}},
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/events/batch", bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("X-Tidehook-Schema", "public")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(2), body["accepted"])
	results := body["results"].([]any)
	require.Len(t, results, 3)
	assert.Empty(t, results[0].(map[string]any)["code"])
	assert.Equal(t, "invalid_input", results[1].(map[string]any)["code"])
}

func TestTestEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	_, created := env.do(t, http.MethodPost, "/v1/webhook-endpoints", endpointBody(env.receiver.URL))
	id := created["id"].(string)

	resp, body := env.do(t, http.MethodPost, fmt.Sprintf("/v1/webhook-endpoints/%s/test", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(200), body["response_status"])

	// Nothing is persisted for a test delivery.
	attempts, err := env.attempts.ListByEndpoint(context.Background(), "public", mustUUID(t, id), 10)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestHealthRoute(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsRoute(t *testing.T) {
	env := newAPIEnv(t)
	resp, err := http.Get(env.srv.URL + "/v1/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
