package httpdeliver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/planner"
	"github.com/austindbirch/tidehook/internal/registry"
)

func testEvent(t *testing.T) *event.Event {
	t.Helper()
	ev := &event.Event{
		Type:        "order.created",
		AggregateID: "order-1",
		Payload:     map[string]any{"total": 42},
	}
	ev.Normalize("public", time.Now())
	return ev
}

func testEndpoint(t *testing.T, url string) *registry.Endpoint {
	t.Helper()
	ep := &registry.Endpoint{
		ID:     uuid.New(),
		Name:   "test",
		URL:    url,
		Secret: []byte("super-secret-signing-key"),
		Active: true,
	}
	ep.Normalize()
	return ep
}

func deliver(t *testing.T, a *Adapter, ev *event.Event, ep *registry.Endpoint) Outcome {
	t.Helper()
	plan := planner.Next(ev.ID, ep, 0)
	out, err := a.Deliver(context.Background(), plan, ev, ep)
	require.NoError(t, err)
	return out
}

func TestDeliverSuccess(t *testing.T) {
	ev := testEvent(t)
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.Bytes()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(Config{})
	defer a.Close()
	ep := testEndpoint(t, srv.URL)
	ep.CustomHeaders = map[string]string{"X-Env": "staging"}

	out := deliver(t, a, ev, ep)
	assert.True(t, out.Success)
	assert.Equal(t, "success", out.Status())
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, "staging", gotHeader.Get("X-Env"))
	assert.Equal(t, ev.ID.String(), gotHeader.Get(HeaderID))
	assert.Equal(t, "1", gotHeader.Get(HeaderAttempt))
	assert.NotEmpty(t, gotHeader.Get(HeaderIdempotencyKey))

	// The signature on the wire verifies against what was sent.
	ts := gotHeader.Get(HeaderTimestamp)
	sig := gotHeader.Get(registry.DefaultSignatureHeader)
	assert.True(t, Verify(ep.Secret, sig, ts, gotBody, time.Now(), 5*time.Minute))
}

func TestDeliverRetryableStatuses(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		reason    string
	}{
		{http.StatusInternalServerError, true, "http_5xx"},
		{http.StatusServiceUnavailable, true, "http_5xx"},
		{http.StatusTooManyRequests, true, "http_429"},
		{http.StatusRequestTimeout, true, "http_408"},
		{http.StatusBadRequest, false, "http_4xx"},
		{http.StatusNotFound, false, "http_4xx"},
		{http.StatusGone, false, "http_4xx"},
	}
	ev := testEvent(t)
	a := New(Config{})
	defer a.Close()

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		ep := testEndpoint(t, srv.URL)
		out := deliver(t, a, ev, ep)
		srv.Close()

		assert.False(t, out.Success, "status %d", tt.status)
		assert.Equal(t, tt.retryable, out.Retryable, "status %d", tt.status)
		assert.Equal(t, tt.reason, out.Reason, "status %d", tt.status)
		require.NotNil(t, out.Err, "status %d", tt.status)
	}
}

func TestDeliverRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := New(Config{})
	defer a.Close()
	out := deliver(t, a, testEvent(t), testEndpoint(t, srv.URL))
	assert.True(t, out.Retryable)
	assert.Equal(t, 30*time.Second, out.RetryAfter)
}

func TestDeliverTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	a := New(Config{})
	defer a.Close()
	ep := testEndpoint(t, srv.URL)
	ep.Timeout = time.Second

	ev := testEvent(t)
	plan := planner.Next(ev.ID, ep, 0)
	plan.Timeout = 50 * time.Millisecond
	out, err := a.Deliver(context.Background(), plan, ev, ep)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.True(t, out.TimedOut)
	assert.True(t, out.Retryable)
	assert.Equal(t, "timeout", out.Status())
}

func TestDeliverConnectionRefused(t *testing.T) {
	a := New(Config{})
	defer a.Close()
	// Reserved port with nothing listening.
	out := deliver(t, a, testEvent(t), testEndpoint(t, "http://127.0.0.1:1"))
	assert.False(t, out.Success)
	assert.True(t, out.Retryable)
	require.NotNil(t, out.Err)
}

func TestDeliverTruncatesBody(t *testing.T) {
	big := strings.Repeat("x", MaxRecordedBody+500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(big))
	}))
	defer srv.Close()

	a := New(Config{})
	defer a.Close()
	out := deliver(t, a, testEvent(t), testEndpoint(t, srv.URL))
	assert.True(t, out.Truncated)
	assert.Len(t, out.Body, MaxRecordedBody)
}

func TestDeliverDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://example.invalid/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	a := New(Config{})
	defer a.Close()
	out := deliver(t, a, testEvent(t), testEndpoint(t, srv.URL))
	assert.False(t, out.Success)
	assert.False(t, out.Retryable)
	assert.Equal(t, http.StatusFound, out.StatusCode)
	assert.Equal(t, "http_3xx", out.Reason)
}

func TestReservedHeadersWinOverCustom(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	a := New(Config{})
	defer a.Close()
	ep := testEndpoint(t, srv.URL)
	// Registry validation rejects these, but the adapter must not rely on it.
	ep.CustomHeaders = map[string]string{
		"Content-Type":     "text/xml",
		HeaderTimestamp:    "0",
		HeaderAttempt:      "99",
		ep.SignatureHeader: "v1=spoofed",
	}
	deliver(t, a, testEvent(t), ep)

	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.NotEqual(t, "0", got.Get(HeaderTimestamp))
	assert.Equal(t, "1", got.Get(HeaderAttempt))
	assert.NotEqual(t, "v1=spoofed", got.Get(ep.SignatureHeader))
}

func TestSignVerify(t *testing.T) {
	secret := []byte("super-secret-signing-key")
	body := []byte(`{"id":"x"}`)
	now := time.Now()
	ts := "1700000000"
	tsTime := time.Unix(1700000000, 0)

	sig := "v1=" + Sign(secret, ts, body)
	assert.True(t, Verify(secret, sig, ts, body, tsTime, time.Minute))

	assert.False(t, Verify([]byte("wrong-secret-wrong-secret"), sig, ts, body, tsTime, time.Minute), "wrong secret")
	assert.False(t, Verify(secret, sig, ts, []byte(`{"id":"y"}`), tsTime, time.Minute), "tampered body")
	assert.False(t, Verify(secret, Sign(secret, ts, body), ts, body, tsTime, time.Minute), "missing v1 prefix")
	assert.False(t, Verify(secret, sig, ts, body, now, time.Minute), "stale timestamp")
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		success   bool
		retryable bool
		reason    string
	}{
		{200, true, false, ""},
		{201, true, false, ""},
		{204, true, false, ""},
		{301, false, false, "http_3xx"},
		{400, false, false, "http_4xx"},
		{408, false, true, "http_408"},
		{425, false, true, "http_425"},
		{429, false, true, "http_429"},
		{500, false, true, "http_5xx"},
		{503, false, true, "http_5xx"},
	}
	for _, tt := range tests {
		success, retryable, reason := ClassifyStatus(tt.status)
		assert.Equal(t, tt.success, success, "status %d", tt.status)
		assert.Equal(t, tt.retryable, retryable, "status %d", tt.status)
		assert.Equal(t, tt.reason, reason, "status %d", tt.status)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 45*time.Second, parseRetryAfter("45", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage", now))
	httpDate := now.Add(90 * time.Second).Format(http.TimeFormat)
	assert.Equal(t, 90*time.Second, parseRetryAfter(httpDate, now))
}

func TestPoolStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	a := New(Config{MaxConcurrent: 2})
	defer a.Close()
	deliver(t, a, testEvent(t), testEndpoint(t, srv.URL))

	st := a.PoolStats()
	assert.Equal(t, int64(1), st.Acquired)
	assert.Equal(t, int64(0), st.Active)
}
