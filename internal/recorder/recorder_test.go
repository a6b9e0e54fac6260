package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/httpdeliver"
	"github.com/austindbirch/tidehook/internal/metrics"
	"github.com/austindbirch/tidehook/internal/planner"
	"github.com/austindbirch/tidehook/internal/registry"
	"github.com/austindbirch/tidehook/internal/store"
)

type fixture struct {
	rec       *Recorder
	attempts  *MemAttemptStore
	events    *store.MemEventStore
	endpoints *registry.MemEndpointStore
	ev        *event.Event
	ep        *registry.Endpoint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	attempts := NewMemAttemptStore()
	events := store.NewMemEventStore(time.Minute)
	endpoints := registry.NewMemEndpointStore()
	rec := New(attempts, events, endpoints, nil)

	ev := &event.Event{Type: "order.created", Payload: map[string]any{"n": 1}}
	ev.Normalize("public", time.Now())
	require.NoError(t, events.Append(ctx, "public", ev))

	ep := &registry.Endpoint{
		ID:     uuid.New(),
		Name:   "subscriber",
		URL:    "https://hooks.example.com/in",
		Secret: []byte("super-secret-signing-key"),
		Active: true,
	}
	ep.Normalize()
	require.NoError(t, endpoints.Create(ctx, "public", ep))

	return &fixture{rec: rec, attempts: attempts, events: events, endpoints: endpoints, ev: ev, ep: ep}
}

func successOutcome() httpdeliver.Outcome {
	return httpdeliver.Outcome{
		StatusCode:    200,
		Success:       true,
		Latency:       25 * time.Millisecond,
		SentAt:        time.Now().UTC(),
		RequestURL:    "https://hooks.example.com/in",
		RequestMethod: "POST",
	}
}

func failedOutcome(status int, reason string) httpdeliver.Outcome {
	return httpdeliver.Outcome{
		StatusCode:    status,
		Success:       false,
		Retryable:     true,
		Reason:        reason,
		Err:           &event.ErrorRecord{Code: reason, Message: "subscriber error"},
		Latency:       25 * time.Millisecond,
		SentAt:        time.Now().UTC(),
		RequestURL:    "https://hooks.example.com/in",
		RequestMethod: "POST",
	}
}

func TestRecordOutcomeSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan := planner.Next(f.ev.ID, f.ep, 0)
	at, err := f.rec.RecordOutcome(ctx, "public", f.ev, f.ep, plan, successOutcome(), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, at.Status)
	assert.Equal(t, 1, at.AttemptNumber)
	assert.True(t, at.Settled())
	assert.False(t, at.MaxAttemptsReached)
	assert.Equal(t, plan.IdempotencyKey, at.IdempotencyKey)

	// The event attempt counter moved.
	ev, err := f.events.Load(ctx, "public", f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ev.AttemptsCount)
}

func TestRecordOutcomeWithRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan := planner.Next(f.ev.ID, f.ep, 0)
	next := time.Now().Add(5 * time.Second)
	at, err := f.rec.RecordOutcome(ctx, "public", f.ev, f.ep, plan, failedOutcome(503, "http_5xx"), &next)
	require.NoError(t, err)

	assert.Equal(t, StatusRetrying, at.Status)
	assert.NotNil(t, at.NextRetryAt)
	assert.False(t, at.Settled())
	assert.Equal(t, "http_5xx", at.ErrorCode)
}

func TestRecordOutcomeExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	last := f.ep.Retry.MaxAttempts
	plan := planner.Next(f.ev.ID, f.ep, last-1)
	at, err := f.rec.RecordOutcome(ctx, "public", f.ev, f.ep, plan, failedOutcome(500, "http_5xx"), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, at.Status)
	assert.True(t, at.MaxAttemptsReached)
	assert.True(t, at.Settled())
}

func TestRecordOutcomeNonRetryableIsExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A 4xx on the first attempt ends the pair even though the policy has
	// attempts left; the row must say so, not just the settle logic.
	out := failedOutcome(400, "http_4xx")
	out.Retryable = false
	plan := planner.Next(f.ev.ID, f.ep, 0)
	at, err := f.rec.RecordOutcome(ctx, "public", f.ev, f.ep, plan, out, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, at.Status)
	assert.Less(t, at.AttemptNumber, f.ep.Retry.MaxAttempts)
	assert.True(t, at.MaxAttemptsReached)
	assert.True(t, at.Settled())
}

func TestRecordOutcomeDrivesEndpointHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < registry.DegradeAfter; i++ {
		plan := planner.Next(f.ev.ID, f.ep, i)
		_, err := f.rec.RecordOutcome(ctx, "public", f.ev, f.ep, plan, failedOutcome(500, "http_5xx"), nil)
		require.NoError(t, err)
	}
	ep, err := f.endpoints.Get(ctx, "public", f.ep.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.HealthDegraded, ep.Health)

	plan := planner.Next(f.ev.ID, f.ep, registry.DegradeAfter)
	_, err = f.rec.RecordOutcome(ctx, "public", f.ev, f.ep, plan, successOutcome(), nil)
	require.NoError(t, err)
	ep, _ = f.endpoints.Get(ctx, "public", f.ep.ID)
	assert.Equal(t, registry.HealthHealthy, ep.Health)
}

func TestRecordSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.RecordSkipped(ctx, "public", f.ev.ID, f.ep.ID, 1, "endpoint_disabled"))
	at, err := f.attempts.Latest(ctx, "public", f.ev.ID, f.ep.ID)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.Equal(t, StatusCancelled, at.Status)
	assert.Equal(t, "endpoint_disabled", at.ErrorCode)
	assert.True(t, at.Settled())
}

func TestFinalizeEventNoMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.FinalizeEvent(ctx, "public", f.ev, nil))
	ev, _ := f.events.Load(ctx, "public", f.ev.ID)
	assert.Equal(t, event.StateProcessed, ev.State)
}

func TestFinalizeEventWaitsForAllPairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &registry.Endpoint{
		ID: uuid.New(), Name: "other", URL: "https://other.example.com/in",
		Secret: []byte("super-secret-signing-key"), Active: true,
	}
	other.Normalize()
	require.NoError(t, f.endpoints.Create(ctx, "public", other))
	matched := []uuid.UUID{f.ep.ID, other.ID}

	plan := planner.Next(f.ev.ID, f.ep, 0)
	_, err := f.rec.RecordOutcome(ctx, "public", f.ev, f.ep, plan, successOutcome(), nil)
	require.NoError(t, err)

	// One pair settled, the other has no attempt yet: no verdict.
	require.NoError(t, f.rec.FinalizeEvent(ctx, "public", f.ev, matched))
	ev, _ := f.events.Load(ctx, "public", f.ev.ID)
	assert.Equal(t, event.StatePending, ev.State)

	plan = planner.Next(f.ev.ID, other, 0)
	_, err = f.rec.RecordOutcome(ctx, "public", f.ev, other, plan, successOutcome(), nil)
	require.NoError(t, err)
	require.NoError(t, f.rec.FinalizeEvent(ctx, "public", f.ev, matched))
	ev, _ = f.events.Load(ctx, "public", f.ev.ID)
	assert.Equal(t, event.StateProcessed, ev.State)
}

func TestFinalizeEventAnySuccessWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &registry.Endpoint{
		ID: uuid.New(), Name: "other", URL: "https://other.example.com/in",
		Secret: []byte("super-secret-signing-key"), Active: true,
	}
	other.Normalize()
	require.NoError(t, f.endpoints.Create(ctx, "public", other))
	matched := []uuid.UUID{f.ep.ID, other.ID}

	// First endpoint exhausted, second succeeded.
	plan := planner.Next(f.ev.ID, f.ep, f.ep.Retry.MaxAttempts-1)
	_, err := f.rec.RecordOutcome(ctx, "public", f.ev, f.ep, plan, failedOutcome(500, "http_5xx"), nil)
	require.NoError(t, err)
	plan = planner.Next(f.ev.ID, other, 0)
	_, err = f.rec.RecordOutcome(ctx, "public", f.ev, other, plan, successOutcome(), nil)
	require.NoError(t, err)

	require.NoError(t, f.rec.FinalizeEvent(ctx, "public", f.ev, matched))
	ev, _ := f.events.Load(ctx, "public", f.ev.ID)
	assert.Equal(t, event.StateProcessed, ev.State)
}

func TestFinalizeEventAllFailedIsDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan := planner.Next(f.ev.ID, f.ep, f.ep.Retry.MaxAttempts-1)
	_, err := f.rec.RecordOutcome(ctx, "public", f.ev, f.ep, plan, failedOutcome(503, "http_5xx"), nil)
	require.NoError(t, err)

	deadBefore := testutil.ToFloat64(metrics.DeadEventsTotal)
	require.NoError(t, f.rec.FinalizeEvent(ctx, "public", f.ev, []uuid.UUID{f.ep.ID}))
	ev, _ := f.events.Load(ctx, "public", f.ev.ID)
	assert.Equal(t, event.StateDead, ev.State)
	require.NotNil(t, ev.LastError)
	assert.Equal(t, "http_5xx", ev.LastError.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeadEventsTotal)-deadBefore, "dead event counted once")

	// A second finalize on the terminal event is a no-op.
	require.NoError(t, f.rec.FinalizeEvent(ctx, "public", ev, []uuid.UUID{f.ep.ID}))
}

func TestAttemptSettled(t *testing.T) {
	next := time.Now().Add(time.Minute)
	tests := []struct {
		name string
		at   Attempt
		want bool
	}{
		{"success", Attempt{Status: StatusSuccess}, true},
		{"cancelled", Attempt{Status: StatusCancelled}, true},
		{"failed no retry", Attempt{Status: StatusFailed}, true},
		{"timeout no retry", Attempt{Status: StatusTimeout}, true},
		{"failed with retry pending", Attempt{Status: StatusFailed, NextRetryAt: &next}, false},
		{"failed retry but exhausted", Attempt{Status: StatusFailed, NextRetryAt: &next, MaxAttemptsReached: true}, true},
		{"retrying", Attempt{Status: StatusRetrying, NextRetryAt: &next}, false},
		{"pending", Attempt{Status: StatusPending}, false},
		{"in flight", Attempt{Status: StatusInFlight}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.at.Settled())
		})
	}
}
