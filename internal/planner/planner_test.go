package planner

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/austindbirch/tidehook/internal/registry"
)

func testPolicy() registry.RetryPolicy {
	return registry.RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0, // deterministic for these tests
		MaxBackoff:  10 * time.Minute,
	}
}

func TestBackoff(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 0},
		{attempt: 2, want: 5 * time.Second},
		{attempt: 3, want: 10 * time.Second},
		{attempt: 4, want: 20 * time.Second},
		{attempt: 5, want: 40 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(p, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffCap(t *testing.T) {
	p := testPolicy()
	p.MaxBackoff = 15 * time.Second
	assert.Equal(t, 15*time.Second, Backoff(p, 4), "delay is capped at max_backoff")

	// Deep attempt numbers must not overflow past the cap.
	assert.Equal(t, 15*time.Second, Backoff(p, 60))
}

func TestJitteredBounds(t *testing.T) {
	p := testPolicy()
	p.Jitter = 0.25

	base := Backoff(p, 3)
	for range 50 {
		d := Jittered(p, 3)
		assert.GreaterOrEqual(t, d, base, "jitter is additive only")
		assert.LessOrEqual(t, d, base+time.Duration(0.25*float64(base)))
	}

	// First attempt never waits, jitter or not.
	assert.Equal(t, time.Duration(0), Jittered(p, 1))
}

func TestJitteredRespectsMaxBackoff(t *testing.T) {
	p := testPolicy()
	p.Jitter = 0.5
	p.MaxBackoff = 10 * time.Second
	for range 50 {
		assert.LessOrEqual(t, Jittered(p, 10), p.MaxBackoff)
	}
}

func TestNext(t *testing.T) {
	ep := &registry.Endpoint{
		ID:      uuid.New(),
		Timeout: 30 * time.Second,
		Retry:   testPolicy(),
	}
	eventID := uuid.New()

	first := Next(eventID, ep, 0)
	assert.Equal(t, 1, first.AttemptNumber)
	assert.Equal(t, 5, first.MaxAttempts)
	assert.Equal(t, time.Duration(0), first.Delay)
	assert.Equal(t, 30*time.Second, first.Timeout)
	assert.False(t, first.Exhausted)
	assert.Len(t, first.IdempotencyKey, 64)

	second := Next(eventID, ep, 1)
	assert.Equal(t, 2, second.AttemptNumber)
	assert.Equal(t, 5*time.Second, second.Delay)
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)

	spent := Next(eventID, ep, 5)
	assert.True(t, spent.Exhausted)
}

func TestIdempotencyKeyStable(t *testing.T) {
	eventID := uuid.New()
	endpointID := uuid.New()

	k1 := IdempotencyKey(eventID, endpointID, 3)
	k2 := IdempotencyKey(eventID, endpointID, 3)
	assert.Equal(t, k1, k2, "same triple yields the same key")

	assert.NotEqual(t, k1, IdempotencyKey(eventID, endpointID, 4))
	assert.NotEqual(t, k1, IdempotencyKey(eventID, uuid.New(), 3))
}
