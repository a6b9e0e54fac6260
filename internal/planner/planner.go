// Package planner computes delivery plans: attempt ordinals, backoff
// delays and idempotency keys.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/registry"
)

// Plan describes one delivery attempt for an (event, endpoint) pair.
type Plan struct {
	AttemptNumber  int
	MaxAttempts    int
	Delay          time.Duration // delay before this attempt, jitter included
	Timeout        time.Duration
	IdempotencyKey string
	Exhausted      bool
}

// Next plans the attempt following lastAttempt (0 when no prior attempt
// exists). When the policy is spent it returns an exhausted plan; the
// planner never invokes delivery itself.
func Next(eventID uuid.UUID, ep *registry.Endpoint, lastAttempt int) Plan {
	n := lastAttempt + 1
	plan := Plan{
		AttemptNumber:  n,
		MaxAttempts:    ep.Retry.MaxAttempts,
		Timeout:        ep.Timeout,
		IdempotencyKey: IdempotencyKey(eventID, ep.ID, n),
	}
	if n > ep.Retry.MaxAttempts {
		plan.Exhausted = true
		return plan
	}
	plan.Delay = Jittered(ep.Retry, n)
	return plan
}

// Backoff returns the deterministic delay before attempt n: zero for the
// first attempt, then base * multiplier^(n-2) capped at max_backoff.
func Backoff(p registry.RetryPolicy, n int) time.Duration {
	if n <= 1 {
		return 0
	}
	d := time.Duration(float64(p.BaseBackoff) * math.Pow(p.Multiplier, float64(n-2)))
	if d > p.MaxBackoff || d < 0 {
		d = p.MaxBackoff
	}
	return d
}

// Jittered adds uniform additive jitter in [0, delay*jitter].
func Jittered(p registry.RetryPolicy, n int) time.Duration {
	d := Backoff(p, n)
	if d == 0 || p.Jitter <= 0 {
		return d
	}
	j := time.Duration(rand.Float64() * p.Jitter * float64(d))
	if d+j > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d + j
}

// IdempotencyKey identifies one specific attempt so receivers and the
// recorder can dedupe retries of the same try.
func IdempotencyKey(eventID, endpointID uuid.UUID, n int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d", eventID, endpointID, n))
	return hex.EncodeToString(sum[:])
}
