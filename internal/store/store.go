// Package store persists domain events and their processing state, scoped
// per tenant schema.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/event"
)

// EventStore is the durable home of domain events. Implementations must
// never hand the same claimed event to two concurrent callers, and must
// treat processed/dead as terminal.
type EventStore interface {
	// Append persists a new event in state pending. Duplicate ids fail
	// with Conflict; invalid types or schemas fail with InvalidInput.
	Append(ctx context.Context, schema string, ev *event.Event) error

	// Load returns the event or NotFound.
	Load(ctx context.Context, schema string, id uuid.UUID) (*event.Event, error)

	// ClaimPending atomically claims up to limit dispatchable events for
	// workerID: pending events at least minAge old, and dispatched events
	// whose lease has expired. Claimed events move to dispatched with a
	// fresh lease.
	ClaimPending(ctx context.Context, schema string, limit int, workerID string, minAge time.Duration) ([]*event.Event, error)

	// MarkProcessed is a terminal transition; it is a no-op when the event
	// is already terminal.
	MarkProcessed(ctx context.Context, schema string, id uuid.UUID) error

	// MarkDead is a terminal transition recording the final error; no-op
	// when already terminal.
	MarkDead(ctx context.Context, schema string, id uuid.UUID, rec event.ErrorRecord) error

	// BumpAttempts increments the aggregate attempt counter, recording the
	// most recent delivery error if any.
	BumpAttempts(ctx context.Context, schema string, id uuid.UUID, lastErr *event.ErrorRecord) error

	// CountByState reports how many events sit in a state, for metrics.
	CountByState(ctx context.Context, schema string, state event.State) (int64, error)
}
