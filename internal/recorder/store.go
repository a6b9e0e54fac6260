package recorder

import (
	"context"

	"github.com/google/uuid"
)

// AttemptStore persists delivery attempts for one or more tenant schemas.
type AttemptStore interface {
	// Record upserts an attempt keyed by (event_id, endpoint_id,
	// attempt_number). A redelivery of the same attempt replaces the row.
	Record(ctx context.Context, schema string, at *Attempt) error

	// Get loads one attempt by id.
	Get(ctx context.Context, schema string, id uuid.UUID) (*Attempt, error)

	// ListByEvent returns all attempts for an event, ordered by endpoint
	// then attempt number.
	ListByEvent(ctx context.Context, schema string, eventID uuid.UUID) ([]*Attempt, error)

	// ListByEndpoint returns the most recent attempts for an endpoint,
	// newest first, up to limit.
	ListByEndpoint(ctx context.Context, schema string, endpointID uuid.UUID, limit int) ([]*Attempt, error)

	// Latest returns the highest-numbered attempt for the pair, or nil when
	// none exists.
	Latest(ctx context.Context, schema string, eventID, endpointID uuid.UUID) (*Attempt, error)
}
