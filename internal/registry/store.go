package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/matcher"
)

// EndpointStore persists endpoints and their subscriptions per schema.
type EndpointStore interface {
	// Create validates and persists a new endpoint. Duplicate names fail
	// with Conflict.
	Create(ctx context.Context, schema string, ep *Endpoint) error

	// Get returns the endpoint (including soft-deleted) or NotFound.
	Get(ctx context.Context, schema string, id uuid.UUID) (*Endpoint, error)

	// List returns non-deleted endpoints after the cursor, plus the next
	// cursor ("" when exhausted). Cursor is the last endpoint id.
	List(ctx context.Context, schema string, cursor string, limit int) ([]*Endpoint, string, error)

	// Update replaces the mutable endpoint fields and its subscriptions.
	Update(ctx context.Context, schema string, ep *Endpoint) error

	// SoftDelete sets deleted_at; future attempts are prevented, in-flight
	// attempts complete.
	SoftDelete(ctx context.Context, schema string, id uuid.UUID) error

	// Rules returns the matcher rules for all deliverable endpoints.
	Rules(ctx context.Context, schema string) ([]matcher.Rule, error)

	// RecordSuccess resets the failure streak; a degraded endpoint
	// recovers to healthy.
	RecordSuccess(ctx context.Context, schema string, id uuid.UUID) error

	// RecordFailure bumps the failure streak and applies the
	// healthy -> degraded -> disabled transitions; returns the new health.
	RecordFailure(ctx context.Context, schema string, id uuid.UUID) (Health, error)

	// SetHealth is the operator override (e.g. re-enable a disabled
	// endpoint).
	SetHealth(ctx context.Context, schema string, id uuid.UUID, h Health) error
}

// nextHealth applies the failure-streak state machine.
func nextHealth(current Health, consecutiveFailures uint32) Health {
	switch {
	case consecutiveFailures >= DegradeAfter+DisableAfter:
		return HealthDisabled
	case consecutiveFailures >= DegradeAfter:
		if current == HealthDisabled {
			return HealthDisabled
		}
		return HealthDegraded
	default:
		return current
	}
}
