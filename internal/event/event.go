// Package event holds the domain event model and its validation rules.
package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/errs"
)

// Priority orders events for consumers that care; the core carries it
// through but does not reorder partitions by it.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// State is the aggregate processing state of an event. Processed and dead
// are terminal.
type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateProcessed  State = "processed"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool {
	return s == StateProcessed || s == StateDead
}

// ErrorRecord is the persisted shape of a delivery or processing error.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Metadata carries the declared event context. SchemaName scopes
// persistence and is required.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	Actor         string `json:"actor,omitempty"`
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	SchemaName    string `json:"schema_name,omitempty"`
}

// Event is a domain fact published by a producer.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          string         `json:"type"`
	AggregateType string         `json:"aggregate_type,omitempty"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Metadata      Metadata       `json:"metadata"`
	OccurredAt    time.Time      `json:"occurred_at"`
	RecordedAt    time.Time      `json:"recorded_at"`
	Priority      Priority       `json:"priority"`
	PartitionKey  string         `json:"partition_key"`
	State         State          `json:"processing_state"`
	AttemptsCount uint32         `json:"attempts_count"`
	LastError     *ErrorRecord   `json:"last_error,omitempty"`
}

var (
	typeRe   = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)+$`)
	schemaRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
)

// ValidateType enforces the dotted lowercase category.action format.
func ValidateType(eventType string) error {
	if !typeRe.MatchString(eventType) {
		return errs.E(errs.KindInvalidInput, "invalid event type %q", eventType)
	}
	return nil
}

// ValidateSchema enforces the conservative schema identifier rule. Schema
// names are interpolated into SQL and stream keys, so nothing else passes.
func ValidateSchema(schema string) error {
	if !schemaRe.MatchString(schema) {
		return errs.E(errs.KindInvalidInput, "invalid schema name %q", schema)
	}
	return nil
}

// Category returns the first dotted segment of an event type.
func Category(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

// Topic names the stream topic for an event: events.{schema}.{category}.
func Topic(schema, eventType string) string {
	return fmt.Sprintf("events.%s.%s", schema, Category(eventType))
}

// NewID returns a time-ordered UUIDv7, falling back to v4 when the clock
// source is unavailable.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Normalize fills derived fields on a freshly published event.
func (e *Event) Normalize(schema string, now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = NewID()
	}
	e.Metadata.SchemaName = schema
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = e.OccurredAt.UTC()
	e.RecordedAt = now.UTC()
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.PartitionKey == "" {
		if e.AggregateID != "" {
			e.PartitionKey = e.AggregateID
		} else {
			e.PartitionKey = schema
		}
	}
	if e.State == "" {
		e.State = StatePending
	}
}

// Validate checks the fields a producer controls.
func (e *Event) Validate(schema string) error {
	if err := ValidateSchema(schema); err != nil {
		return err
	}
	if err := ValidateType(e.Type); err != nil {
		return err
	}
	if e.Payload == nil {
		return errs.E(errs.KindInvalidInput, "payload is required")
	}
	switch e.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		return errs.E(errs.KindInvalidInput, "invalid priority %q", e.Priority)
	}
	return nil
}

// CanonicalBody renders the wire body delivered to subscribers. Every
// object level is marshalled from a map so keys come out lexicographically
// sorted, which receivers rely on when verifying signatures.
func (e *Event) CanonicalBody() ([]byte, error) {
	body := map[string]any{
		"id":          e.ID.String(),
		"type":        e.Type,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"data":        e.Payload,
		"metadata":    e.Metadata.canonical(),
	}
	return json.Marshal(body)
}

func (m Metadata) canonical() map[string]string {
	out := map[string]string{}
	for k, v := range map[string]string{
		"correlation_id": m.CorrelationID,
		"causation_id":   m.CausationID,
		"request_id":     m.RequestID,
		"actor":          m.Actor,
		"ip":             m.IP,
		"user_agent":     m.UserAgent,
		"schema_name":    m.SchemaName,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
