// Package recorder persists per-attempt delivery records and settles
// aggregate event state once every matched endpoint has a terminal outcome.
package recorder

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a single delivery attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// Terminal reports whether the status can no longer change for this attempt
// row. Retrying is terminal for the row; the retry is a new attempt_number.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled, StatusRetrying:
		return true
	}
	return false
}

// Attempt is one delivery attempt of one event to one endpoint. Rows are
// keyed by (event_id, endpoint_id, attempt_number) so a redelivered stream
// entry overwrites rather than duplicates.
type Attempt struct {
	ID            uuid.UUID `json:"id"`
	EventID       uuid.UUID `json:"event_id"`
	EndpointID    uuid.UUID `json:"endpoint_id"`
	AttemptNumber int       `json:"attempt_number"`
	Status        Status    `json:"status"`

	RequestURL     string            `json:"request_url"`
	RequestMethod  string            `json:"request_method"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    []byte            `json:"request_body,omitempty"`
	Signature      string            `json:"signature,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`

	ResponseStatus    int               `json:"response_status,omitempty"`
	ResponseHeaders   map[string]string `json:"response_headers,omitempty"`
	ResponseBody      []byte            `json:"response_body,omitempty"`
	ResponseTruncated bool              `json:"response_truncated,omitempty"`

	LatencyMs    int64  `json:"latency_ms,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// MaxAttemptsReached marks the pair exhausted after this attempt.
	MaxAttemptsReached bool `json:"max_attempts_reached"`
}

// Settled reports whether this attempt closes out the (event, endpoint)
// pair: a success, or a terminal failure with no further retry coming.
func (a *Attempt) Settled() bool {
	switch a.Status {
	case StatusSuccess, StatusCancelled:
		return true
	case StatusFailed, StatusTimeout:
		return a.NextRetryAt == nil || a.MaxAttemptsReached
	}
	return false
}
