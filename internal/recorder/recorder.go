package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/httpdeliver"
	"github.com/austindbirch/tidehook/internal/logging"
	"github.com/austindbirch/tidehook/internal/metrics"
	"github.com/austindbirch/tidehook/internal/planner"
	"github.com/austindbirch/tidehook/internal/registry"
	"github.com/austindbirch/tidehook/internal/store"
)

// Recorder ties attempt rows, endpoint health counters and aggregate event
// state together after each delivery.
type Recorder struct {
	attempts  AttemptStore
	events    store.EventStore
	endpoints registry.EndpointStore
	log       *logging.Logger
}

func New(attempts AttemptStore, events store.EventStore, endpoints registry.EndpointStore, log *logging.Logger) *Recorder {
	if log == nil {
		log = logging.New("recorder")
	}
	return &Recorder{attempts: attempts, events: events, endpoints: endpoints, log: log}
}

// Attempts exposes the underlying store for the read API.
func (r *Recorder) Attempts() AttemptStore { return r.attempts }

// RecordOutcome writes the attempt row for one delivery outcome and updates
// the endpoint health counters and the event attempt counter. nextRetry is
// non-nil when the dispatcher has scheduled another attempt; a failed outcome
// with no follow-up is terminal for the pair, whether the classification was
// non-retryable or the policy is spent.
func (r *Recorder) RecordOutcome(ctx context.Context, schema string, ev *event.Event, ep *registry.Endpoint, plan planner.Plan, out httpdeliver.Outcome, nextRetry *time.Time) (*Attempt, error) {
	completed := out.SentAt.Add(out.Latency)
	at := &Attempt{
		EventID:            ev.ID,
		EndpointID:         ep.ID,
		AttemptNumber:      plan.AttemptNumber,
		Status:             Status(out.Status()),
		RequestURL:         out.RequestURL,
		RequestMethod:      out.RequestMethod,
		RequestHeaders:     out.RequestHeaders,
		RequestBody:        out.RequestBody,
		Signature:          out.Signature,
		IdempotencyKey:     plan.IdempotencyKey,
		ResponseStatus:     out.StatusCode,
		ResponseHeaders:    out.ResponseHeader,
		ResponseBody:       out.Body,
		ResponseTruncated:  out.Truncated,
		LatencyMs:          out.Latency.Milliseconds(),
		StartedAt:          &out.SentAt,
		CompletedAt:        &completed,
		NextRetryAt:        nextRetry,
		MaxAttemptsReached: !out.Success && nextRetry == nil,
	}
	if out.Err != nil {
		at.ErrorCode = out.Err.Code
		at.ErrorMessage = out.Err.Message
	}
	if nextRetry != nil {
		at.Status = StatusRetrying
	}
	if err := r.attempts.Record(ctx, schema, at); err != nil {
		return nil, err
	}

	// Health counters and the event attempt counter are best effort; the
	// attempt row is the source of truth.
	if out.Success {
		if err := r.endpoints.RecordSuccess(ctx, schema, ep.ID); err != nil {
			r.log.Plain().WithSchema(schema).WithEndpoint(ep.ID.String()).WithError(err).Warn("record endpoint success")
		}
	} else {
		health, err := r.endpoints.RecordFailure(ctx, schema, ep.ID)
		if err != nil {
			r.log.Plain().WithSchema(schema).WithEndpoint(ep.ID.String()).WithError(err).Warn("record endpoint failure")
		} else {
			metrics.UpdateEndpointHealth(ep.ID.String(), string(health))
			if health == registry.HealthDisabled {
				r.log.Plain().WithSchema(schema).WithEndpoint(ep.ID.String()).Warn("endpoint disabled after repeated failures")
			}
		}
	}
	if err := r.events.BumpAttempts(ctx, schema, ev.ID, out.Err); err != nil {
		r.log.Plain().WithSchema(schema).WithEvent(ev.ID.String()).WithError(err).Warn("bump event attempts")
	}
	return at, nil
}

// RecordSkipped writes a cancelled attempt row for an endpoint that could
// not be delivered to, e.g. disabled mid-flight.
func (r *Recorder) RecordSkipped(ctx context.Context, schema string, eventID, endpointID uuid.UUID, attemptNumber int, reason string) error {
	now := time.Now().UTC()
	return r.attempts.Record(ctx, schema, &Attempt{
		EventID:       eventID,
		EndpointID:    endpointID,
		AttemptNumber: attemptNumber,
		Status:        StatusCancelled,
		ErrorCode:     reason,
		CompletedAt:   &now,
	})
}

// FinalizeEvent settles the aggregate event state once every matched
// endpoint pair has a terminal outcome. Events with no matched endpoints
// settle as processed immediately. Calling it before all pairs settle is a
// no-op, so the dispatcher invokes it after every recorded attempt.
func (r *Recorder) FinalizeEvent(ctx context.Context, schema string, ev *event.Event, matched []uuid.UUID) error {
	if ev.State.Terminal() {
		return nil
	}
	if len(matched) == 0 {
		if err := r.events.MarkProcessed(ctx, schema, ev.ID); err != nil {
			return err
		}
		metrics.RecordEventTerminal(schema, string(event.StateProcessed), ev.OccurredAt)
		return nil
	}

	anySuccess := false
	var lastFailure *Attempt
	for _, endpointID := range matched {
		at, err := r.attempts.Latest(ctx, schema, ev.ID, endpointID)
		if err != nil {
			return err
		}
		if at == nil || !at.Settled() {
			return nil
		}
		if at.Status == StatusSuccess {
			anySuccess = true
		} else {
			lastFailure = at
		}
	}

	if anySuccess {
		if err := r.events.MarkProcessed(ctx, schema, ev.ID); err != nil {
			return err
		}
		metrics.RecordEventTerminal(schema, string(event.StateProcessed), ev.OccurredAt)
		r.log.Plain().WithSchema(schema).WithEvent(ev.ID.String()).Debug("event processed")
		return nil
	}

	rec := event.ErrorRecord{Code: "delivery_exhausted", Message: "all endpoint deliveries failed"}
	if lastFailure != nil && lastFailure.ErrorCode != "" {
		rec.Code = lastFailure.ErrorCode
		rec.Message = lastFailure.ErrorMessage
	}
	if err := r.events.MarkDead(ctx, schema, ev.ID, rec); err != nil {
		return err
	}
	metrics.RecordEventTerminal(schema, string(event.StateDead), ev.OccurredAt)
	r.log.Plain().WithSchema(schema).WithEvent(ev.ID.String()).WithField("reason", rec.Code).Warn("event dead")
	return nil
}
