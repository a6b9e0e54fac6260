// Package publisher is the write path: durably append an event, then hand a
// pointer to the stream log for dispatch.
package publisher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/logging"
	"github.com/austindbirch/tidehook/internal/metrics"
	"github.com/austindbirch/tidehook/internal/store"
	"github.com/austindbirch/tidehook/internal/stream"
	"github.com/austindbirch/tidehook/internal/tracing"
)

// Publisher appends events to the store and publishes stream pointers.
// Durability comes from the append; a failed stream publish is recovered by
// the dispatcher's reconciliation loop, so publishers never fail on it.
type Publisher struct {
	events store.EventStore
	log    stream.Log
	logger *logging.Logger
}

func New(events store.EventStore, log stream.Log, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.New("publisher")
	}
	return &Publisher{events: events, log: log, logger: logger}
}

// Publish validates, persists and announces one event. A duplicate id is an
// idempotent success: the first append won, and its pointer is already on
// the stream or covered by reconciliation.
func (p *Publisher) Publish(ctx context.Context, schema string, ev *event.Event) error {
	ctx, span := tracing.StartSpan(ctx, "publisher.publish")
	defer span.End()

	ev.Normalize(schema, time.Now())
	if err := ev.Validate(schema); err != nil {
		return err
	}

	if err := p.events.Append(ctx, schema, ev); err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			p.logger.Plain().WithSchema(schema).WithEvent(ev.ID.String()).Debug("duplicate publish ignored")
			return nil
		}
		tracing.SetSpanError(ctx, err)
		return err
	}
	metrics.RecordEventPublished(schema)

	entry := stream.Entry{
		EventID: ev.ID.String(),
		Schema:  schema,
	}
	if trace := tracing.InjectIntoCarrier(ctx); len(trace) > 0 {
		entry.Trace = trace
	}
	topic := event.Topic(schema, ev.Type)
	if _, err := p.log.Publish(ctx, topic, ev.PartitionKey, entry); err != nil {
		// The event is durable; reconciliation will re-announce it.
		p.logger.Plain().WithSchema(schema).WithEvent(ev.ID.String()).WithError(err).Warn("stream publish failed, leaving for reconciliation")
	}
	return nil
}

// BatchResult is the per-item outcome of a batch publish.
type BatchResult struct {
	ID  uuid.UUID
	Err error
}

// PublishBatch publishes events in order, best effort: one bad event does
// not block the rest.
func (p *Publisher) PublishBatch(ctx context.Context, schema string, evs []*event.Event) []BatchResult {
	out := make([]BatchResult, len(evs))
	for i, ev := range evs {
		out[i] = BatchResult{Err: p.Publish(ctx, schema, ev)}
		out[i].ID = ev.ID
	}
	return out
}
