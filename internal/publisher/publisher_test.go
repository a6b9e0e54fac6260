package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/store"
	"github.com/austindbirch/tidehook/internal/stream"
)

func newTestEvent() *event.Event {
	return &event.Event{
		Type:        "order.created",
		AggregateID: "order-1",
		Payload:     map[string]any{"total": 10},
	}
}

func TestPublishAppendsAndAnnounces(t *testing.T) {
	events := store.NewMemEventStore(time.Minute)
	log := stream.NewMemLog(1)
	p := New(events, log, nil)
	ctx := context.Background()

	ev := newTestEvent()
	require.NoError(t, p.Publish(ctx, "public", ev))
	require.NotEqual(t, uuid.Nil, ev.ID)

	stored, err := events.Load(ctx, "public", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatePending, stored.State)

	entries, err := log.Read(ctx, "events.public.order", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ev.ID.String(), entries[0].EventID)
	assert.Equal(t, "public", entries[0].Schema)
	assert.Empty(t, entries[0].EndpointID, "fan-out entries carry no endpoint")
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	p := New(store.NewMemEventStore(time.Minute), stream.NewMemLog(1), nil)
	err := p.Publish(context.Background(), "public", &event.Event{Type: "NotValid"})
	assert.True(t, errs.IsKind(err, errs.KindInvalidInput))
}

func TestPublishDuplicateIsIdempotent(t *testing.T) {
	events := store.NewMemEventStore(time.Minute)
	log := stream.NewMemLog(1)
	p := New(events, log, nil)
	ctx := context.Background()

	ev := newTestEvent()
	require.NoError(t, p.Publish(ctx, "public", ev))

	dup := newTestEvent()
	dup.ID = ev.ID
	require.NoError(t, p.Publish(ctx, "public", dup), "duplicate id is not an error")

	// The duplicate was not re-announced.
	entries, err := log.Read(ctx, "events.public.order", "g", "c1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type downLog struct {
	stream.Log
}

func (d *downLog) Publish(ctx context.Context, topic, partitionKey string, e stream.Entry) (string, error) {
	return "", errors.New("stream down")
}

func TestPublishToleratesStreamFailure(t *testing.T) {
	events := store.NewMemEventStore(time.Minute)
	p := New(events, &downLog{Log: stream.NewMemLog(1)}, nil)
	ctx := context.Background()

	ev := newTestEvent()
	require.NoError(t, p.Publish(ctx, "public", ev), "durable append wins over announce")

	// The event is persisted and claimable by reconciliation.
	stored, err := events.Load(ctx, "public", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatePending, stored.State)
}

func TestPublishBatchPartialFailure(t *testing.T) {
	p := New(store.NewMemEventStore(time.Minute), stream.NewMemLog(1), nil)
	ctx := context.Background()

	good1 := newTestEvent()
	bad := &event.Event{Type: "bad type!"}
	good2 := newTestEvent()

	results := p.PublishBatch(ctx, "public", []*event.Event{good1, bad, good2})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err, "a bad event does not block the rest")
	assert.Equal(t, good1.ID, results[0].ID)
	assert.Equal(t, good2.ID, results[2].ID)
}
