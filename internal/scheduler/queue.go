// Package scheduler holds retries in a delay queue until they fall due, then
// republishes them onto the stream log as single-endpoint entries.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Item is one scheduled retry: redeliver event to endpoint as attempt n.
// Topic and PartitionKey route the republished entry back onto the same
// partition the original fan-out used.
type Item struct {
	EventID      uuid.UUID `json:"event_id"`
	EndpointID   uuid.UUID `json:"endpoint_id"`
	Attempt      int       `json:"attempt"`
	Topic        string    `json:"topic"`
	PartitionKey string    `json:"partition_key"`
}

// member is the queue identity of an item. Struct field order keeps the
// encoding deterministic, so rescheduling the same retry is idempotent.
func (it Item) member() string {
	b, _ := json.Marshal(it)
	return string(b)
}

func itemFromMember(m string) (Item, error) {
	var it Item
	err := json.Unmarshal([]byte(m), &it)
	return it, err
}

// RetryQueue is a per-schema delay queue. Scheduling the same item twice
// keeps the earlier due time. Due claims items atomically: an item is
// returned to exactly one caller.
type RetryQueue interface {
	Schedule(ctx context.Context, schema string, it Item, due time.Time) error
	Due(ctx context.Context, schema string, now time.Time, limit int) ([]Item, error)
	Cancel(ctx context.Context, schema string, it Item) error
	Depth(ctx context.Context, schema string) (int64, error)
}
