// Package stream is the partitioned append-only log the dispatcher consumes.
// Entries are pointers into the event store, never authoritative payloads.
package stream

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Entry is one stream record. EndpointID is empty for fan-out entries and
// set when the retry sweeper republishes a single (event, endpoint) pair.
type Entry struct {
	ID         string            `json:"-"` // log-assigned, used for ack
	Partition  int               `json:"-"`
	EventID    string            `json:"event_id"`
	Schema     string            `json:"schema"`
	EndpointID string            `json:"endpoint_id,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	Trace      map[string]string `json:"trace,omitempty"`
}

// Log is a partitioned log with consumer groups. Within a partition entries
// are strictly ordered; across partitions there is no ordering. Delivery is
// at-least-once: consumers must be idempotent per (event, endpoint).
type Log interface {
	// Publish appends an entry to the partition selected by partitionKey
	// and returns its offset.
	Publish(ctx context.Context, topic, partitionKey string, e Entry) (string, error)

	// CreateGroup registers a consumer group on every partition of the
	// topic. Idempotent.
	CreateGroup(ctx context.Context, topic, group string) error

	// Read returns this consumer's unacked pending entries followed by new
	// entries, up to max. When nothing is available it blocks up to block.
	Read(ctx context.Context, topic, group, consumer string, max int, block time.Duration) ([]Entry, error)

	// Ack marks entries as processed for the group.
	Ack(ctx context.Context, topic, group string, entries ...Entry) error

	// Nack gives up on entries; with requeue they are re-appended to the
	// tail of their partition for redelivery, otherwise dropped.
	Nack(ctx context.Context, topic, group string, requeue bool, entries ...Entry) error

	// Pending reports the number of delivered-but-unacked entries.
	Pending(ctx context.Context, topic, group string) (int64, error)

	// Topics lists known topics for a schema (prefix events.{schema}.).
	Topics(ctx context.Context, schema string) ([]string, error)
}

// PartitionFor routes a partition key to one of n partitions.
func PartitionFor(partitionKey string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(partitionKey) % uint64(n))
}
