package stream

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedisLog(t *testing.T, partitions int) *RedisLog {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLog(rdb, partitions)
}

func TestRedisLogPublishRead(t *testing.T) {
	l := testRedisLog(t, 1)
	ctx := context.Background()
	topic := "events.public.order"

	if err := l.CreateGroup(ctx, topic, "dispatch"); err != nil {
		t.Fatal(err)
	}
	entry := Entry{
		EventID:    "11111111-1111-1111-1111-111111111111",
		Schema:     "public",
		EndpointID: "22222222-2222-2222-2222-222222222222",
		Attempt:    3,
		Trace:      map[string]string{"traceparent": "00-abc-def-01"},
	}
	offset, err := l.Publish(ctx, topic, "order-1", entry)
	if err != nil {
		t.Fatal(err)
	}
	if offset == "" {
		t.Fatal("empty offset")
	}

	got, err := l.Read(ctx, topic, "dispatch", "c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("read %d entries, want 1", len(got))
	}
	e := got[0]
	if e.EventID != entry.EventID || e.Schema != "public" || e.EndpointID != entry.EndpointID || e.Attempt != 3 {
		t.Fatalf("entry fields lost in transit: %+v", e)
	}
	if e.Trace["traceparent"] != "00-abc-def-01" {
		t.Fatalf("trace lost: %v", e.Trace)
	}
	if e.ID == "" {
		t.Fatal("entry has no log id")
	}
}

func TestRedisLogAckAndPending(t *testing.T) {
	l := testRedisLog(t, 1)
	ctx := context.Background()
	topic := "events.public.order"
	if err := l.CreateGroup(ctx, topic, "g"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Publish(ctx, topic, "k", Entry{EventID: "e1", Schema: "public"}); err != nil {
		t.Fatal(err)
	}

	got, err := l.Read(ctx, topic, "g", "c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("read %d", len(got))
	}
	if n, err := l.Pending(ctx, topic, "g"); err != nil || n != 1 {
		t.Fatalf("pending = %d, %v", n, err)
	}

	// Unacked entries are redelivered to the same consumer before new work.
	again, err := l.Read(ctx, topic, "g", "c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].ID != got[0].ID {
		t.Fatalf("own pending not drained first: %v", again)
	}

	if err := l.Ack(ctx, topic, "g", got...); err != nil {
		t.Fatal(err)
	}
	if n, _ := l.Pending(ctx, topic, "g"); n != 0 {
		t.Fatalf("pending after ack = %d", n)
	}
}

func TestRedisLogNackRequeue(t *testing.T) {
	l := testRedisLog(t, 1)
	ctx := context.Background()
	topic := "events.public.order"
	if err := l.CreateGroup(ctx, topic, "g"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Publish(ctx, topic, "k", Entry{EventID: "e1", Schema: "public", Attempt: 2}); err != nil {
		t.Fatal(err)
	}

	first, err := l.Read(ctx, topic, "g", "c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Nack(ctx, topic, "g", true, first...); err != nil {
		t.Fatal(err)
	}

	redelivered, err := l.Read(ctx, topic, "g", "c2", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(redelivered) != 1 {
		t.Fatalf("requeued entry not readable: %d", len(redelivered))
	}
	if redelivered[0].EventID != "e1" || redelivered[0].Attempt != 2 {
		t.Fatalf("requeued entry lost fields: %+v", redelivered[0])
	}
	if redelivered[0].ID == first[0].ID {
		t.Fatal("requeue reused the old stream id")
	}
}

func TestRedisLogCreateGroupIdempotent(t *testing.T) {
	l := testRedisLog(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.CreateGroup(ctx, "events.public.order", "g"); err != nil {
			t.Fatalf("CreateGroup attempt %d: %v", i+1, err)
		}
	}
}

func TestRedisLogTopics(t *testing.T) {
	l := testRedisLog(t, 1)
	ctx := context.Background()
	for _, topic := range []string{"events.public.order", "events.acme.order"} {
		if _, err := l.Publish(ctx, topic, "k", Entry{EventID: "e", Schema: "s"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.Topics(ctx, "public")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "events.public.order" {
		t.Fatalf("Topics = %v", got)
	}
}

func TestRedisLogPartitionRouting(t *testing.T) {
	l := testRedisLog(t, 4)
	ctx := context.Background()
	topic := "events.public.order"
	if err := l.CreateGroup(ctx, topic, "g"); err != nil {
		t.Fatal(err)
	}

	// Same key always lands on the same partition.
	a, err := l.Publish(ctx, topic, "order-7", Entry{EventID: "e1", Schema: "public"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Publish(ctx, topic, "order-7", Entry{EventID: "e2", Schema: "public"})
	if err != nil {
		t.Fatal(err)
	}
	if a[0] != b[0] {
		t.Fatalf("same key routed to different partitions: %s vs %s", a, b)
	}

	got, err := l.Read(ctx, topic, "g", "c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d entries across partitions, want 2", len(got))
	}
	if got[0].EventID != "e1" || got[1].EventID != "e2" {
		t.Fatalf("per-partition order broken: %v, %v", got[0].EventID, got[1].EventID)
	}
}
