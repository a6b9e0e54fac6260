package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/tidehook/internal/errs"
)

const topicSetKey = "tidehook:topics"

// RedisLog implements Log on Redis Streams. A topic with N partitions is N
// stream keys `{topic}:{p}`; consumer groups are per partition stream.
type RedisLog struct {
	rdb        redis.UniversalClient
	partitions int
}

func NewRedisLog(rdb redis.UniversalClient, partitions int) *RedisLog {
	if partitions <= 0 {
		partitions = 1
	}
	return &RedisLog{rdb: rdb, partitions: partitions}
}

func (l *RedisLog) key(topic string, partition int) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}

func (l *RedisLog) Publish(ctx context.Context, topic, partitionKey string, e Entry) (string, error) {
	p := PartitionFor(partitionKey, l.partitions)
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key(topic, p),
		Values: entryValues(e),
	}).Result()
	if err != nil {
		return "", errs.Wrap(errs.KindStreamUnavailable, err, "xadd %s", topic)
	}
	if err := l.rdb.SAdd(ctx, topicSetKey, topic).Err(); err != nil {
		return "", errs.Wrap(errs.KindStreamUnavailable, err, "register topic %s", topic)
	}
	return fmt.Sprintf("%d/%s", p, id), nil
}

func (l *RedisLog) CreateGroup(ctx context.Context, topic, group string) error {
	for p := 0; p < l.partitions; p++ {
		err := l.rdb.XGroupCreateMkStream(ctx, l.key(topic, p), group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return errs.Wrap(errs.KindStreamUnavailable, err, "create group %s on %s", group, topic)
		}
	}
	return nil
}

func (l *RedisLog) Read(ctx context.Context, topic, group, consumer string, max int, block time.Duration) ([]Entry, error) {
	// Pending (delivered but unacked to this consumer) goes first so a
	// restarted consumer drains its own backlog before taking new work.
	entries, err := l.read(ctx, topic, group, consumer, max, 0, "0")
	if err != nil {
		return nil, err
	}
	if len(entries) >= max {
		return entries, nil
	}
	fresh, err := l.read(ctx, topic, group, consumer, max-len(entries), block, ">")
	if err != nil {
		return nil, err
	}
	return append(entries, fresh...), nil
}

func (l *RedisLog) read(ctx context.Context, topic, group, consumer string, max int, block time.Duration, cursor string) ([]Entry, error) {
	streams := make([]string, 0, l.partitions*2)
	for p := 0; p < l.partitions; p++ {
		streams = append(streams, l.key(topic, p))
	}
	for range l.partitions {
		streams = append(streams, cursor)
	}
	if block == 0 {
		block = -1 // non-blocking
	}
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStreamUnavailable, err, "xreadgroup %s", topic)
	}

	var out []Entry
	for _, sr := range res {
		p := partitionOf(sr.Stream)
		for _, msg := range sr.Messages {
			e := entryFromValues(msg.Values)
			e.ID = msg.ID
			e.Partition = p
			out = append(out, e)
			if len(out) >= max {
				return out, nil
			}
		}
	}
	return out, nil
}

func (l *RedisLog) Ack(ctx context.Context, topic, group string, entries ...Entry) error {
	for _, e := range entries {
		if err := l.rdb.XAck(ctx, l.key(topic, e.Partition), group, e.ID).Err(); err != nil {
			return errs.Wrap(errs.KindStreamUnavailable, err, "xack %s", topic)
		}
	}
	return nil
}

func (l *RedisLog) Nack(ctx context.Context, topic, group string, requeue bool, entries ...Entry) error {
	for _, e := range entries {
		key := l.key(topic, e.Partition)
		if err := l.rdb.XAck(ctx, key, group, e.ID).Err(); err != nil {
			return errs.Wrap(errs.KindStreamUnavailable, err, "xack %s", topic)
		}
		if !requeue {
			continue
		}
		if err := l.rdb.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: entryValues(e)}).Err(); err != nil {
			return errs.Wrap(errs.KindStreamUnavailable, err, "requeue %s", topic)
		}
	}
	return nil
}

func (l *RedisLog) Pending(ctx context.Context, topic, group string) (int64, error) {
	var total int64
	for p := 0; p < l.partitions; p++ {
		res, err := l.rdb.XPending(ctx, l.key(topic, p), group).Result()
		if err != nil {
			if err == redis.Nil || strings.Contains(err.Error(), "NOGROUP") {
				continue
			}
			return 0, errs.Wrap(errs.KindStreamUnavailable, err, "xpending %s", topic)
		}
		total += res.Count
	}
	return total, nil
}

func (l *RedisLog) Topics(ctx context.Context, schema string) ([]string, error) {
	all, err := l.rdb.SMembers(ctx, topicSetKey).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindStreamUnavailable, err, "list topics")
	}
	prefix := "events." + schema + "."
	var out []string
	for _, t := range all {
		if strings.HasPrefix(t, prefix) {
			out = append(out, t)
		}
	}
	return out, nil
}

func entryValues(e Entry) map[string]any {
	vals := map[string]any{
		"event_id": e.EventID,
		"schema":   e.Schema,
	}
	if e.EndpointID != "" {
		vals["endpoint_id"] = e.EndpointID
	}
	if e.Attempt > 0 {
		vals["attempt"] = strconv.Itoa(e.Attempt)
	}
	if len(e.Trace) > 0 {
		if b, err := json.Marshal(e.Trace); err == nil {
			vals["trace"] = string(b)
		}
	}
	return vals
}

func entryFromValues(vals map[string]any) Entry {
	var e Entry
	e.EventID, _ = vals["event_id"].(string)
	e.Schema, _ = vals["schema"].(string)
	e.EndpointID, _ = vals["endpoint_id"].(string)
	if s, ok := vals["attempt"].(string); ok {
		e.Attempt, _ = strconv.Atoi(s)
	}
	if s, ok := vals["trace"].(string); ok && s != "" {
		_ = json.Unmarshal([]byte(s), &e.Trace)
	}
	return e
}

func partitionOf(streamKey string) int {
	i := strings.LastIndexByte(streamKey, ':')
	if i < 0 {
		return 0
	}
	p, _ := strconv.Atoi(streamKey[i+1:])
	return p
}
