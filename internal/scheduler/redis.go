package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
)

// RedisRetryQueue implements RetryQueue on a sorted set per schema, scored
// by due time in unix milliseconds.
type RedisRetryQueue struct {
	rdb redis.UniversalClient
}

func NewRedisRetryQueue(rdb redis.UniversalClient) *RedisRetryQueue {
	return &RedisRetryQueue{rdb: rdb}
}

func retryKey(schema string) string {
	return "tidehook:retry:" + schema
}

func (q *RedisRetryQueue) Schedule(ctx context.Context, schema string, it Item, due time.Time) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	// NX keeps the earlier due time when the same retry is scheduled twice.
	err := q.rdb.ZAddNX(ctx, retryKey(schema), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: it.member(),
	}).Err()
	if err != nil {
		return errs.Wrap(errs.KindStreamUnavailable, err, "schedule retry")
	}
	return nil
}

func (q *RedisRetryQueue) Due(ctx context.Context, schema string, now time.Time, limit int) ([]Item, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 128
	}
	members, err := q.rdb.ZRangeByScore(ctx, retryKey(schema), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatScore(now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindStreamUnavailable, err, "list due retries")
	}

	var out []Item
	for _, m := range members {
		// ZREM is the claim: removal succeeds for exactly one sweeper.
		n, err := q.rdb.ZRem(ctx, retryKey(schema), m).Result()
		if err != nil {
			return out, errs.Wrap(errs.KindStreamUnavailable, err, "claim retry")
		}
		if n == 0 {
			continue
		}
		it, err := itemFromMember(m)
		if err != nil {
			// Unparseable members are dropped rather than looping forever.
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (q *RedisRetryQueue) Cancel(ctx context.Context, schema string, it Item) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	if err := q.rdb.ZRem(ctx, retryKey(schema), it.member()).Err(); err != nil {
		return errs.Wrap(errs.KindStreamUnavailable, err, "cancel retry")
	}
	return nil
}

func (q *RedisRetryQueue) Depth(ctx context.Context, schema string) (int64, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return 0, err
	}
	n, err := q.rdb.ZCard(ctx, retryKey(schema)).Result()
	if err != nil {
		return 0, errs.Wrap(errs.KindStreamUnavailable, err, "retry depth")
	}
	return n, nil
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
