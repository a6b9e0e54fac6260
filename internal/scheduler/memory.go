package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/tidehook/internal/event"
)

// MemRetryQueue is the in-memory delay queue used in tests and single-node
// setups.
type MemRetryQueue struct {
	mu     sync.Mutex
	queues map[string]map[string]time.Time // schema -> member -> due
}

func NewMemRetryQueue() *MemRetryQueue {
	return &MemRetryQueue{queues: make(map[string]map[string]time.Time)}
}

func (q *MemRetryQueue) Schedule(ctx context.Context, schema string, it Item, due time.Time) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queues[schema] == nil {
		q.queues[schema] = make(map[string]time.Time)
	}
	m := it.member()
	if _, exists := q.queues[schema][m]; exists {
		return nil
	}
	q.queues[schema][m] = due
	return nil
}

func (q *MemRetryQueue) Due(ctx context.Context, schema string, now time.Time, limit int) ([]Item, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 128
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	type scored struct {
		member string
		due    time.Time
	}
	var ready []scored
	for m, due := range q.queues[schema] {
		if !due.After(now) {
			ready = append(ready, scored{m, due})
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].due.Before(ready[j].due) })
	if len(ready) > limit {
		ready = ready[:limit]
	}

	var out []Item
	for _, r := range ready {
		delete(q.queues[schema], r.member)
		it, err := itemFromMember(r.member)
		if err != nil {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (q *MemRetryQueue) Cancel(ctx context.Context, schema string, it Item) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues[schema], it.member())
	return nil
}

func (q *MemRetryQueue) Depth(ctx context.Context, schema string) (int64, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[schema])), nil
}
