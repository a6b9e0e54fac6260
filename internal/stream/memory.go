package stream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memMsg struct {
	id    string
	entry Entry
}

type memGroup struct {
	cursor  int                // index into partition entries not yet delivered
	pending map[string]pendMsg // delivered, unacked
}

type pendMsg struct {
	consumer string
	entry    Entry
}

type memPartition struct {
	entries []memMsg
	seq     int
	groups  map[string]*memGroup
}

// MemLog is an in-memory Log used by the memory backend and tests. Semantics
// mirror the Redis implementation: per-partition order, per-group cursors,
// per-consumer pending sets, requeue appends to the tail.
type MemLog struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][]*memPartition
}

func NewMemLog(partitions int) *MemLog {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemLog{partitions: partitions, topics: make(map[string][]*memPartition)}
}

func (l *MemLog) topic(name string) []*memPartition {
	parts, ok := l.topics[name]
	if !ok {
		parts = make([]*memPartition, l.partitions)
		for i := range parts {
			parts[i] = &memPartition{groups: make(map[string]*memGroup)}
		}
		l.topics[name] = parts
	}
	return parts
}

func (p *memPartition) group(name string) *memGroup {
	g, ok := p.groups[name]
	if !ok {
		g = &memGroup{pending: make(map[string]pendMsg)}
		p.groups[name] = g
	}
	return g
}

func (l *MemLog) Publish(_ context.Context, topic, partitionKey string, e Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pn := PartitionFor(partitionKey, l.partitions)
	part := l.topic(topic)[pn]
	part.seq++
	id := fmt.Sprintf("%d-0", part.seq)
	e.ID = id
	e.Partition = pn
	part.entries = append(part.entries, memMsg{id: id, entry: e})
	return fmt.Sprintf("%d/%s", pn, id), nil
}

func (l *MemLog) CreateGroup(_ context.Context, topic, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, part := range l.topic(topic) {
		part.group(group)
	}
	return nil
}

func (l *MemLog) Read(ctx context.Context, topic, group, consumer string, max int, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		l.mu.Lock()
		out := l.readLocked(topic, group, consumer, max)
		l.mu.Unlock()
		if len(out) > 0 || block <= 0 || time.Now().After(deadline) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (l *MemLog) readLocked(topic, group, consumer string, max int) []Entry {
	var out []Entry
	for pn, part := range l.topic(topic) {
		g := part.group(group)

		// redeliver this consumer's pending first, in log order
		var pendIDs []string
		for id, pm := range g.pending {
			if pm.consumer == consumer {
				pendIDs = append(pendIDs, id)
			}
		}
		sort.Slice(pendIDs, func(i, j int) bool { return idSeq(pendIDs[i]) < idSeq(pendIDs[j]) })
		for _, id := range pendIDs {
			if len(out) >= max {
				return out
			}
			e := g.pending[id].entry
			e.ID = id
			e.Partition = pn
			out = append(out, e)
		}

		for g.cursor < len(part.entries) && len(out) < max {
			msg := part.entries[g.cursor]
			g.cursor++
			e := msg.entry
			e.ID = msg.id
			e.Partition = pn
			g.pending[msg.id] = pendMsg{consumer: consumer, entry: e}
			out = append(out, e)
		}
		if len(out) >= max {
			return out
		}
	}
	return out
}

// idSeq parses the sequence part of a "{seq}-0" entry id.
func idSeq(id string) int {
	n, _ := strconv.Atoi(strings.SplitN(id, "-", 2)[0])
	return n
}

func (l *MemLog) Ack(_ context.Context, topic, group string, entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := l.topic(topic)
	for _, e := range entries {
		if e.Partition < len(parts) {
			delete(parts[e.Partition].group(group).pending, e.ID)
		}
	}
	return nil
}

func (l *MemLog) Nack(_ context.Context, topic, group string, requeue bool, entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := l.topic(topic)
	for _, e := range entries {
		if e.Partition >= len(parts) {
			continue
		}
		part := parts[e.Partition]
		delete(part.group(group).pending, e.ID)
		if requeue {
			part.seq++
			id := fmt.Sprintf("%d-0", part.seq)
			cp := e
			cp.ID = id
			part.entries = append(part.entries, memMsg{id: id, entry: cp})
		}
	}
	return nil
}

func (l *MemLog) Pending(_ context.Context, topic, group string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, part := range l.topic(topic) {
		total += int64(len(part.group(group).pending))
	}
	return total, nil
}

func (l *MemLog) Topics(_ context.Context, schema string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := "events." + schema + "."
	var out []string
	for name := range l.topics {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
