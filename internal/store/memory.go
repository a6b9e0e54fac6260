package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
)

type memRow struct {
	ev            event.Event
	leaseWorker   string
	leaseDeadline time.Time
}

// MemEventStore is an in-memory EventStore with the same claim and terminal
// semantics as the Postgres implementation. It backs the memory store
// backend and the package tests.
type MemEventStore struct {
	mu     sync.Mutex
	lease  time.Duration
	byName map[string]map[uuid.UUID]*memRow
	now    func() time.Time
}

func NewMemEventStore(lease time.Duration) *MemEventStore {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &MemEventStore{
		lease:  lease,
		byName: make(map[string]map[uuid.UUID]*memRow),
		now:    time.Now,
	}
}

// SetClock overrides the time source, for lease expiry tests.
func (s *MemEventStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemEventStore) schemaRows(schema string) map[uuid.UUID]*memRow {
	rows, ok := s.byName[schema]
	if !ok {
		rows = make(map[uuid.UUID]*memRow)
		s.byName[schema] = rows
	}
	return rows
}

func (s *MemEventStore) Append(_ context.Context, schema string, ev *event.Event) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	if err := ev.Validate(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.schemaRows(schema)
	if _, exists := rows[ev.ID]; exists {
		return errs.E(errs.KindConflict, "event %s already exists", ev.ID)
	}
	cp := *ev
	rows[ev.ID] = &memRow{ev: cp}
	return nil
}

func (s *MemEventStore) Load(_ context.Context, schema string, id uuid.UUID) (*event.Event, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.schemaRows(schema)[id]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "event %s not found", id)
	}
	cp := row.ev
	return &cp, nil
}

func (s *MemEventStore) ClaimPending(_ context.Context, schema string, limit int, workerID string, minAge time.Duration) ([]*event.Event, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var eligible []*memRow
	for _, row := range s.schemaRows(schema) {
		switch row.ev.State {
		case event.StatePending:
			if now.Sub(row.ev.RecordedAt) >= minAge {
				eligible = append(eligible, row)
			}
		case event.StateDispatched:
			if row.leaseDeadline.Before(now) {
				eligible = append(eligible, row)
			}
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].ev.OccurredAt.Before(eligible[j].ev.OccurredAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]*event.Event, 0, len(eligible))
	for _, row := range eligible {
		row.ev.State = event.StateDispatched
		row.leaseWorker = workerID
		row.leaseDeadline = now.Add(s.lease)
		cp := row.ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemEventStore) MarkProcessed(_ context.Context, schema string, id uuid.UUID) error {
	return s.terminal(schema, id, event.StateProcessed, nil)
}

func (s *MemEventStore) MarkDead(_ context.Context, schema string, id uuid.UUID, rec event.ErrorRecord) error {
	return s.terminal(schema, id, event.StateDead, &rec)
}

func (s *MemEventStore) terminal(schema string, id uuid.UUID, state event.State, rec *event.ErrorRecord) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.schemaRows(schema)[id]
	if !ok {
		return nil
	}
	if row.ev.State.Terminal() {
		return nil
	}
	row.ev.State = state
	if rec != nil {
		cp := *rec
		row.ev.LastError = &cp
	}
	row.leaseWorker = ""
	row.leaseDeadline = time.Time{}
	return nil
}

func (s *MemEventStore) BumpAttempts(_ context.Context, schema string, id uuid.UUID, lastErr *event.ErrorRecord) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.schemaRows(schema)[id]
	if !ok {
		return errs.E(errs.KindNotFound, "event %s not found", id)
	}
	row.ev.AttemptsCount++
	if lastErr != nil {
		cp := *lastErr
		row.ev.LastError = &cp
	}
	return nil
}

func (s *MemEventStore) CountByState(_ context.Context, schema string, state event.State) (int64, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.schemaRows(schema) {
		if row.ev.State == state {
			n++
		}
	}
	return n, nil
}
