package recorder

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
)

// MemAttemptStore is the in-memory attempt store used in tests and
// single-node setups.
type MemAttemptStore struct {
	mu sync.RWMutex
	// schema -> pair key -> attempts by number
	attempts map[string]map[pairKey]map[int]*Attempt
	byID     map[string]map[uuid.UUID]*Attempt
}

type pairKey struct {
	event    uuid.UUID
	endpoint uuid.UUID
}

func NewMemAttemptStore() *MemAttemptStore {
	return &MemAttemptStore{
		attempts: make(map[string]map[pairKey]map[int]*Attempt),
		byID:     make(map[string]map[uuid.UUID]*Attempt),
	}
}

func (s *MemAttemptStore) Record(ctx context.Context, schema string, at *Attempt) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts[schema] == nil {
		s.attempts[schema] = make(map[pairKey]map[int]*Attempt)
		s.byID[schema] = make(map[uuid.UUID]*Attempt)
	}
	key := pairKey{at.EventID, at.EndpointID}
	if s.attempts[schema][key] == nil {
		s.attempts[schema][key] = make(map[int]*Attempt)
	}
	cp := *at
	if prev := s.attempts[schema][key][at.AttemptNumber]; prev != nil {
		// Upsert keeps the original row id.
		cp.ID = prev.ID
		delete(s.byID[schema], prev.ID)
	} else if cp.ID == uuid.Nil {
		cp.ID = event.NewID()
	}
	at.ID = cp.ID
	s.attempts[schema][key][at.AttemptNumber] = &cp
	s.byID[schema][cp.ID] = &cp
	return nil
}

func (s *MemAttemptStore) Get(ctx context.Context, schema string, id uuid.UUID) (*Attempt, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.byID[schema][id]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "attempt %s not found", id)
	}
	cp := *at
	return &cp, nil
}

func (s *MemAttemptStore) ListByEvent(ctx context.Context, schema string, eventID uuid.UUID) ([]*Attempt, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Attempt
	for key, byNum := range s.attempts[schema] {
		if key.event != eventID {
			continue
		}
		for _, at := range byNum {
			cp := *at
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndpointID != out[j].EndpointID {
			return out[i].EndpointID.String() < out[j].EndpointID.String()
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (s *MemAttemptStore) ListByEndpoint(ctx context.Context, schema string, endpointID uuid.UUID, limit int) ([]*Attempt, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Attempt
	for key, byNum := range s.attempts[schema] {
		if key.endpoint != endpointID {
			continue
		}
		for _, at := range byNum {
			cp := *at
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CompletedAt, out[j].CompletedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemAttemptStore) Latest(ctx context.Context, schema string, eventID, endpointID uuid.UUID) (*Attempt, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNum := s.attempts[schema][pairKey{eventID, endpointID}]
	var latest *Attempt
	for _, at := range byNum {
		if latest == nil || at.AttemptNumber > latest.AttemptNumber {
			latest = at
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}
