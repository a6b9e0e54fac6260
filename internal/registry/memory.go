package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/matcher"
)

// MemEndpointStore is the in-memory EndpointStore used by the memory
// backend and tests.
type MemEndpointStore struct {
	mu     sync.Mutex
	byName map[string]map[uuid.UUID]*Endpoint
}

func NewMemEndpointStore() *MemEndpointStore {
	return &MemEndpointStore{byName: make(map[string]map[uuid.UUID]*Endpoint)}
}

func (s *MemEndpointStore) schemaEndpoints(schema string) map[uuid.UUID]*Endpoint {
	eps, ok := s.byName[schema]
	if !ok {
		eps = make(map[uuid.UUID]*Endpoint)
		s.byName[schema] = eps
	}
	return eps
}

func copyEndpoint(ep *Endpoint) *Endpoint {
	cp := *ep
	cp.Secret = append([]byte(nil), ep.Secret...)
	cp.Subscriptions = append([]Subscription(nil), ep.Subscriptions...)
	if ep.CustomHeaders != nil {
		cp.CustomHeaders = make(map[string]string, len(ep.CustomHeaders))
		for k, v := range ep.CustomHeaders {
			cp.CustomHeaders[k] = v
		}
	}
	if ep.DeletedAt != nil {
		t := *ep.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

func (s *MemEndpointStore) Create(_ context.Context, schema string, ep *Endpoint) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	eps := s.schemaEndpoints(schema)
	for _, other := range eps {
		if other.Name == ep.Name && other.DeletedAt == nil {
			return errs.E(errs.KindConflict, "endpoint name %q already exists", ep.Name)
		}
	}
	eps[ep.ID] = copyEndpoint(ep)
	return nil
}

func (s *MemEndpointStore) Get(_ context.Context, schema string, id uuid.UUID) (*Endpoint, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.schemaEndpoints(schema)[id]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "endpoint %s not found", id)
	}
	return copyEndpoint(ep), nil
}

func (s *MemEndpointStore) List(_ context.Context, schema string, cursor string, limit int) ([]*Endpoint, string, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*Endpoint
	for _, ep := range s.schemaEndpoints(schema) {
		if ep.DeletedAt == nil && ep.ID.String() > cursor {
			all = append(all, copyEndpoint(ep))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	next := ""
	if len(all) > limit {
		all = all[:limit]
		next = all[limit-1].ID.String()
	}
	return all, next, nil
}

func (s *MemEndpointStore) Update(_ context.Context, schema string, ep *Endpoint) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	eps := s.schemaEndpoints(schema)
	cur, ok := eps[ep.ID]
	if !ok || cur.DeletedAt != nil {
		return errs.E(errs.KindNotFound, "endpoint %s not found", ep.ID)
	}
	for _, other := range eps {
		if other.ID != ep.ID && other.Name == ep.Name && other.DeletedAt == nil {
			return errs.E(errs.KindConflict, "endpoint name %q already exists", ep.Name)
		}
	}
	cp := copyEndpoint(ep)
	cp.Health = cur.Health
	cp.ConsecutiveFailures = cur.ConsecutiveFailures
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	eps[ep.ID] = cp
	return nil
}

func (s *MemEndpointStore) SoftDelete(_ context.Context, schema string, id uuid.UUID) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.schemaEndpoints(schema)[id]
	if !ok || ep.DeletedAt != nil {
		return errs.E(errs.KindNotFound, "endpoint %s not found", id)
	}
	now := time.Now().UTC()
	ep.DeletedAt = &now
	ep.UpdatedAt = now
	return nil
}

func (s *MemEndpointStore) Rules(_ context.Context, schema string) ([]matcher.Rule, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []matcher.Rule
	for _, ep := range s.schemaEndpoints(schema) {
		if !ep.Deliverable() {
			continue
		}
		for _, sub := range ep.Subscriptions {
			if !sub.Active {
				continue
			}
			out = append(out, matcher.Rule{
				SubscriptionID: sub.ID,
				EndpointID:     ep.ID,
				Pattern:        sub.Pattern,
				Filter:         sub.Filter,
				Priority:       sub.Priority,
			})
		}
	}
	return out, nil
}

func (s *MemEndpointStore) RecordSuccess(_ context.Context, schema string, id uuid.UUID) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.schemaEndpoints(schema)[id]
	if !ok {
		return errs.E(errs.KindNotFound, "endpoint %s not found", id)
	}
	ep.ConsecutiveFailures = 0
	if ep.Health == HealthDegraded {
		ep.Health = HealthHealthy
	}
	return nil
}

func (s *MemEndpointStore) RecordFailure(_ context.Context, schema string, id uuid.UUID) (Health, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.schemaEndpoints(schema)[id]
	if !ok {
		return "", errs.E(errs.KindNotFound, "endpoint %s not found", id)
	}
	ep.ConsecutiveFailures++
	ep.Health = nextHealth(ep.Health, ep.ConsecutiveFailures)
	return ep.Health, nil
}

func (s *MemEndpointStore) SetHealth(_ context.Context, schema string, id uuid.UUID, h Health) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.schemaEndpoints(schema)[id]
	if !ok {
		return errs.E(errs.KindNotFound, "endpoint %s not found", id)
	}
	ep.Health = h
	if h == HealthHealthy {
		ep.ConsecutiveFailures = 0
	}
	return nil
}
