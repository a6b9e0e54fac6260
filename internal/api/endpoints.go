package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/matcher"
	"github.com/austindbirch/tidehook/internal/planner"
	"github.com/austindbirch/tidehook/internal/registry"
)

// endpointRequest is the wire shape for create and patch. Durations come in
// as milliseconds; on patch, nil pointers leave the stored value untouched.
type endpointRequest struct {
	Name            *string            `json:"name"`
	URL             *string            `json:"url"`
	Method          *string            `json:"method"`
	Secret          *string            `json:"secret"`
	SignatureHeader *string            `json:"signature_header"`
	CustomHeaders   *map[string]string `json:"custom_headers"`
	TimeoutMs       *int64             `json:"timeout_ms"`
	Active          *bool              `json:"is_active"`
	RetryPolicy     *retryPolicyReq    `json:"retry_policy"`
	Subscriptions   *[]subscriptionReq `json:"subscriptions"`
}

type retryPolicyReq struct {
	MaxAttempts   int     `json:"max_attempts"`
	BaseBackoffMs int64   `json:"base_backoff_ms"`
	Multiplier    float64 `json:"multiplier"`
	Jitter        float64 `json:"jitter"`
	MaxBackoffMs  int64   `json:"max_backoff_ms"`
}

type subscriptionReq struct {
	Pattern  string          `json:"pattern"`
	Filter   *matcher.Filter `json:"filter,omitempty"`
	Priority int             `json:"priority"`
	Active   *bool           `json:"active"`
}

func (req *endpointRequest) apply(ep *registry.Endpoint) {
	if req.Name != nil {
		ep.Name = *req.Name
	}
	if req.URL != nil {
		ep.URL = *req.URL
	}
	if req.Method != nil {
		ep.Method = *req.Method
	}
	if req.Secret != nil {
		ep.Secret = []byte(*req.Secret)
	}
	if req.SignatureHeader != nil {
		ep.SignatureHeader = *req.SignatureHeader
	}
	if req.CustomHeaders != nil {
		ep.CustomHeaders = *req.CustomHeaders
	}
	if req.TimeoutMs != nil {
		ep.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	if req.Active != nil {
		ep.Active = *req.Active
	}
	if req.RetryPolicy != nil {
		ep.Retry = registry.RetryPolicy{
			MaxAttempts: req.RetryPolicy.MaxAttempts,
			BaseBackoff: time.Duration(req.RetryPolicy.BaseBackoffMs) * time.Millisecond,
			Multiplier:  req.RetryPolicy.Multiplier,
			Jitter:      req.RetryPolicy.Jitter,
			MaxBackoff:  time.Duration(req.RetryPolicy.MaxBackoffMs) * time.Millisecond,
		}
	}
	if req.Subscriptions != nil {
		subs := make([]registry.Subscription, 0, len(*req.Subscriptions))
		for _, sr := range *req.Subscriptions {
			active := true
			if sr.Active != nil {
				active = *sr.Active
			}
			subs = append(subs, registry.Subscription{
				Pattern:  sr.Pattern,
				Filter:   sr.Filter,
				Priority: sr.Priority,
				Active:   active,
			})
		}
		ep.Subscriptions = subs
	}
}

func (s *Server) createEndpoint(w http.ResponseWriter, r *http.Request) {
	schema, err := schemaOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.E(errs.KindInvalidInput, "malformed request body"))
		return
	}
	ep := &registry.Endpoint{Active: true}
	req.apply(ep)
	ep.Normalize()
	if err := ep.Validate(s.strict); err != nil {
		writeError(w, err)
		return
	}
	if err := s.endpoints.Create(r.Context(), schema, ep); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Plain().WithSchema(schema).WithEndpoint(ep.ID.String()).Info("endpoint created")
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	schema, err := schemaOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := intParam(r, "limit", 50)
	eps, next, err := s.endpoints.List(r.Context(), schema, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints":   eps,
		"next_cursor": next,
	})
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	schema, id, err := s.endpointParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ep, err := s.liveEndpoint(r, schema, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// liveEndpoint resolves an endpoint for the management surface, where
// soft-deleted endpoints do not exist.
func (s *Server) liveEndpoint(r *http.Request, schema string, id uuid.UUID) (*registry.Endpoint, error) {
	ep, err := s.endpoints.Get(r.Context(), schema, id)
	if err != nil {
		return nil, err
	}
	if ep.DeletedAt != nil {
		return nil, errs.E(errs.KindNotFound, "endpoint %s not found", id)
	}
	return ep, nil
}

func (s *Server) patchEndpoint(w http.ResponseWriter, r *http.Request) {
	schema, id, err := s.endpointParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ep, err := s.liveEndpoint(r, schema, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.E(errs.KindInvalidInput, "malformed request body"))
		return
	}
	req.apply(ep)
	ep.Normalize()
	if err := ep.Validate(s.strict); err != nil {
		writeError(w, err)
		return
	}
	if err := s.endpoints.Update(r.Context(), schema, ep); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	schema, id, err := s.endpointParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.endpoints.SoftDelete(r.Context(), schema, id); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Plain().WithSchema(schema).WithEndpoint(id.String()).Info("endpoint deleted")
	w.WriteHeader(http.StatusNoContent)
}

// testEndpoint fires a synthetic event at the endpoint synchronously and
// returns the classified outcome. Nothing is persisted.
func (s *Server) testEndpoint(w http.ResponseWriter, r *http.Request) {
	schema, id, err := s.endpointParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ep, err := s.liveEndpoint(r, schema, id)
	if err != nil {
		writeError(w, err)
		return
	}

	ev := &event.Event{
		Type:    "tidehook.test",
		Payload: map[string]any{"test": true, "endpoint_id": id.String()},
	}
	ev.Normalize(schema, time.Now())

	plan := planner.Next(ev.ID, ep, 0)
	out, err := s.adapter.Deliver(r.Context(), plan, ev, ep)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindCancelled, err, "test delivery aborted"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          out.Status(),
		"response_status": out.StatusCode,
		"latency_ms":      out.Latency.Milliseconds(),
		"retryable":       out.Retryable,
		"reason":          out.Reason,
	})
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	schema, id, err := s.endpointParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := intParam(r, "limit", 50)
	attempts, err := s.attempts.ListByEndpoint(r.Context(), schema, id, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	status := r.URL.Query().Get("status")
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		since, err = time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, errs.E(errs.KindInvalidInput, "since must be RFC 3339"))
			return
		}
	}
	filtered := attempts[:0]
	for _, at := range attempts {
		if status != "" && string(at.Status) != status {
			continue
		}
		if !since.IsZero() && (at.CompletedAt == nil || at.CompletedAt.Before(since)) {
			continue
		}
		filtered = append(filtered, at)
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": filtered})
}

func (s *Server) endpointParams(r *http.Request) (string, uuid.UUID, error) {
	schema, err := schemaOf(r)
	if err != nil {
		return "", uuid.Nil, err
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return "", uuid.Nil, errs.E(errs.KindInvalidInput, "invalid endpoint id")
	}
	return schema, id, nil
}

func intParam(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
