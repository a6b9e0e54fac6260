package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
)

// eventRequest is the wire shape accepted on publish. The id is optional;
// a caller-supplied id makes the publish idempotent.
type eventRequest struct {
	ID            *uuid.UUID     `json:"id,omitempty"`
	Type          string         `json:"type"`
	AggregateType string         `json:"aggregate_type,omitempty"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Metadata      event.Metadata `json:"metadata"`
	OccurredAt    *time.Time     `json:"occurred_at,omitempty"`
	Priority      event.Priority `json:"priority,omitempty"`
	PartitionKey  string         `json:"partition_key,omitempty"`
}

func (req *eventRequest) toEvent() *event.Event {
	ev := &event.Event{
		Type:          req.Type,
		AggregateType: req.AggregateType,
		AggregateID:   req.AggregateID,
		Payload:       req.Payload,
		Metadata:      req.Metadata,
		Priority:      req.Priority,
		PartitionKey:  req.PartitionKey,
	}
	if req.ID != nil {
		ev.ID = *req.ID
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}
	return ev
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	schema, err := schemaOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.E(errs.KindInvalidInput, "malformed request body"))
		return
	}
	ev := req.toEvent()
	if err := s.pub.Publish(r.Context(), schema, ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": ev.ID})
}

func (s *Server) publishBatch(w http.ResponseWriter, r *http.Request) {
	schema, err := schemaOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var reqs []eventRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, errs.E(errs.KindInvalidInput, "malformed request body"))
		return
	}
	evs := make([]*event.Event, len(reqs))
	for i := range reqs {
		evs[i] = reqs[i].toEvent()
	}
	results := s.pub.PublishBatch(r.Context(), schema, evs)

	type itemResult struct {
		EventID uuid.UUID `json:"event_id"`
		Code    string    `json:"code,omitempty"`
		Message string    `json:"message,omitempty"`
	}
	out := make([]itemResult, len(results))
	accepted := 0
	for i, res := range results {
		out[i].EventID = res.ID
		if res.Err != nil {
			out[i].Code = string(errs.KindOf(res.Err))
			out[i].Message = errs.Message(res.Err)
		} else {
			accepted++
		}
	}
	status := http.StatusAccepted
	if accepted < len(results) {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"results": out, "accepted": accepted})
}

// getEvent returns the event together with its attempt history.
func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	schema, err := schemaOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errs.E(errs.KindInvalidInput, "invalid event id"))
		return
	}
	ev, err := s.events.Load(r.Context(), schema, id)
	if err != nil {
		writeError(w, err)
		return
	}
	attempts, err := s.attempts.ListByEvent(r.Context(), schema, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event":    ev,
		"attempts": attempts,
	})
}
