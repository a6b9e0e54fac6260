package matcher

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/tidehook/internal/event"
)

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{pattern: "order.created", wantErr: false},
		{pattern: "order.*", wantErr: false},
		{pattern: "*.created", wantErr: false},
		{pattern: "order.**", wantErr: false},
		{pattern: "**", wantErr: false},
		{pattern: "billing.invoice.*", wantErr: false},
		{pattern: "", wantErr: true},
		{pattern: "Order.created", wantErr: true},
		{pattern: "order.", wantErr: true},
		{pattern: "order.cre*ted", wantErr: true},
		{pattern: "order..created", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.updated", false},
		{"order.*", "order.created", true},
		{"order.*", "order.item.added", false}, // * is exactly one segment
		{"order.**", "order.created", true},
		{"order.**", "order.item.added", true},
		{"order.**", "billing.created", false},
		{"*.created", "order.created", true},
		{"*.created", "billing.created", true},
		{"*.created", "order.item.created", false},
		{"**", "order.created", true},
		{"**", "a.b.c.d", true},
		{"*.*.added", "order.item.added", true},
		{"**.added", "order.item.added", true},
		{"**.added", "order.added", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.eventType))
		})
	}
}

func TestIndexMatch(t *testing.T) {
	epA := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	epB := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	epC := uuid.MustParse("00000000-0000-0000-0000-00000000000c")

	idx := NewIndex([]Rule{
		{SubscriptionID: uuid.New(), EndpointID: epA, Pattern: "order.*", Priority: 1},
		{SubscriptionID: uuid.New(), EndpointID: epB, Pattern: "order.created", Priority: 5},
		{SubscriptionID: uuid.New(), EndpointID: epC, Pattern: "**", Priority: 0},
		// Second subscription for epA with a higher priority; dedupe keeps it.
		{SubscriptionID: uuid.New(), EndpointID: epA, Pattern: "order.created", Priority: 9},
	})

	ev := &event.Event{Type: "order.created", Payload: map[string]any{}}
	got := idx.Match(ev)

	require.Len(t, got, 3)
	assert.Equal(t, epA, got[0].EndpointID)
	assert.Equal(t, 9, got[0].Priority, "endpoint matched twice keeps its best priority")
	assert.Equal(t, epB, got[1].EndpointID)
	assert.Equal(t, epC, got[2].EndpointID)
}

func TestIndexMatchFilter(t *testing.T) {
	epA := uuid.New()
	idx := NewIndex([]Rule{{
		EndpointID: epA,
		Pattern:    "order.created",
		Filter:     &Filter{Op: "eq", Field: "payload.region", Value: "eu"},
	}})

	match := &event.Event{Type: "order.created", Payload: map[string]any{"region": "eu"}}
	miss := &event.Event{Type: "order.created", Payload: map[string]any{"region": "us"}}

	assert.Len(t, idx.Match(match), 1)
	assert.Empty(t, idx.Match(miss))
}

func TestIndexReplace(t *testing.T) {
	epA := uuid.New()
	idx := NewIndex([]Rule{{EndpointID: epA, Pattern: "order.created"}})
	ev := &event.Event{Type: "order.created", Payload: map[string]any{}}

	require.Len(t, idx.Match(ev), 1)
	idx.Replace(nil)
	assert.Empty(t, idx.Match(ev))
}

func TestIndexTieBreakByEndpointID(t *testing.T) {
	ep1 := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	ep2 := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	idx := NewIndex([]Rule{
		{EndpointID: ep2, Pattern: "order.created", Priority: 3},
		{EndpointID: ep1, Pattern: "order.created", Priority: 3},
	})
	got := idx.Match(&event.Event{Type: "order.created", Payload: map[string]any{}})
	require.Len(t, got, 2)
	assert.Equal(t, ep1, got[0].EndpointID, "equal priority orders by endpoint id")
}
