// Package matcher maps events to the endpoints that must receive them,
// using glob patterns over event types plus optional predicate filters.
package matcher

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
)

// Rule is the denormalized subscription the matcher indexes.
type Rule struct {
	SubscriptionID uuid.UUID
	EndpointID     uuid.UUID
	Pattern        string
	Filter         *Filter
	Priority       int
}

// Candidate is a matched endpoint with the winning subscription's priority.
type Candidate struct {
	EndpointID     uuid.UUID
	SubscriptionID uuid.UUID
	Priority       int
}

// ValidatePattern checks glob syntax: dotted lowercase segments where a
// segment may be `*` (one segment) or `**` (one or more segments).
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return errs.E(errs.KindInvalidInput, "empty pattern")
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "*" || seg == "**" {
			continue
		}
		if seg == "" {
			return errs.E(errs.KindInvalidInput, "pattern %q has an empty segment", pattern)
		}
		for _, r := range seg {
			if (r < 'a' || r > 'z') && r != '_' {
				return errs.E(errs.KindInvalidInput, "pattern %q has an invalid segment %q", pattern, seg)
			}
		}
	}
	return nil
}

// MatchPattern reports whether eventType matches the glob pattern.
func MatchPattern(pattern, eventType string) bool {
	return matchSegs(strings.Split(pattern, "."), strings.Split(eventType, "."))
}

func matchSegs(pat, typ []string) bool {
	if len(pat) == 0 {
		return len(typ) == 0
	}
	switch pat[0] {
	case "**":
		// one or more segments
		for i := 1; i <= len(typ); i++ {
			if matchSegs(pat[1:], typ[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(typ) > 0 && matchSegs(pat[1:], typ[1:])
	default:
		return len(typ) > 0 && pat[0] == typ[0] && matchSegs(pat[1:], typ[1:])
	}
}

// Index holds rules bucketed by event category for early rejection. Safe
// for concurrent Match and Replace.
type Index struct {
	mu         sync.RWMutex
	byCategory map[string][]Rule
	wildcard   []Rule // patterns whose first segment is * or **
}

func NewIndex(rules []Rule) *Index {
	idx := &Index{}
	idx.Replace(rules)
	return idx
}

// Replace swaps in a fresh rule set.
func (idx *Index) Replace(rules []Rule) {
	byCat := make(map[string][]Rule)
	var wild []Rule
	for _, r := range rules {
		cat := event.Category(r.Pattern)
		if cat == "*" || cat == "**" {
			wild = append(wild, r)
			continue
		}
		byCat[cat] = append(byCat[cat], r)
	}
	idx.mu.Lock()
	idx.byCategory = byCat
	idx.wildcard = wild
	idx.mu.Unlock()
}

// Match returns the endpoints subscribed to ev, ordered by subscription
// priority descending then endpoint id ascending. An endpoint matched by
// several subscriptions is deduplicated to its highest-priority one.
func (idx *Index) Match(ev *event.Event) []Candidate {
	idx.mu.RLock()
	rules := idx.byCategory[event.Category(ev.Type)]
	wild := idx.wildcard
	idx.mu.RUnlock()

	var doc []byte
	lazyDoc := func() []byte {
		if doc == nil {
			doc = filterDoc(ev)
		}
		return doc
	}

	best := make(map[uuid.UUID]Candidate)
	consider := func(r Rule) {
		if !MatchPattern(r.Pattern, ev.Type) {
			return
		}
		if r.Filter != nil && !r.Filter.Eval(lazyDoc()) {
			return
		}
		cur, ok := best[r.EndpointID]
		if !ok || r.Priority > cur.Priority {
			best[r.EndpointID] = Candidate{
				EndpointID:     r.EndpointID,
				SubscriptionID: r.SubscriptionID,
				Priority:       r.Priority,
			}
		}
	}
	for _, r := range rules {
		consider(r)
	}
	for _, r := range wild {
		consider(r)
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].EndpointID.String() < out[j].EndpointID.String()
	})
	return out
}
