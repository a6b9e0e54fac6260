package matcher

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
)

// Filter is a predicate tree evaluated against an event's payload and
// metadata. Field paths are gjson paths rooted at "payload" or "metadata".
type Filter struct {
	Op     string    `json:"op"`
	Field  string    `json:"field,omitempty"`
	Value  any       `json:"value,omitempty"`
	Values []any     `json:"values,omitempty"`
	Args   []*Filter `json:"args,omitempty"`
}

const maxFilterDepth = 16

var comparisonOps = map[string]bool{
	"eq": true, "ne": true, "gt": true, "ge": true, "lt": true, "le": true,
}

// Validate checks filter syntax: known operators, required operands, depth.
func (f *Filter) Validate() error {
	return f.validate(0)
}

func (f *Filter) validate(depth int) error {
	if f == nil {
		return nil
	}
	if depth > maxFilterDepth {
		return errs.E(errs.KindInvalidInput, "filter nesting exceeds %d levels", maxFilterDepth)
	}
	switch f.Op {
	case "and", "or":
		if len(f.Args) == 0 {
			return errs.E(errs.KindInvalidInput, "%s requires at least one argument", f.Op)
		}
		for _, arg := range f.Args {
			if err := arg.validate(depth + 1); err != nil {
				return err
			}
		}
	case "not":
		if len(f.Args) != 1 {
			return errs.E(errs.KindInvalidInput, "not requires exactly one argument")
		}
		return f.Args[0].validate(depth + 1)
	case "exists":
		if err := f.validateField(); err != nil {
			return err
		}
	case "in", "not_in":
		if err := f.validateField(); err != nil {
			return err
		}
		if len(f.Values) == 0 {
			return errs.E(errs.KindInvalidInput, "%s requires a values list", f.Op)
		}
	default:
		if !comparisonOps[f.Op] {
			return errs.E(errs.KindInvalidInput, "unknown filter operator %q", f.Op)
		}
		if err := f.validateField(); err != nil {
			return err
		}
		if f.Value == nil {
			return errs.E(errs.KindInvalidInput, "%s requires a value", f.Op)
		}
	}
	return nil
}

func (f *Filter) validateField() error {
	if f.Field == "" {
		return errs.E(errs.KindInvalidInput, "%s requires a field path", f.Op)
	}
	if f.Field != "payload" && f.Field != "metadata" &&
		!strings.HasPrefix(f.Field, "payload.") && !strings.HasPrefix(f.Field, "metadata.") {
		return errs.E(errs.KindInvalidInput, "field %q must be rooted at payload or metadata", f.Field)
	}
	return nil
}

// filterDoc renders the document filters are evaluated against.
func filterDoc(ev *event.Event) []byte {
	doc, err := json.Marshal(map[string]any{
		"payload":  ev.Payload,
		"metadata": ev.Metadata,
	})
	if err != nil {
		return []byte("{}")
	}
	return doc
}

// Eval evaluates the filter against the event document. A nil filter
// matches everything. Missing fields are false for comparisons and for
// exists.
func (f *Filter) Eval(doc []byte) bool {
	if f == nil {
		return true
	}
	switch f.Op {
	case "and":
		for _, arg := range f.Args {
			if !arg.Eval(doc) {
				return false
			}
		}
		return true
	case "or":
		for _, arg := range f.Args {
			if arg.Eval(doc) {
				return true
			}
		}
		return false
	case "not":
		return !f.Args[0].Eval(doc)
	case "exists":
		return gjson.GetBytes(doc, f.Field).Exists()
	}

	res := gjson.GetBytes(doc, f.Field)
	if !res.Exists() {
		return false
	}
	switch f.Op {
	case "eq":
		return looseEqual(res, f.Value)
	case "ne":
		return !looseEqual(res, f.Value)
	case "in":
		for _, v := range f.Values {
			if looseEqual(res, v) {
				return true
			}
		}
		return false
	case "not_in":
		for _, v := range f.Values {
			if looseEqual(res, v) {
				return false
			}
		}
		return true
	case "gt", "ge", "lt", "le":
		return compare(res, f.Value, f.Op)
	}
	return false
}

func looseEqual(res gjson.Result, want any) bool {
	switch w := want.(type) {
	case nil:
		return res.Type == gjson.Null
	case bool:
		return res.IsBool() && res.Bool() == w
	case string:
		return res.Type == gjson.String && res.Str == w
	case float64:
		return res.Type == gjson.Number && res.Num == w
	case int:
		return res.Type == gjson.Number && res.Num == float64(w)
	case int64:
		return res.Type == gjson.Number && res.Num == float64(w)
	default:
		// structured values compare by canonical JSON
		b, err := json.Marshal(want)
		if err != nil {
			return false
		}
		return res.Raw == string(b)
	}
}

func compare(res gjson.Result, want any, op string) bool {
	// numeric comparison when both sides are numbers, else lexical on strings
	switch w := want.(type) {
	case float64, int, int64:
		if res.Type != gjson.Number {
			return false
		}
		var n float64
		switch v := w.(type) {
		case float64:
			n = v
		case int:
			n = float64(v)
		case int64:
			n = float64(v)
		}
		return cmpOrd(res.Num, n, op)
	case string:
		if res.Type != gjson.String {
			return false
		}
		return cmpOrd(strings.Compare(res.Str, w), 0, op)
	}
	return false
}

func cmpOrd[T float64 | int](a, b T, op string) bool {
	switch op {
	case "gt":
		return a > b
	case "ge":
		return a >= b
	case "lt":
		return a < b
	case "le":
		return a <= b
	}
	return false
}
