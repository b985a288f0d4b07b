// Package targeting models the flagd-style targeting document shared with the
// flag-evaluation engine: a schema marker plus a map of flag definitions, each
// optionally carrying a targeting rule.
//
// Only one rule shape is understood here, the allow-list membership test
//
//	{"if": [{"in": [<keyRef>, [<userId>, ...]]}, <then>, <else>]}
//
// Any other rule shape round-trips through load and store untouched.
package targeting

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrMalformedRule is returned when a rule does not have the recognised
// allow-list shape.
var ErrMalformedRule = errors.New("targeting rule is not an allow-list expression")

// Document is the persisted root of the targeting file.
type Document struct {
	Schema string          `json:"$schema,omitempty"`
	Flags  map[string]Flag `json:"flags"`
}

// Flag is a single feature-flag definition. Variants are opaque to this
// service; only the targeting rule is ever mutated.
type Flag struct {
	State          string         `json:"state"`
	Variants       map[string]any `json:"variants"`
	DefaultVariant string         `json:"defaultVariant"`
	Targeting      *Rule          `json:"targeting,omitempty"`
}

// Rule holds one flag's targeting expression. The raw JSON is kept verbatim
// so rule shapes this service does not understand survive a round trip
// byte-for-byte.
type Rule struct {
	raw json.RawMessage
}

// NewRule builds a Rule from raw JSON. Intended for tests and construction;
// documents loaded from disk go through UnmarshalJSON.
func NewRule(raw json.RawMessage) *Rule {
	return &Rule{raw: append(json.RawMessage(nil), raw...)}
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	r.raw = append(r.raw[:0], data...)
	return nil
}

func (r Rule) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return []byte("null"), nil
	}
	return r.raw, nil
}

// Raw returns the rule's JSON encoding as stored.
func (r *Rule) Raw() json.RawMessage {
	return r.raw
}

// allowList is the decoded form of the recognised rule shape. Every layer
// keeps its siblings as raw JSON so reassembly only rewrites in[1].
type allowList struct {
	root   map[string]json.RawMessage
	ifArgs []json.RawMessage
	cond   map[string]json.RawMessage
	inArgs []json.RawMessage
	ids    []string
}

func (r *Rule) decodeAllowList() (*allowList, error) {
	if len(r.raw) == 0 {
		return nil, fmt.Errorf("%w: empty rule", ErrMalformedRule)
	}

	al := &allowList{}
	if err := json.Unmarshal(r.raw, &al.root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}

	ifRaw, ok := al.root["if"]
	if !ok {
		return nil, fmt.Errorf("%w: missing 'if'", ErrMalformedRule)
	}
	if err := json.Unmarshal(ifRaw, &al.ifArgs); err != nil || len(al.ifArgs) < 2 {
		return nil, fmt.Errorf("%w: 'if' is not an argument list", ErrMalformedRule)
	}

	if err := json.Unmarshal(al.ifArgs[0], &al.cond); err != nil {
		return nil, fmt.Errorf("%w: condition is not an object", ErrMalformedRule)
	}
	inRaw, ok := al.cond["in"]
	if !ok {
		return nil, fmt.Errorf("%w: missing 'in'", ErrMalformedRule)
	}
	if err := json.Unmarshal(inRaw, &al.inArgs); err != nil || len(al.inArgs) < 2 {
		return nil, fmt.Errorf("%w: 'in' is not an argument list", ErrMalformedRule)
	}

	if err := json.Unmarshal(al.inArgs[1], &al.ids); err != nil {
		return nil, fmt.Errorf("%w: allow-list is not a string array", ErrMalformedRule)
	}
	if al.ids == nil {
		al.ids = []string{}
	}

	return al, nil
}

func (al *allowList) encode(ids []string) (json.RawMessage, error) {
	idsRaw, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	al.inArgs[1] = idsRaw

	inRaw, err := json.Marshal(al.inArgs)
	if err != nil {
		return nil, err
	}
	al.cond["in"] = inRaw

	condRaw, err := json.Marshal(al.cond)
	if err != nil {
		return nil, err
	}
	al.ifArgs[0] = condRaw

	ifRaw, err := json.Marshal(al.ifArgs)
	if err != nil {
		return nil, err
	}
	al.root["if"] = ifRaw

	return json.Marshal(al.root)
}

// UserIDs returns the allow-list. ErrMalformedRule when the rule does not
// have the recognised shape.
func (r *Rule) UserIDs() ([]string, error) {
	al, err := r.decodeAllowList()
	if err != nil {
		return nil, err
	}
	return al.ids, nil
}

// Contains reports whether id is on the allow-list.
func (r *Rule) Contains(id string) (bool, error) {
	ids, err := r.UserIDs()
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, id), nil
}

// SetMembership adds or removes id and returns the resulting allow-list.
// Enabling is idempotent: an id already present is not appended again. New
// ids append at the end; the relative order of surviving entries is kept.
func (r *Rule) SetMembership(id string, enabled bool) ([]string, error) {
	al, err := r.decodeAllowList()
	if err != nil {
		return nil, err
	}

	ids := al.ids
	if enabled {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	} else {
		kept := make([]string, 0, len(ids))
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		ids = kept
	}

	raw, err := al.encode(ids)
	if err != nil {
		return nil, fmt.Errorf("encode targeting rule: %w", err)
	}
	r.raw = raw

	return ids, nil
}
