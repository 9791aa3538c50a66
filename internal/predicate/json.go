package predicate

import (
	"encoding/json"

	"github.com/roach88/cascade/internal/ir"
)

// The JSON forms mirror the rulebook syntax so compiled rules print the way
// they were written.

func (p Eq) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"eq": pathValue{p.Path, p.Value}})
}

func (p SameAs) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"same": map[string]string{"path": p.Path, "other": p.Other}})
}

func (p Cmp) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{opKeys[p.Op]: pathValue{p.Path, p.Value}})
}

func (p Exists) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"exists": p.Path})
}

func (p And) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]Predicate{"and": p.Predicates})
}

func (p Or) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]Predicate{"or": p.Predicates})
}

func (p Not) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]Predicate{"not": p.Predicate})
}

func (p Func) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"func": p.Name})
}

// opKeys maps operators to their rulebook keys.
var opKeys = map[Op]string{
	OpLt: "lt",
	OpLe: "le",
	OpGt: "gt",
	OpGe: "ge",
	OpNe: "ne",
}

// OpForKey returns the operator written as key in a rulebook.
func OpForKey(key string) (Op, bool) {
	for op, k := range opKeys {
		if k == key {
			return op, true
		}
	}
	return "", false
}

type pathValue struct {
	Path  string
	Value ir.IRValue
}

func (pv pathValue) MarshalJSON() ([]byte, error) {
	v := ir.IRValue(ir.IRNull{})
	if pv.Value != nil {
		v = pv.Value
	}
	return json.Marshal(struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}{pv.Path, ir.ToAny(v)})
}
