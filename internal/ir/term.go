package ir

import (
	"encoding/json"
	"fmt"
)

// Term is one value of an invocation template. It is a sealed variant fixed
// when the rule is built: a Lit passes through unchanged, a Var is replaced
// by a bound value, a Gen is evaluated once per fired combination, and an
// ObjectTerm is a nested template.
//
// Strings are never inspected for sigils; "{var}" in a Lit is just text.
type Term interface {
	term()
}

// Lit is a literal template value.
type Lit struct {
	Value IRValue
}

// Var references a bound variable by dotted path ("id", "body.author").
type Var struct {
	Path string
}

// Gen names a zero-argument generator such as "uuid" or "now".
type Gen struct {
	Name string
}

// ObjectTerm is a nested template whose fields are themselves terms.
type ObjectTerm map[string]Term

func (Lit) term()        {}
func (Var) term()        {}
func (Gen) term()        {}
func (ObjectTerm) term() {}

// L builds a literal term.
func L(v IRValue) Lit { return Lit{Value: v} }

// V builds a variable reference term.
func V(path string) Var { return Var{Path: path} }

// G builds a generator term.
func G(name string) Gen { return Gen{Name: name} }

// MarshalJSON encodes the literal as {"lit": value}.
func (t Lit) MarshalJSON() ([]byte, error) {
	v, err := writeValue(t.Value, false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{"lit": v})
}

// MarshalJSON encodes the reference as {"var": path}.
func (t Var) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"var": t.Path})
}

// MarshalJSON encodes the generator as {"gen": name}.
func (t Gen) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"gen": t.Name})
}

// MarshalJSON encodes the nested template as {"object": {...}}.
func (t ObjectTerm) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]map[string]Term{"object": t})
}

// WalkTerms calls fn for every leaf term of args, depth first, with the
// dotted location of the term inside the template.
func WalkTerms(args map[string]Term, fn func(loc string, t Term) error) error {
	return walkTerms("", args, fn)
}

func walkTerms(prefix string, args map[string]Term, fn func(string, Term) error) error {
	for _, name := range sortedTermKeys(args) {
		loc := name
		if prefix != "" {
			loc = prefix + "." + name
		}
		switch t := args[name].(type) {
		case ObjectTerm:
			if err := walkTerms(loc, t, fn); err != nil {
				return err
			}
		case nil:
			return fmt.Errorf("%s: missing term", loc)
		default:
			if err := fn(loc, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedTermKeys(m map[string]Term) []string {
	obj := make(IRObject, len(m))
	for k := range m {
		obj[k] = IRNull{}
	}
	return obj.SortedKeys()
}
