// Package predicate provides the where-filters of sync rules: small sealed
// predicate trees evaluated over the merged bindings of one combination.
//
// Every predicate implements ir.Filter, so a tree can be placed directly in
// ir.SyncRule.Where.
package predicate

import "github.com/roach88/cascade/internal/ir"

// Predicate is a filter condition over bindings.
//
// This is a sealed interface - only types in this package implement it, so
// Eval and Validate can switch exhaustively.
type Predicate interface {
	ir.Filter
	predicateNode()
}

// Eq holds when the value at Path equals Value.
//
//	Eq{Path: "status", Value: ir.IRString("active")}
//
// A missing path never equals anything.
type Eq struct {
	Path  string
	Value ir.IRValue
}

// SameAs holds when two bound paths carry equal values. It joins facts of
// different patterns, e.g. an order's user_id with a user's id.
//
//	SameAs{Path: "order.user_id", Other: "user.id"}
type SameAs struct {
	Path  string
	Other string
}

// Op is a comparison operator of Cmp.
type Op string

const (
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
	OpNe Op = "!="
)

// Cmp compares the value at Path with Value.
//
// Ordering operators apply to two ints or two strings; any other pairing is
// an evaluation error. OpNe is structural inequality and accepts any kinds.
// A missing path makes Cmp false.
type Cmp struct {
	Path  string
	Op    Op
	Value ir.IRValue
}

// Exists holds when Path resolves to a value (null included).
type Exists struct {
	Path string
}

// And holds when every predicate holds. Empty And is true.
type And struct {
	Predicates []Predicate
}

// Or holds when at least one predicate holds. Empty Or is false.
type Or struct {
	Predicates []Predicate
}

// Not negates a predicate.
type Not struct {
	Predicate Predicate
}

// Func wraps Go code as a predicate. Name is used in logs and JSON output.
type Func struct {
	Name string
	Fn   func(bindings ir.IRObject) (bool, error)
}

func (Eq) predicateNode()     {}
func (SameAs) predicateNode() {}
func (Cmp) predicateNode()    {}
func (Exists) predicateNode() {}
func (And) predicateNode()    {}
func (Or) predicateNode()     {}
func (Not) predicateNode()    {}
func (Func) predicateNode()   {}
