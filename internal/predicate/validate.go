package predicate

import (
	"errors"
	"fmt"

	"github.com/roach88/cascade/internal/ir"
)

// Validate checks the structure of a predicate tree and returns every
// problem found, joined. A nil predicate is valid (no filter).
func Validate(p Predicate) error {
	v := &validator{}
	if p != nil {
		v.visit("where", p)
	}
	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) addf(loc, format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf("%s: %s", loc, fmt.Sprintf(format, args...)))
}

func (v *validator) path(loc, path string) {
	if err := ir.ValidatePath(path); err != nil {
		v.addf(loc, "%v", err)
	}
}

func (v *validator) visit(loc string, p Predicate) {
	switch n := p.(type) {
	case Eq:
		v.path(loc, n.Path)
		if n.Value == nil {
			v.addf(loc, "eq needs a value")
		}
	case SameAs:
		v.path(loc, n.Path)
		v.path(loc, n.Other)
	case Cmp:
		v.path(loc, n.Path)
		switch n.Op {
		case OpLt, OpLe, OpGt, OpGe:
			switch n.Value.(type) {
			case ir.IRInt, ir.IRString:
			default:
				v.addf(loc, "operator %s needs an int or string value, got %s", n.Op, ir.Kind(n.Value))
			}
		case OpNe:
			if n.Value == nil {
				v.addf(loc, "operator != needs a value")
			}
		default:
			v.addf(loc, "unknown operator %q", n.Op)
		}
	case Exists:
		v.path(loc, n.Path)
	case And:
		for i, sub := range n.Predicates {
			v.child(fmt.Sprintf("%s.and[%d]", loc, i), sub)
		}
	case Or:
		if len(n.Predicates) == 0 {
			v.addf(loc, "or needs at least one predicate")
		}
		for i, sub := range n.Predicates {
			v.child(fmt.Sprintf("%s.or[%d]", loc, i), sub)
		}
	case Not:
		v.child(loc+".not", n.Predicate)
	case Func:
		if n.Fn == nil {
			v.addf(loc, "func %q has no body", n.Name)
		}
	default:
		v.addf(loc, "unsupported predicate %T", p)
	}
}

func (v *validator) child(loc string, p Predicate) {
	if p == nil {
		v.addf(loc, "missing predicate")
		return
	}
	v.visit(loc, p)
}
