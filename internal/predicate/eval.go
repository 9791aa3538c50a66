package predicate

import (
	"cmp"
	"fmt"

	"github.com/roach88/cascade/internal/ir"
)

// Match evaluates p against bindings.
func (p Eq) Match(b ir.IRObject) (bool, error) {
	v, ok := ir.Lookup(b, p.Path)
	return ok && ir.Equal(v, p.Value), nil
}

// Match evaluates p against bindings.
func (p SameAs) Match(b ir.IRObject) (bool, error) {
	left, ok := ir.Lookup(b, p.Path)
	if !ok {
		return false, nil
	}
	right, ok := ir.Lookup(b, p.Other)
	return ok && ir.Equal(left, right), nil
}

// Match evaluates p against bindings.
func (p Cmp) Match(b ir.IRObject) (bool, error) {
	v, ok := ir.Lookup(b, p.Path)
	if !ok {
		return false, nil
	}
	if p.Op == OpNe {
		return !ir.Equal(v, p.Value), nil
	}

	var c int
	switch left := v.(type) {
	case ir.IRInt:
		right, ok := p.Value.(ir.IRInt)
		if !ok {
			return false, kindMismatch(p, v)
		}
		c = cmp.Compare(left, right)
	case ir.IRString:
		right, ok := p.Value.(ir.IRString)
		if !ok {
			return false, kindMismatch(p, v)
		}
		c = cmp.Compare(left, right)
	default:
		return false, kindMismatch(p, v)
	}

	switch p.Op {
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGe:
		return c >= 0, nil
	default:
		return false, fmt.Errorf("unknown operator %q", p.Op)
	}
}

func kindMismatch(p Cmp, v ir.IRValue) error {
	return fmt.Errorf("cannot compare %s %s %s at %q", ir.Kind(v), p.Op, ir.Kind(p.Value), p.Path)
}

// Match evaluates p against bindings.
func (p Exists) Match(b ir.IRObject) (bool, error) {
	_, ok := ir.Lookup(b, p.Path)
	return ok, nil
}

// Match evaluates p against bindings. Evaluation stops at the first false.
func (p And) Match(b ir.IRObject) (bool, error) {
	for _, sub := range p.Predicates {
		ok, err := sub.Match(b)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Match evaluates p against bindings. Evaluation stops at the first true.
func (p Or) Match(b ir.IRObject) (bool, error) {
	for _, sub := range p.Predicates {
		ok, err := sub.Match(b)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Match evaluates p against bindings.
func (p Not) Match(b ir.IRObject) (bool, error) {
	ok, err := p.Predicate.Match(b)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Match evaluates p against bindings.
func (p Func) Match(b ir.IRObject) (bool, error) {
	return p.Fn(b)
}
