package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/predicate"
)

// CompileWhere compiles a standalone predicate written in rulebook syntax,
// such as `{gt: {path: "balance", value: 10}}`.
func CompileWhere(src string) (predicate.Predicate, error) {
	v := cuecontext.New().CompileString(src, cue.Filename("where"))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return parseWhere("where", v)
}

// parseWhere reads one predicate node. Every node is a struct with exactly
// one operator key:
//
//	{eq: {path: "status", value: "active"}}
//	{lt: {path: "balance", value: 100}}          also ne, le, gt, ge
//	{same: {path: "order.user", other: "user.id"}}
//	{exists: "body.author"}
//	{and: [...]} {or: [...]} {not: {...}}
func parseWhere(field string, v cue.Value) (predicate.Predicate, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, errorf(field, v.Pos(), "predicate must be an object")
	}

	var (
		key   string
		inner cue.Value
		n     int
	)
	for iter.Next() {
		key, inner = iter.Label(), iter.Value()
		n++
	}
	if n != 1 {
		return nil, errorf(field, v.Pos(), "predicate must have exactly one operator, found %d", n)
	}
	loc := field + "." + key

	if op, ok := predicate.OpForKey(key); ok {
		path, val, err := pathAndValue(loc, inner)
		if err != nil {
			return nil, err
		}
		return predicate.Cmp{Path: path, Op: op, Value: val}, nil
	}

	switch key {
	case "eq":
		path, val, err := pathAndValue(loc, inner)
		if err != nil {
			return nil, err
		}
		return predicate.Eq{Path: path, Value: val}, nil
	case "same":
		path, err := stringField(loc, inner, "path")
		if err != nil {
			return nil, err
		}
		other, err := stringField(loc, inner, "other")
		if err != nil {
			return nil, err
		}
		return predicate.SameAs{Path: path, Other: other}, nil
	case "exists":
		path, err := inner.String()
		if err != nil {
			return nil, errorf(loc, inner.Pos(), "exists takes a path string")
		}
		return predicate.Exists{Path: path}, nil
	case "and", "or":
		subs, err := parseWhereList(loc, inner)
		if err != nil {
			return nil, err
		}
		if key == "and" {
			return predicate.And{Predicates: subs}, nil
		}
		return predicate.Or{Predicates: subs}, nil
	case "not":
		sub, err := parseWhere(loc, inner)
		if err != nil {
			return nil, err
		}
		return predicate.Not{Predicate: sub}, nil
	default:
		return nil, errorf(field, v.Pos(), "unknown predicate operator %q", key)
	}
}

func parseWhereList(field string, v cue.Value) ([]predicate.Predicate, error) {
	iter, err := v.List()
	if err != nil {
		return nil, errorf(field, v.Pos(), "expected a list of predicates")
	}
	var subs []predicate.Predicate
	for i := 0; iter.Next(); i++ {
		sub, err := parseWhere(fmt.Sprintf("%s[%d]", field, i), iter.Value())
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func pathAndValue(field string, v cue.Value) (string, ir.IRValue, error) {
	path, err := stringField(field, v, "path")
	if err != nil {
		return "", nil, err
	}
	valV := v.LookupPath(cue.ParsePath("value"))
	if !valV.Exists() {
		return "", nil, errorf(field+".value", v.Pos(), "value is required")
	}
	val, err := toIR(field+".value", valV)
	if err != nil {
		return "", nil, err
	}
	return path, val, nil
}

func stringField(field string, v cue.Value, name string) (string, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return "", errorf(field+"."+name, v.Pos(), "%s is required", name)
	}
	s, err := f.String()
	if err != nil {
		return "", errorf(field+"."+name, f.Pos(), "%s must be a string", name)
	}
	return s, nil
}
