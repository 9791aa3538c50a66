package compiler

import (
	"cuelang.org/go/cue"

	"github.com/roach88/cascade/internal/ir"
)

// Term tags. A struct with exactly one of these labels is a tagged term;
// any other value is a literal.
const (
	tagVar    = "var"
	tagGen    = "gen"
	tagObject = "object"
	tagLit    = "lit"
)

// toIR converts a concrete CUE value to an IR value. Floats are rejected.
func toIR(field string, v cue.Value) (ir.IRValue, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if !v.IsConcrete() {
		return nil, errorf(field, v.Pos(), "value must be concrete")
	}

	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, errorf(field, v.Pos(), "integer out of range: %v", err)
		}
		return ir.IRInt(n), nil
	case cue.FloatKind, cue.NumberKind:
		return nil, errorf(field, v.Pos(), "floats are not supported, use an integer")
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.IRArray{}
		for iter.Next() {
			elem, err := toIR(field, iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		return toObject(field, v)
	default:
		return nil, errorf(field, v.Pos(), "unsupported value kind %s", v.Kind())
	}
}

func toObject(field string, v cue.Value) (ir.IRObject, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, errorf(field, v.Pos(), "expected an object")
	}
	obj := ir.IRObject{}
	for iter.Next() {
		name := iter.Label()
		val, err := toIR(field+"."+name, iter.Value())
		if err != nil {
			return nil, err
		}
		obj[name] = val
	}
	return obj, nil
}

// parseArgs reads the args struct of a then-invocation.
func parseArgs(field string, v cue.Value) (map[string]ir.Term, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, errorf(field, v.Pos(), "args must be an object")
	}
	args := make(map[string]ir.Term)
	for iter.Next() {
		name := iter.Label()
		t, err := parseTerm(field+"."+name, iter.Value())
		if err != nil {
			return nil, err
		}
		args[name] = t
	}
	return args, nil
}

// parseTerm reads one template value.
//
//	{var: "body.author"}   reference to a bound variable
//	{gen: "uuid"}          generator, evaluated once per firing
//	{object: {...}}        nested template
//	{lit: <any>}           literal, even if it looks like a tag
//	anything else          literal
func parseTerm(field string, v cue.Value) (ir.Term, error) {
	tag, inner, ok, err := tagged(field, v)
	if err != nil {
		return nil, err
	}
	if !ok {
		val, err := toIR(field, v)
		if err != nil {
			return nil, err
		}
		return ir.L(val), nil
	}

	switch tag {
	case tagVar:
		path, err := inner.String()
		if err != nil {
			return nil, errorf(field, inner.Pos(), "var must be a dotted path string")
		}
		if err := ir.ValidatePath(path); err != nil {
			return nil, errorf(field, inner.Pos(), "%v", err)
		}
		return ir.V(path), nil
	case tagGen:
		name, err := inner.String()
		if err != nil || name == "" {
			return nil, errorf(field, inner.Pos(), "gen must be a generator name")
		}
		return ir.G(name), nil
	case tagObject:
		args, err := parseArgs(field, inner)
		if err != nil {
			return nil, err
		}
		return ir.ObjectTerm(args), nil
	default:
		val, err := toIR(field, inner)
		if err != nil {
			return nil, err
		}
		return ir.L(val), nil
	}
}

// tagged reports whether v is a struct carrying a term tag. A tag label next
// to other fields is an error: the author meant a tag but wrote more.
func tagged(field string, v cue.Value) (string, cue.Value, bool, error) {
	if v.IncompleteKind() != cue.StructKind {
		return "", cue.Value{}, false, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return "", cue.Value{}, false, formatCUEError(err)
	}

	var (
		labels []string
		tag    string
		inner  cue.Value
	)
	for iter.Next() {
		label := iter.Label()
		labels = append(labels, label)
		switch label {
		case tagVar, tagGen, tagObject, tagLit:
			tag, inner = label, iter.Value()
		}
	}
	if tag == "" {
		return "", cue.Value{}, false, nil
	}
	if len(labels) != 1 {
		return "", cue.Value{}, false, errorf(field, v.Pos(),
			"tagged term %q must be the only field, found %v", tag, labels)
	}
	return tag, inner, true, nil
}
