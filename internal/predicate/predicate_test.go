package predicate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/ir"
)

var bindings = ir.IRObject{
	"id":      ir.IRString("a1"),
	"balance": ir.IRInt(50),
	"owner":   ir.IRObject{"id": ir.IRString("u1")},
	"user_id": ir.IRString("u1"),
	"note":    ir.IRNull{},
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"eq hit", Eq{Path: "id", Value: ir.IRString("a1")}, true},
		{"eq miss", Eq{Path: "id", Value: ir.IRString("a2")}, false},
		{"eq missing path", Eq{Path: "nope", Value: ir.IRString("a1")}, false},
		{"eq nested", Eq{Path: "owner.id", Value: ir.IRString("u1")}, true},
		{"same as", SameAs{Path: "owner.id", Other: "user_id"}, true},
		{"same as differs", SameAs{Path: "id", Other: "user_id"}, false},
		{"lt", Cmp{Path: "balance", Op: OpLt, Value: ir.IRInt(100)}, true},
		{"lt boundary", Cmp{Path: "balance", Op: OpLt, Value: ir.IRInt(50)}, false},
		{"le boundary", Cmp{Path: "balance", Op: OpLe, Value: ir.IRInt(50)}, true},
		{"gt", Cmp{Path: "balance", Op: OpGt, Value: ir.IRInt(10)}, true},
		{"ge", Cmp{Path: "balance", Op: OpGe, Value: ir.IRInt(51)}, false},
		{"strings order", Cmp{Path: "id", Op: OpLt, Value: ir.IRString("b")}, true},
		{"ne across kinds", Cmp{Path: "id", Op: OpNe, Value: ir.IRInt(1)}, true},
		{"cmp missing path", Cmp{Path: "nope", Op: OpLt, Value: ir.IRInt(1)}, false},
		{"exists", Exists{Path: "owner.id"}, true},
		{"exists null", Exists{Path: "note"}, true},
		{"exists missing", Exists{Path: "owner.name"}, false},
		{"and", And{Predicates: []Predicate{Exists{Path: "id"}, Cmp{Path: "balance", Op: OpLt, Value: ir.IRInt(100)}}}, true},
		{"and empty", And{}, true},
		{"or", Or{Predicates: []Predicate{Exists{Path: "x"}, Exists{Path: "id"}}}, true},
		{"or empty", Or{}, false},
		{"not", Not{Predicate: Exists{Path: "x"}}, true},
		{"func", Func{Name: "rich", Fn: func(b ir.IRObject) (bool, error) { return b["balance"] == ir.IRInt(50), nil }}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.Match(bindings)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCmpKindMismatchIsAnError(t *testing.T) {
	_, err := Cmp{Path: "balance", Op: OpLt, Value: ir.IRString("100")}.Match(bindings)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot compare int < string")
}

func TestErrorsPropagateThroughCombinators(t *testing.T) {
	boom := errors.New("boom")
	failing := Func{Name: "boom", Fn: func(ir.IRObject) (bool, error) { return false, boom }}

	_, err := And{Predicates: []Predicate{failing}}.Match(bindings)
	assert.ErrorIs(t, err, boom)
	_, err = Or{Predicates: []Predicate{failing}}.Match(bindings)
	assert.ErrorIs(t, err, boom)
	_, err = Not{Predicate: failing}.Match(bindings)
	assert.ErrorIs(t, err, boom)
}

func TestPredicatesAreFilters(t *testing.T) {
	var f ir.Filter = Eq{Path: "id", Value: ir.IRString("a1")}
	ok, err := f.Match(bindings)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate(And{Predicates: []Predicate{
		Cmp{Path: "balance", Op: OpLt, Value: ir.IRInt(100)},
		Not{Predicate: Exists{Path: "closed"}},
	}}))

	err := Validate(And{Predicates: []Predicate{
		Eq{Path: "", Value: ir.IRInt(1)},
		Cmp{Path: "balance", Op: "~", Value: ir.IRInt(1)},
		Cmp{Path: "balance", Op: OpLt, Value: ir.IRBool(true)},
		Or{},
		Not{},
		Func{Name: "empty"},
	}})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "where.and[0]: path is empty")
	assert.Contains(t, msg, `unknown operator "~"`)
	assert.Contains(t, msg, "needs an int or string value, got bool")
	assert.Contains(t, msg, "or needs at least one predicate")
	assert.Contains(t, msg, "where.and[4].not: missing predicate")
	assert.Contains(t, msg, `func "empty" has no body`)
}

func TestJSONMirrorsRulebookSyntax(t *testing.T) {
	p := And{Predicates: []Predicate{
		Cmp{Path: "balance", Op: OpLt, Value: ir.IRInt(100)},
		SameAs{Path: "a", Other: "b"},
		Not{Predicate: Exists{Path: "closed"}},
	}}

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"and":[
		{"lt":{"path":"balance","value":100}},
		{"same":{"path":"a","other":"b"}},
		{"not":{"exists":"closed"}}
	]}`, string(data))
}

func TestOpForKey(t *testing.T) {
	op, ok := OpForKey("ge")
	require.True(t, ok)
	assert.Equal(t, OpGe, op)

	_, ok = OpForKey("eq")
	assert.False(t, ok, "eq is its own predicate")
}
