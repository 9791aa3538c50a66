// Package compiler turns CUE rulebooks into sync rules.
//
// A rulebook is a CUE value with a top-level "sync" struct. Each field is
// one rule, named by its label, and rules keep their declaration order:
//
//	sync: "open-bonus": {
//		when: [{concept: "Account", action: "open", case: "ok"}]
//		where: {lt: {path: "balance", value: 100}}
//		then: [{concept: "Account", action: "credit", args: {id: {var: "id"}, amount: 10}}]
//	}
//
// The compiler checks shape only. Whether concepts, actions and generators
// exist is decided by the engine at registration.
package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/cascade/internal/ir"
)

var ruleFields = map[string]bool{"when": true, "where": true, "then": true}

// CompileSource compiles rulebook source text.
func CompileSource(filename string, src []byte) ([]ir.SyncRule, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileRulebook(v)
}

// CompileRulebook compiles every rule under the "sync" field of v, in
// declaration order. A rulebook without rules is not an error.
func CompileRulebook(v cue.Value) ([]ir.SyncRule, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	syncs := v.LookupPath(cue.ParsePath("sync"))
	if !syncs.Exists() {
		return nil, nil
	}

	iter, err := syncs.Fields()
	if err != nil {
		return nil, errorf("sync", syncs.Pos(), "sync must be a struct of rules")
	}
	var rules []ir.SyncRule
	for iter.Next() {
		rule, err := compileRule(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// CompileRule compiles one rule value. The rule is named after the last
// label of the value's path.
//
//	v := ctx.CompileString(src)
//	rule, err := CompileRule(v.LookupPath(cue.ParsePath(`sync."open-bonus"`)))
func CompileRule(v cue.Value) (ir.SyncRule, error) {
	if err := v.Err(); err != nil {
		return ir.SyncRule{}, formatCUEError(err)
	}
	var name string
	if sels := v.Path().Selectors(); len(sels) > 0 {
		name = strings.Trim(sels[len(sels)-1].String(), `"`)
	}
	return compileRule(name, v)
}

func compileRule(name string, v cue.Value) (ir.SyncRule, error) {
	rule := ir.SyncRule{Name: name}
	prefix := "sync." + name

	iter, err := v.Fields()
	if err != nil {
		return rule, errorf(prefix, v.Pos(), "rule must be a struct")
	}
	for iter.Next() {
		if !ruleFields[iter.Label()] {
			return rule, errorf(prefix+"."+iter.Label(), iter.Value().Pos(), "unknown rule field")
		}
	}

	rule.When, err = parseWhen(prefix, v)
	if err != nil {
		return rule, err
	}

	whereVal := v.LookupPath(cue.ParsePath("where"))
	if whereVal.Exists() {
		where, err := parseWhere(prefix+".where", whereVal)
		if err != nil {
			return rule, err
		}
		rule.Where = where
	}

	rule.Then, err = parseThen(prefix, v)
	if err != nil {
		return rule, err
	}
	return rule, nil
}

// parseWhen extracts the when-patterns of a rule.
func parseWhen(prefix string, v cue.Value) ([]ir.Pattern, error) {
	field := prefix + ".when"
	whenVal := v.LookupPath(cue.ParsePath("when"))
	if !whenVal.Exists() {
		return nil, errorf(field, v.Pos(), "when clause is required")
	}
	iter, err := whenVal.List()
	if err != nil {
		return nil, errorf(field, whenVal.Pos(), "when must be a list of patterns")
	}

	var patterns []ir.Pattern
	for i := 0; iter.Next(); i++ {
		p, err := parsePattern(fmt.Sprintf("%s[%d]", field, i), iter.Value())
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	if len(patterns) == 0 {
		return nil, errorf(field, whenVal.Pos(), "when needs at least one pattern")
	}
	return patterns, nil
}

func parsePattern(field string, v cue.Value) (ir.Pattern, error) {
	var (
		p   ir.Pattern
		err error
	)
	if p.Concept, p.Action, err = target(field, v); err != nil {
		return p, err
	}
	if p.Input, err = constraints(field+".input", v.LookupPath(cue.ParsePath("input"))); err != nil {
		return p, err
	}
	if p.Output, err = constraints(field+".output", v.LookupPath(cue.ParsePath("output"))); err != nil {
		return p, err
	}

	caseVal := v.LookupPath(cue.ParsePath("case"))
	if caseVal.Exists() {
		c, err := caseVal.String()
		if err != nil {
			return p, errorf(field+".case", caseVal.Pos(), "case must be a string")
		}
		switch ir.Status(c) {
		case ir.StatusOK, ir.StatusError:
			p.Case = ir.Status(c)
		default:
			return p, errorf(field+".case", caseVal.Pos(), "case must be \"ok\" or \"error\", got %q", c)
		}
	}
	return p, nil
}

// constraints reads an optional input/output constraint object. Values are
// always literals; a pattern has nothing to substitute.
func constraints(field string, v cue.Value) (ir.IRObject, error) {
	if !v.Exists() {
		return nil, nil
	}
	if v.IncompleteKind() != cue.StructKind {
		return nil, errorf(field, v.Pos(), "constraints must be an object")
	}
	return toObject(field, v)
}

// parseThen extracts the then-invocations of a rule.
func parseThen(prefix string, v cue.Value) ([]ir.Invocation, error) {
	field := prefix + ".then"
	thenVal := v.LookupPath(cue.ParsePath("then"))
	if !thenVal.Exists() {
		return nil, errorf(field, v.Pos(), "then clause is required")
	}
	iter, err := thenVal.List()
	if err != nil {
		return nil, errorf(field, thenVal.Pos(), "then must be a list of invocations")
	}

	var invocations []ir.Invocation
	for i := 0; iter.Next(); i++ {
		loc := fmt.Sprintf("%s[%d]", field, i)
		inv := ir.Invocation{}
		if inv.Concept, inv.Action, err = target(loc, iter.Value()); err != nil {
			return nil, err
		}
		argsVal := iter.Value().LookupPath(cue.ParsePath("args"))
		if argsVal.Exists() {
			if inv.Args, err = parseArgs(loc+".args", argsVal); err != nil {
				return nil, err
			}
		}
		invocations = append(invocations, inv)
	}
	if len(invocations) == 0 {
		return nil, errorf(field, thenVal.Pos(), "then needs at least one invocation")
	}
	return invocations, nil
}

// target reads the concept and action names of a pattern or invocation.
func target(field string, v cue.Value) (string, string, error) {
	concept, err := stringField(field, v, "concept")
	if err != nil {
		return "", "", err
	}
	action, err := stringField(field, v, "action")
	if err != nil {
		return "", "", err
	}
	return concept, action, nil
}
