package engine

import (
	"fmt"

	"github.com/roach88/cascade/internal/ir"
)

// combination is one joint assignment of a rule: one record per pattern and
// the bindings merged from them.
type combination struct {
	records  []ir.ActionRecord
	bindings ir.IRObject
}

func (c combination) recordIDs() []string {
	ids := make([]string, len(c.records))
	for i, rec := range c.records {
		ids[i] = rec.ID
	}
	return ids
}

// candidates matches every pattern of rule. It returns nil when any pattern
// has no candidate, since all patterns are mandatory.
func (e *Engine) candidates(flowID string, rule ir.SyncRule) [][]ir.ActionRecord {
	perPattern := make([][]ir.ActionRecord, len(rule.When))
	for i, p := range rule.When {
		matched := e.match(flowID, p, rule.Name)
		if len(matched) == 0 {
			return nil
		}
		perPattern[i] = matched
	}
	return perPattern
}

// product computes the Cartesian product of the per-pattern candidates.
//
// Each record contributes its input and output fields (output wins within a
// record). Across patterns, maps are merged left to right and the LAST
// pattern wins a field-name collision.
func product(perPattern [][]ir.ActionRecord) []combination {
	combos := []combination{{bindings: ir.IRObject{}}}
	for _, recs := range perPattern {
		next := make([]combination, 0, len(combos)*len(recs))
		for _, base := range combos {
			for _, rec := range recs {
				records := make([]ir.ActionRecord, len(base.records), len(base.records)+1)
				copy(records, base.records)
				next = append(next, combination{
					records:  append(records, rec),
					bindings: base.bindings.Merge(rec.Bindings()),
				})
			}
		}
		combos = next
	}
	return combos
}

// filter keeps the combinations the rule's where filter accepts. A filter
// error rejects that combination only.
func (e *Engine) filter(rule ir.SyncRule, combos []combination) []combination {
	if rule.Where == nil {
		return combos
	}
	kept := combos[:0]
	for _, c := range combos {
		ok, err := rule.Where.Match(c.bindings)
		if err != nil {
			e.logger.Warn("where filter failed",
				"rule", rule.Name,
				"records", c.recordIDs(),
				"error", err,
			)
			continue
		}
		if ok {
			kept = append(kept, c)
		}
	}
	return kept
}

// substitution resolves invocation templates against one combination.
// Generators are evaluated lazily and at most once per name, so every Gen
// term of the same name within one combination sees the same value, and no
// value is shared with another combination.
type substitution struct {
	bindings   ir.IRObject
	generators map[string]Generator
	generated  map[string]ir.IRValue
}

func (e *Engine) newSubstitution(bindings ir.IRObject) *substitution {
	return &substitution{
		bindings:   bindings,
		generators: e.generators,
		generated:  make(map[string]ir.IRValue),
	}
}

// args builds the concrete input of one invocation.
func (s *substitution) args(args map[string]ir.Term) (ir.IRObject, error) {
	out := make(ir.IRObject, len(args))
	for name, t := range args {
		v, err := s.resolve(t)
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func (s *substitution) resolve(t ir.Term) (ir.IRValue, error) {
	switch term := t.(type) {
	case ir.Lit:
		return term.Value, nil
	case ir.Var:
		v, ok := ir.Lookup(s.bindings, term.Path)
		if !ok {
			return nil, fmt.Errorf("variable %q is not bound", term.Path)
		}
		return v, nil
	case ir.Gen:
		if v, ok := s.generated[term.Name]; ok {
			return v, nil
		}
		gen, ok := s.generators[term.Name]
		if !ok {
			return nil, fmt.Errorf("no generator named %q", term.Name)
		}
		v, err := gen()
		if err != nil {
			return nil, fmt.Errorf("generator %q: %w", term.Name, err)
		}
		s.generated[term.Name] = v
		return v, nil
	case ir.ObjectTerm:
		return s.args(term)
	default:
		return nil, fmt.Errorf("unsupported term %T", t)
	}
}
