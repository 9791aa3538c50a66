package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/predicate"
)

// validateRule checks a rule against the registry and the generator table.
// Everything that could only fail at request time is checked here instead.
func (e *Engine) validateRule(rule ir.SyncRule) error {
	if rule.Name == "" {
		return ruleError(ErrCodeMalformedRule, "", "rule name is empty")
	}
	if len(rule.When) == 0 {
		return ruleError(ErrCodeMalformedRule, rule.Name, "rule needs at least one when-pattern")
	}
	if len(rule.Then) == 0 {
		return ruleError(ErrCodeMalformedRule, rule.Name, "rule needs at least one then-invocation")
	}

	for i, p := range rule.When {
		loc := fmt.Sprintf("when[%d]", i)
		if err := e.checkTarget(rule.Name, loc, p.Concept, p.Action); err != nil {
			return err
		}
		switch p.Case {
		case "", ir.StatusOK, ir.StatusError:
		default:
			return ruleError(ErrCodeMalformedRule, rule.Name, "%s: case must be ok or error, got %q", loc, p.Case)
		}
		if err := checkConstraints(p.Input); err != nil {
			return ruleError(ErrCodeMalformedRule, rule.Name, "%s.input: %v", loc, err)
		}
		if err := checkConstraints(p.Output); err != nil {
			return ruleError(ErrCodeMalformedRule, rule.Name, "%s.output: %v", loc, err)
		}
	}

	if pred, ok := rule.Where.(predicate.Predicate); ok {
		if err := predicate.Validate(pred); err != nil {
			return &EngineError{Code: ErrCodeInvalidFilter, Rule: rule.Name, Message: err.Error(), Cause: err}
		}
	}

	for i, inv := range rule.Then {
		loc := fmt.Sprintf("then[%d]", i)
		if err := e.checkTarget(rule.Name, loc, inv.Concept, inv.Action); err != nil {
			return err
		}
		err := ir.WalkTerms(inv.Args, func(arg string, t ir.Term) error {
			return e.checkTerm(rule.Name, loc+".args."+arg, t)
		})
		if err != nil {
			if ee := (*EngineError)(nil); errors.As(err, &ee) {
				return ee
			}
			return ruleError(ErrCodeMalformedRule, rule.Name, "%s: %v", loc, err)
		}
	}
	return nil
}

func (e *Engine) checkTarget(rule, loc, conceptName, action string) error {
	if conceptName == "" || action == "" {
		return ruleError(ErrCodeMalformedRule, rule, "%s: concept and action are required", loc)
	}
	err := e.registry.CheckAction(conceptName, action)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, concept.ErrUnknownConcept):
		return &EngineError{Code: ErrCodeUnknownConcept, Rule: rule, Message: fmt.Sprintf("%s: %v", loc, err), Cause: err}
	case errors.Is(err, concept.ErrUnknownAction):
		return &EngineError{Code: ErrCodeUnknownAction, Rule: rule, Message: fmt.Sprintf("%s: %v", loc, err), Cause: err}
	default:
		return &EngineError{Code: ErrCodeMalformedRule, Rule: rule, Message: fmt.Sprintf("%s: %v", loc, err), Cause: err}
	}
}

func (e *Engine) checkTerm(rule, loc string, t ir.Term) error {
	switch term := t.(type) {
	case ir.Lit:
		if term.Value == nil {
			return ruleError(ErrCodeMalformedRule, rule, "%s: literal has no value", loc)
		}
	case ir.Var:
		if err := ir.ValidatePath(term.Path); err != nil {
			return ruleError(ErrCodeMalformedRule, rule, "%s: %v", loc, err)
		}
	case ir.Gen:
		if _, ok := e.generators[term.Name]; !ok {
			return ruleError(ErrCodeUnknownGenerator, rule, "%s: no generator named %q", loc, term.Name)
		}
	default:
		return ruleError(ErrCodeMalformedRule, rule, "%s: unsupported term %T", loc, t)
	}
	return nil
}

func checkConstraints(obj ir.IRObject) error {
	for _, k := range obj.SortedKeys() {
		if obj[k] == nil {
			return fmt.Errorf("field %q has no value", k)
		}
	}
	return nil
}
