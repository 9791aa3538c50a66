package compiler

import (
	"fmt"
	"regexp"

	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/predicate"
)

// Validation error codes (E100-E199)
const (
	ErrDuplicateName     = "E105" // duplicate rule name
	ErrInvalidActionRef  = "E110" // concept or action name malformed
	ErrInvalidCase       = "E111" // case is not ok/error
	ErrInvalidWhere      = "E112" // where predicate malformed
	ErrInvalidThen       = "E113" // then template malformed
	ErrMissingSyncClause = "E115" // missing when or then
)

// ValidationError represents a rulebook lint finding.
type ValidationError struct {
	Rule    string `json:"rule"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Rule, e.Field, e.Message)
}

// Concept names are capitalized, action names are not.
var (
	conceptNamePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
	actionNamePattern  = regexp.MustCompile(`^[a-z][A-Za-z0-9_]*$`)
)

// Validate lints compiled rules and returns every problem found, in rule
// order. It needs no registry: checks against live concepts happen when
// the engine registers the rules.
func Validate(rules []ir.SyncRule) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)

	for _, rule := range rules {
		add := func(field, code, format string, args ...any) {
			errs = append(errs, ValidationError{
				Rule:    rule.Name,
				Field:   field,
				Message: fmt.Sprintf(format, args...),
				Code:    code,
			})
		}

		if seen[rule.Name] {
			add("name", ErrDuplicateName, "duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = true

		if len(rule.When) == 0 {
			add("when", ErrMissingSyncClause, "at least one when-pattern is required")
		}
		if len(rule.Then) == 0 {
			add("then", ErrMissingSyncClause, "at least one then-invocation is required")
		}

		for i, p := range rule.When {
			loc := fmt.Sprintf("when[%d]", i)
			checkRef(loc, p.Concept, p.Action, add)
			switch p.Case {
			case "", ir.StatusOK, ir.StatusError:
			default:
				add(loc+".case", ErrInvalidCase, "case must be ok or error, got %q", p.Case)
			}
		}

		if pred, ok := rule.Where.(predicate.Predicate); ok {
			if err := predicate.Validate(pred); err != nil {
				add("where", ErrInvalidWhere, "%v", err)
			}
		}

		for i, inv := range rule.Then {
			loc := fmt.Sprintf("then[%d]", i)
			checkRef(loc, inv.Concept, inv.Action, add)
			err := ir.WalkTerms(inv.Args, func(arg string, t ir.Term) error {
				if v, ok := t.(ir.Var); ok {
					if err := ir.ValidatePath(v.Path); err != nil {
						add(loc+".args."+arg, ErrInvalidThen, "%v", err)
					}
				}
				return nil
			})
			if err != nil {
				add(loc+".args", ErrInvalidThen, "%v", err)
			}
		}
	}
	return errs
}

func checkRef(loc, conceptName, action string, add func(field, code, format string, args ...any)) {
	if !conceptNamePattern.MatchString(conceptName) {
		add(loc+".concept", ErrInvalidActionRef, "invalid concept name %q, expected a capitalized identifier", conceptName)
	}
	if !actionNamePattern.MatchString(action) {
		add(loc+".action", ErrInvalidActionRef, "invalid action name %q, expected a lowercase identifier", action)
	}
}
