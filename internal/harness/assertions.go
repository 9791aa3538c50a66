package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/querysql"
	"github.com/roach88/cascade/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", event.Seq, event.Action, canonicalString(event.Input), event.Status)
		}
	}
	return buf.String()
}

// AssertionContext carries what assertions beyond the trace need.
type AssertionContext struct {
	Ctx      context.Context
	Store    *store.Store
	FlowID   string
	Scripted map[string]*ScriptedConcept
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result.Trace, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertConsumedBy:
		return assertConsumedBy(trace, a)
	case AssertCalls:
		return assertCalls(actx, a)
	case AssertJournalMatch:
		return assertJournalMatch(actx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// matching returns the events of the assertion's action whose input contains
// the assertion's args and whose output contains its output fields.
func matching(trace []TraceEvent, a Assertion) ([]TraceEvent, error) {
	args, err := ir.ObjectFromAny(a.Args)
	if err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	output, err := ir.ObjectFromAny(a.Output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}

	var found []TraceEvent
	for _, event := range trace {
		if event.Action != a.Action {
			continue
		}
		if matchSubset(event.Input, args) && matchSubset(event.Output, output) {
			found = append(found, event)
		}
	}
	return found, nil
}

// assertTraceContains checks that the trace holds a record of the action
// whose input contains args (subset match).
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	found, err := matching(trace, a)
	if err != nil {
		return err
	}
	if len(found) > 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", a.Action, a.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first record of each action appears in
// the given order. Actions need not be consecutive.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if _, seen := positions[event.Action]; !seen {
			positions[event.Action] = i + 1 // 1-indexed for readability
		}
	}

	for _, action := range a.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", a.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Actions); i++ {
		prev, curr := a.Actions[i-1], a.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count records of the action match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	found, err := matching(trace, a)
	if err != nil {
		return err
	}
	if len(found) != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", len(found)),
			Trace:    trace,
		}
	}
	return nil
}

// assertConsumedBy checks that some matching record was consumed by every
// listed rule. With no rules it checks that a matching record was consumed
// by none.
func assertConsumedBy(trace []TraceEvent, a Assertion) error {
	found, err := matching(trace, a)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return &AssertionError{
			Type:     AssertConsumedBy,
			Expected: fmt.Sprintf("a record of %s", a.Action),
			Actual:   "not found in trace",
			Trace:    trace,
		}
	}

	for _, event := range found {
		if len(a.Rules) == 0 && len(event.ConsumedBy) == 0 {
			return nil
		}
		if len(a.Rules) > 0 && containsAll(event.ConsumedBy, a.Rules) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertConsumedBy,
		Expected: fmt.Sprintf("%s consumed by %v", a.Action, a.Rules),
		Actual:   fmt.Sprintf("consumed by %v", found[0].ConsumedBy),
		Trace:    trace,
	}
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// assertCalls checks how often a scripted concept executed an action.
// Unlike trace_count it sees only real executions, so it is unaffected by
// records that were never executed.
func assertCalls(actx *AssertionContext, a Assertion) error {
	conceptName, action, err := splitAction(a.Action)
	if err != nil {
		return err
	}
	c, ok := actx.Scripted[conceptName]
	if !ok {
		return fmt.Errorf("calls: %s is not a scripted concept", conceptName)
	}
	if got := c.Calls(action); got != a.Count {
		return &AssertionError{
			Type:     AssertCalls,
			Expected: fmt.Sprintf("%d calls of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d calls", got),
		}
	}
	return nil
}

// assertJournalMatch runs the assertion as a pattern query against the
// journal and checks that exactly Count records match.
func assertJournalMatch(actx *AssertionContext, a Assertion) error {
	conceptName, action, err := splitAction(a.Action)
	if err != nil {
		return err
	}
	input, err := ir.ObjectFromAny(a.Args)
	if err != nil {
		return fmt.Errorf("args: %w", err)
	}
	output, err := ir.ObjectFromAny(a.Output)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}

	records, err := actx.Store.Match(actx.Ctx, querysql.Query{
		FlowID: actx.FlowID,
		Pattern: ir.Pattern{
			Concept: conceptName,
			Action:  action,
			Input:   input,
			Output:  output,
			Case:    ir.Status(a.Case),
		},
	})
	if err != nil {
		return fmt.Errorf("journal_match: %w", err)
	}
	if len(records) != a.Count {
		return &AssertionError{
			Type:     AssertJournalMatch,
			Expected: fmt.Sprintf("%d journaled records of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d records", len(records)),
		}
	}
	return nil
}
