package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/roach88/cascade/internal/compiler"
	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/demo"
	"github.com/roach88/cascade/internal/engine"
	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/store"
	"github.com/roach88/cascade/internal/testutil"
)

// Harness holds the state of one scenario run.
type Harness struct {
	engine   *engine.Engine
	store    *store.Store
	flowID   string
	scripted map[string]*ScriptedConcept
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh engine journaled to an in-memory
// database, with a step clock and sequential uuids, so two runs of the same
// scenario produce the same trace.
//
// Execution flow:
// 1. Register demo and scripted concepts
// 2. Compile and register the rules
// 3. Invoke every flow step and check its expect clause
// 4. Evaluate assertions against the flow's records
//
// An error is returned when the scenario cannot be set up. Failed
// expectations and assertions are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := setup(scenario, st)
	if err != nil {
		return nil, err
	}

	result := NewResult(h.flowID)
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	for _, rec := range h.engine.Records(h.flowID) {
		result.Trace = append(result.Trace, traceEvent(rec))
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Store:    st,
		FlowID:   h.flowID,
		Scripted: h.scripted,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func setup(scenario *Scenario, st *store.Store) (*Harness, error) {
	registry := concept.NewRegistry()
	var rules []ir.SyncRule

	if scenario.Demo {
		if _, err := demo.Register(registry); err != nil {
			return nil, err
		}
		demoRules, err := demo.Rules()
		if err != nil {
			return nil, fmt.Errorf("compile demo rules: %w", err)
		}
		rules = append(rules, demoRules...)
	}

	scripted := make(map[string]*ScriptedConcept, len(scenario.Concepts))
	names := make([]string, 0, len(scenario.Concepts))
	for name := range scenario.Concepts {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		c, err := NewScriptedConcept(name, scenario.Concepts[name])
		if err != nil {
			return nil, err
		}
		if err := registry.Register(name, c); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		scripted[name] = c
	}

	extra, err := scenarioRules(scenario)
	if err != nil {
		return nil, err
	}
	rules = append(rules, extra...)

	flowID := scenario.FlowID
	if flowID == "" {
		flowID = testutil.DefaultFlowID
	}

	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	uuids := &testutil.SequentialUUIDs{}
	opts := []engine.Option{
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), // Suppress logs in tests
		engine.WithNow(clock.Now),
		engine.WithGenerator(engine.GenUUID, uuids.Next),
		engine.WithFlowIDs(testutil.NewFixedFlowGenerator(flowID)),
		engine.WithJournal(st),
	}
	if scenario.Fixpoint > 0 {
		opts = append(opts, engine.WithFixpoint(scenario.Fixpoint))
	}
	if scenario.MaxSteps > 0 {
		opts = append(opts, engine.WithMaxSteps(scenario.MaxSteps))
	}

	eng := engine.New(registry, opts...)
	if err := eng.RegisterAll(rules); err != nil {
		return nil, fmt.Errorf("register rules: %w", err)
	}

	return &Harness{
		engine:   eng,
		store:    st,
		flowID:   flowID,
		scripted: scripted,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// scenarioRules compiles the rules file or inline rulebook.
func scenarioRules(scenario *Scenario) ([]ir.SyncRule, error) {
	switch {
	case scenario.Rules != "":
		src, err := os.ReadFile(scenario.Rules)
		if err != nil {
			return nil, fmt.Errorf("read rules: %w", err)
		}
		return compiler.CompileSource(scenario.Rules, src)
	case scenario.Rulebook != "":
		return compiler.CompileSource(scenario.Name+".cue", []byte(scenario.Rulebook))
	default:
		return nil, nil
	}
}

// executeFlow invokes every step in the scenario flow and validates its
// expect clause.
//
// A concept failure is an outcome like any other: it is compared with the
// expect clause and never aborts the flow. Engine errors such as an unknown
// action or an exhausted step quota are reported as failures of the step.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		conceptName, action, err := splitAction(step.Invoke)
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
		args, err := ir.ObjectFromAny(step.Args)
		if err != nil {
			return fmt.Errorf("flow step %d: failed to convert args: %w", i, err)
		}

		out, err := h.engine.Invoke(ctx, conceptName, action, args, h.flowID)
		if err != nil && !engine.IsActionError(err) {
			result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, step.Invoke, err))
			continue
		}
		if out.Skipped {
			result.AddError(fmt.Sprintf("flow[%d] %s: invocation skipped by loop guard", i, step.Invoke))
			continue
		}

		status := ir.StatusOK
		if err != nil {
			status = ir.StatusError
		}
		if step.Expect != nil {
			if msg := checkExpect(step.Expect, status, out.Output); msg != "" {
				result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Invoke, msg))
			}
		}

		h.logger.Info("flow step completed",
			"step", i,
			"action", step.Invoke,
			"record_id", out.RecordID,
			"status", status,
		)
	}
	return nil
}

// checkExpect compares an outcome with an expect clause and returns a
// failure message, or "" when it holds.
func checkExpect(expect *ExpectClause, status ir.Status, output ir.IRObject) string {
	if ir.Status(expect.Case) != status {
		return fmt.Sprintf("expected case %s, got %s (output %s)", expect.Case, status, canonicalString(output))
	}
	want, err := ir.ObjectFromAny(expect.Output)
	if err != nil {
		return fmt.Sprintf("invalid expected output: %v", err)
	}
	if !matchSubset(output, want) {
		return fmt.Sprintf("expected output %s, got %s", canonicalString(want), canonicalString(output))
	}
	return ""
}

// matchSubset reports whether every field of want equals the same field of
// got. Nested objects must match whole.
func matchSubset(got, want ir.IRObject) bool {
	for k, v := range want {
		actual, ok := got[k]
		if !ok || !ir.Equal(actual, v) {
			return false
		}
	}
	return true
}

func canonicalString(obj ir.IRObject) string {
	data, err := ir.MarshalCanonical(nonNil(obj))
	if err != nil {
		return fmt.Sprintf("%v", obj)
	}
	return string(data)
}
