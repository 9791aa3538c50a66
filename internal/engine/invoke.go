package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/ir"
)

// Outcome is the result of one invocation.
//
// Skipped is true when the loop guard suppressed the invocation: the
// concept was not called, no record was appended and RecordID is empty.
type Outcome struct {
	RecordID string
	Output   ir.IRObject
	Skipped  bool
}

// cascade is the state of one outermost invocation and everything it
// triggers. It lives in the context of nested invocations.
type cascade struct {
	flowID string
	quota  *QuotaEnforcer
}

type cascadeKey struct{}

func cascadeFrom(ctx context.Context, flowID string) *cascade {
	c, _ := ctx.Value(cascadeKey{}).(*cascade)
	if c == nil || c.flowID != flowID {
		return nil
	}
	return c
}

// Invoke executes one action of a registered concept under flowID.
//
// The outermost invocation of a flow appends its record and then sweeps the
// registered rules, even when the concept failed, so rules can react to the
// failure. Invocations made with a context carrying the running cascade of
// the same flow are nested and never sweep.
//
// Errors:
//   - *EngineError: no flow id, or an unknown concept or action; nothing is
//     recorded
//   - *StepsExceededError: the cascade's step quota is used up
//   - *ActionError: the concept failed; the failed record stays in the log
func (e *Engine) Invoke(ctx context.Context, conceptName, action string, input ir.IRObject, flowID string) (Outcome, error) {
	if flowID == "" {
		return Outcome{}, &EngineError{Code: ErrCodeMissingFlow, Message: "invoke needs a flow id"}
	}
	target, err := e.resolve(conceptName, action)
	if err != nil {
		return Outcome{}, err
	}

	if c := cascadeFrom(ctx, flowID); c != nil {
		return e.execute(ctx, c, target, conceptName, action, input)
	}

	unlock := e.lockFlow(flowID)
	defer unlock()

	c := &cascade{flowID: flowID, quota: NewQuotaEnforcer(e.maxSteps)}
	defer e.guard.Clear(flowID)
	ctx = context.WithValue(ctx, cascadeKey{}, c)

	out, err := e.execute(ctx, c, target, conceptName, action, input)
	if out.RecordID != "" {
		e.sweep(ctx, c)
	}
	return out, err
}

func (e *Engine) resolve(conceptName, action string) (concept.Concept, error) {
	target, err := e.registry.Lookup(conceptName)
	if err != nil {
		return nil, &EngineError{Code: ErrCodeUnknownConcept, Message: err.Error(), Cause: err}
	}
	if err := e.registry.CheckAction(conceptName, action); err != nil {
		return nil, &EngineError{Code: ErrCodeUnknownAction, Message: err.Error(), Cause: err}
	}
	return target, nil
}

// execute runs one invocation inside cascade c: loop guard, quota, record,
// concept call, completion.
func (e *Engine) execute(ctx context.Context, c *cascade, target concept.Concept, conceptName, action string, input ir.IRObject) (Outcome, error) {
	sig, err := ir.Signature(conceptName, action, input)
	if err != nil {
		return Outcome{}, fmt.Errorf("invoke %s.%s: %w", conceptName, action, err)
	}
	if e.guard.Seen(c.flowID, sig) {
		e.logger.Debug("invocation skipped by loop guard",
			"flow_id", c.flowID,
			"concept", conceptName,
			"action", action,
		)
		return Outcome{Skipped: true}, nil
	}
	e.guard.Record(c.flowID, sig)

	if err := c.quota.Check(c.flowID); err != nil {
		return Outcome{}, err
	}

	rec, err := e.log.Append(c.flowID, conceptName, action, input)
	if err != nil {
		return Outcome{}, fmt.Errorf("invoke %s.%s: %w", conceptName, action, err)
	}
	e.journalAppend(ctx, rec)

	output, execErr := target.Execute(ctx, action, input.Clone())
	if execErr != nil {
		marker := ir.RecordError{Code: concept.CodeOf(execErr), Message: failureMessage(execErr)}
		done, err := e.log.Fail(c.flowID, rec.ID, marker)
		if err != nil {
			return Outcome{}, fmt.Errorf("record failure of %s: %w", rec.ID, err)
		}
		e.journalComplete(ctx, done)

		e.logger.Debug("action failed",
			"flow_id", c.flowID,
			"record_id", rec.ID,
			"concept", conceptName,
			"action", action,
			"code", marker.Code,
		)
		return Outcome{RecordID: rec.ID, Output: done.Output}, &ActionError{
			FlowID:   c.flowID,
			RecordID: rec.ID,
			Concept:  conceptName,
			Action:   action,
			Code:     marker.Code,
			Message:  marker.Message,
			Cause:    execErr,
		}
	}

	if output == nil {
		output = ir.IRObject{}
	}
	done, err := e.log.Complete(c.flowID, rec.ID, output)
	if err != nil {
		return Outcome{}, fmt.Errorf("record output of %s: %w", rec.ID, err)
	}
	e.journalComplete(ctx, done)

	return Outcome{RecordID: rec.ID, Output: done.Output}, nil
}

func failureMessage(err error) string {
	var de *concept.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

func (e *Engine) journalAppend(ctx context.Context, rec ir.ActionRecord) {
	if len(e.journal) == 0 {
		return
	}
	if err := e.journal.Append(ctx, rec); err != nil {
		e.logger.Warn("journal append failed", "flow_id", rec.FlowID, "record_id", rec.ID, "error", err)
	}
}

func (e *Engine) journalComplete(ctx context.Context, rec ir.ActionRecord) {
	if len(e.journal) == 0 {
		return
	}
	if err := e.journal.Complete(ctx, rec); err != nil {
		e.logger.Warn("journal complete failed", "flow_id", rec.FlowID, "record_id", rec.ID, "error", err)
	}
}

func (e *Engine) journalFire(ctx context.Context, f ir.Firing) {
	if len(e.journal) == 0 {
		return
	}
	if err := e.journal.Fire(ctx, f); err != nil {
		e.logger.Warn("journal fire failed", "flow_id", f.FlowID, "rule", f.Rule, "error", err)
	}
}
