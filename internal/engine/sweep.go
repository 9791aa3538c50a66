package engine

import (
	"context"

	"github.com/roach88/cascade/internal/ir"
)

// sweep evaluates the registered rules against the flow of c.
//
// Each pass walks the rules once in registration order; a rule sees every
// record appended before its turn, including those produced earlier in the
// same pass. In single-pass mode (the default) the sweep ends there. In
// fixpoint mode passes repeat until one fires nothing or the pass limit is
// reached.
func (e *Engine) sweep(ctx context.Context, c *cascade) {
	rules := e.Rules()

	for pass := 1; pass <= e.maxPasses; pass++ {
		fired := 0
		for _, rule := range rules {
			fired += e.attempt(ctx, c, rule)
		}

		e.logger.Debug("sweep pass finished",
			"flow_id", c.flowID,
			"pass", pass,
			"fired", fired,
		)
		if fired == 0 {
			return
		}
	}

	if e.maxPasses > 1 {
		e.logger.Warn("sweep stopped at pass limit",
			"flow_id", c.flowID,
			"max_passes", e.maxPasses,
		)
	}
}

// attempt tries to fire rule on every surviving combination and returns how
// many combinations it fired on.
//
// A combination fires when at least one of its invocations succeeds or is
// skipped by the loop guard; its records are then consumed by the rule.
// Failed invocations are logged and never stop the sweep.
func (e *Engine) attempt(ctx context.Context, c *cascade, rule ir.SyncRule) int {
	perPattern := e.candidates(c.flowID, rule)
	if perPattern == nil {
		return 0
	}
	combos := e.filter(rule, product(perPattern))

	fired := 0
	for _, combo := range combos {
		if e.fire(ctx, c, rule, combo) {
			fired++
		}
	}
	return fired
}

func (e *Engine) fire(ctx context.Context, c *cascade, rule ir.SyncRule, combo combination) bool {
	ids := combo.recordIDs()
	sub := e.newSubstitution(combo.bindings)

	succeeded := false
	for i, inv := range rule.Then {
		args, err := sub.args(inv.Args)
		if err != nil {
			e.logger.Warn("sync invocation not built",
				"flow_id", c.flowID,
				"rule", rule.Name,
				"invocation", i,
				"error", err,
			)
			continue
		}

		target, err := e.resolve(inv.Concept, inv.Action)
		if err != nil {
			e.logger.Warn("sync invocation failed",
				"flow_id", c.flowID,
				"rule", rule.Name,
				"concept", inv.Concept,
				"action", inv.Action,
				"error", err,
			)
			continue
		}

		if _, err := e.execute(ctx, c, target, inv.Concept, inv.Action, args); err != nil {
			e.logger.Warn("sync invocation failed",
				"flow_id", c.flowID,
				"rule", rule.Name,
				"concept", inv.Concept,
				"action", inv.Action,
				"error", err,
			)
			continue
		}
		succeeded = true
	}
	if !succeeded {
		return false
	}

	if err := e.log.Consume(c.flowID, rule.Name, ids...); err != nil {
		e.logger.Warn("consume failed", "flow_id", c.flowID, "rule", rule.Name, "error", err)
		return false
	}
	e.journalFire(ctx, ir.Firing{
		Rule:      rule.Name,
		FlowID:    c.flowID,
		Seq:       e.log.Clock().Current(),
		RecordIDs: ids,
	})

	e.logger.Debug("sync rule fired",
		"flow_id", c.flowID,
		"rule", rule.Name,
		"records", ids,
	)
	return true
}
