// Package harness runs YAML scenarios against the sync engine.
//
// A scenario scripts the concepts involved, names a rulebook, invokes a
// flow of top-level actions and asserts on the resulting action log.
//
// # Scenario Format
//
//	name: open_bonus
//	description: "Opening a small account credits a bonus"
//	flow_id: test-flow-001          # optional, default test-flow-default
//	rules: rules.cue                # CUE rulebook, relative to the scenario
//	rulebook: |                     # or inline CUE
//	  sync: ...
//	demo: true                      # register the demo concepts and rules
//	fixpoint: 8                     # optional bounded fixpoint sweep
//	max_steps: 100                  # optional per-cascade step quota
//	concepts:
//	  Mailer:
//	    send: { output: { sent: true } }
//	    bounce: { error: { code: rejected, message: "no such user" } }
//	    echo: { echo: true }
//	flow:
//	  - invoke: Account.open
//	    args: { id: a1, balance: 50 }
//	    expect:
//	      case: ok
//	      output: { balance: 50 }
//	assertions:
//	  - type: trace_contains
//	    action: Account.credit
//	    args: { id: a1 }
//
// # Assertion Types
//
//   - trace_contains: a record of action whose input contains args
//   - trace_order: the first records of actions appear in the given order
//   - trace_count: action was recorded exactly count times
//   - consumed_by: some record of action matching args was consumed by
//     every rule in rules (by none when rules is empty)
//   - calls: a scripted concept action was called exactly count times
//   - journal_match: the SQLite journal holds count records matching the
//     pattern (action, args as input constraints, output, case)
//
// # Deterministic Testing
//
// Every scenario runs in a fresh engine with a fixed flow id, a stepping
// clock for the "now" generator, sequential ids for the "uuid" generator
// and an in-memory SQLite journal, so traces are byte-identical across runs
// and can be compared with golden files.
package harness
