// Package engine implements the cascade synchronization engine.
//
// The engine receives top-level invocations, executes them against
// registered concepts, appends the resulting records to the action log, and
// then sweeps the registered sync rules. A rule fires when each of its
// when-patterns has at least one matching record in the flow and the where
// filter accepts the joined bindings; firing substitutes the bindings into
// the rule's then-invocations and invokes them, which may append further
// records that later rules of the same sweep observe.
//
// Termination and idempotence rest on three mechanisms:
//
//   - Consumption marks: once a rule fires on a record, that record is no
//     longer a candidate for the same rule in the same flow.
//   - Loop guard: within one cascade, an invocation whose (concept, action,
//     canonical input) signature was already invoked is skipped, not run.
//   - Step quota: a cascade performs at most MaxSteps invocations.
//
// Sweep semantics: by default a sweep is one linear pass over the rules in
// registration order. A rule registered after the rule that produces its
// facts fires in the same sweep; in the reverse order it fires only on a
// later sweep of the same flow. WithFixpoint switches to repeating passes
// until nothing fires, bounded by a pass limit.
//
// Concurrency: cascades of one flow are serialized by a per-flow lock.
// Different flows run in parallel; their records, marks and guard state are
// disjoint. Nested invocations are recognized through the context: an Invoke
// whose context carries the active cascade of the same flow never sweeps.
// Concepts that call back into the engine must pass the context they were
// given, or they will wait on their own flow's lock.
package engine
