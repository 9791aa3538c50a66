package engine

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/cascade/internal/actionlog"
	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/rulegraph"
)

// Engine coordinates concepts through sync rules.
//
// INVARIANTS:
//   - rules are evaluated in registration order, which never changes
//   - rule names are unique
//   - at most one cascade per flow runs at a time
type Engine struct {
	registry *concept.Registry
	log      *actionlog.Log
	logger   *slog.Logger
	journal  MultiJournal
	flowIDs  FlowIDGenerator
	now      func() time.Time

	generators map[string]Generator
	maxSteps   int
	maxPasses  int

	rulesMu sync.RWMutex
	rules   []ir.SyncRule
	names   map[string]bool
	graph   *rulegraph.Graph

	flowsMu sync.Mutex
	flows   map[string]*flowLock

	guard *LoopGuard
}

// New creates an engine resolving concepts through registry.
func New(registry *concept.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		log:        actionlog.New(),
		logger:     slog.Default(),
		flowIDs:    UUIDv7Generator{},
		now:        time.Now,
		generators: make(map[string]Generator),
		maxSteps:   DefaultMaxSteps,
		maxPasses:  1,
		names:      make(map[string]bool),
		graph:      rulegraph.New(),
		flows:      make(map[string]*flowLock),
		guard:      NewLoopGuard(),
	}
	e.generators[GenUUID] = uuidGenerator
	e.generators[GenNow] = nowGenerator(func() time.Time { return e.now() })

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register validates rule and appends it to the rule list.
//
// Structural problems are reported as *EngineError and leave the engine
// unchanged. Dependency cycles among rules are logged as warnings and never
// block registration.
func (e *Engine) Register(rule ir.SyncRule) error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if e.names[rule.Name] {
		return ruleError(ErrCodeDuplicateRule, rule.Name, "rule name already registered")
	}
	if err := e.validateRule(rule); err != nil {
		return err
	}

	rule = copyRule(rule)
	e.rules = append(e.rules, rule)
	e.names[rule.Name] = true

	e.logger.Debug("sync rule registered",
		"rule", rule.Name,
		"patterns", len(rule.When),
		"invocations", len(rule.Then),
	)

	for _, c := range e.graph.Add(rule) {
		e.logger.Warn("sync rule cycle detected",
			"rules", c.Rules,
			"path", c.Path,
			"message", c.Message,
		)
	}
	return nil
}

// RegisterAll registers rules in order and stops at the first error.
func (e *Engine) RegisterAll(rules []ir.SyncRule) error {
	for _, r := range rules {
		if err := e.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// copyRule detaches the rule's slices from the caller so later mutation of
// the caller's rule cannot change registered behavior.
func copyRule(rule ir.SyncRule) ir.SyncRule {
	rule.When = slices.Clone(rule.When)
	rule.Then = slices.Clone(rule.Then)
	return rule
}

// Rules returns the registered rules in registration order.
func (e *Engine) Rules() []ir.SyncRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return slices.Clone(e.rules)
}

// Cycles returns the dependency cycles among registered rules.
func (e *Engine) Cycles() []rulegraph.Cycle {
	return e.graph.Cycles()
}

// Records returns the records of flowID in invocation order.
func (e *Engine) Records(flowID string) []ir.ActionRecord {
	return e.log.Records(flowID)
}

// Log returns the engine's action log.
func (e *Engine) Log() *actionlog.Log {
	return e.log
}

// NewFlow returns a fresh flow id for an external request.
func (e *Engine) NewFlow() string {
	return e.flowIDs.Generate()
}

// EndFlow tears down flowID: its records, consumption marks and loop guard
// state are discarded. It waits for a running cascade of the flow to finish.
func (e *Engine) EndFlow(flowID string) bool {
	unlock := e.lockFlow(flowID)
	existed := e.log.Drop(flowID)
	e.guard.Clear(flowID)
	unlock()

	e.logger.Debug("flow ended", "flow_id", flowID, "existed", existed)
	return existed
}

// flowLock serializes the cascades of one flow. refs counts holders and
// waiters; the entry leaves the map only when nobody references it, so
// every caller of one flow always contends on the same mutex.
type flowLock struct {
	mu   sync.Mutex
	refs int
}

// lockFlow blocks until the caller owns flowID and returns the release func.
func (e *Engine) lockFlow(flowID string) (unlock func()) {
	e.flowsMu.Lock()
	l, ok := e.flows[flowID]
	if !ok {
		l = &flowLock{}
		e.flows[flowID] = l
	}
	l.refs++
	e.flowsMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		e.flowsMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.flows, flowID)
		}
		e.flowsMu.Unlock()
	}
}
