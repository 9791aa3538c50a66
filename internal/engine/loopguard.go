package engine

import "sync"

// LoopGuard remembers the invocation signatures of the running cascade of
// each flow.
//
// A signature is the canonical hash of (concept, action, input). Before an
// invocation executes, the engine asks Seen; a repeated signature within the
// same cascade is skipped instead of executed, which bounds self-triggering
// and mutually recursive rules. The history of a flow is cleared when its
// outermost invocation returns, so it never leaks into the next cascade or
// into another flow.
type LoopGuard struct {
	mu      sync.Mutex
	history map[string]map[string]bool // flow id -> signature -> seen
}

// NewLoopGuard creates an empty guard.
func NewLoopGuard() *LoopGuard {
	return &LoopGuard{history: make(map[string]map[string]bool)}
}

// Seen reports whether signature was already recorded for flowID.
func (g *LoopGuard) Seen(flowID, signature string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.history[flowID][signature]
}

// Record marks signature as invoked for flowID.
func (g *LoopGuard) Record(flowID, signature string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.history[flowID] == nil {
		g.history[flowID] = make(map[string]bool)
	}
	g.history[flowID][signature] = true
}

// Clear forgets all signatures of flowID.
func (g *LoopGuard) Clear(flowID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.history, flowID)
}

// HistorySize returns the number of flows with recorded signatures.
func (g *LoopGuard) HistorySize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history)
}

// FlowHistorySize returns the number of signatures recorded for flowID.
func (g *LoopGuard) FlowHistorySize(flowID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history[flowID])
}
