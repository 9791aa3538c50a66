package demo

import (
	"context"
	"sync"

	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/ir"
)

// Audit is an append-only list of log entries.
type Audit struct {
	mu      sync.Mutex
	entries []ir.IRObject
}

// NewAudit returns an empty Audit.
func NewAudit() *Audit {
	return &Audit{}
}

// Actions implements concept.ActionLister.
func (a *Audit) Actions() []string {
	return []string{"log"}
}

// Execute implements concept.Concept.
func (a *Audit) Execute(_ context.Context, action string, input ir.IRObject) (ir.IRObject, error) {
	if action != "log" {
		return nil, concept.UnknownAction("Audit", action)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, input.Clone())
	return ir.IRObject{"entry": ir.IRInt(len(a.entries))}, nil
}

// Entries returns copies of the logged entries in order.
func (a *Audit) Entries() []ir.IRObject {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ir.IRObject, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Clone()
	}
	return out
}
