package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/cascade/internal/ir"
)

// DefaultFlowID is the flow id of scenarios that do not name one.
const DefaultFlowID = "test-flow-default"

// FixedFlowGenerator generates the same flow id every time.
//
// Unlike engine.FixedGenerator which returns ids in sequence, this generator
// always returns the same id, so every invocation of a scenario lands in
// one flow.
//
// Thread-safety: FixedFlowGenerator is stateless and safe for concurrent use.
type FixedFlowGenerator struct {
	id string
}

// NewFixedFlowGenerator creates a generator for id. An empty id means
// DefaultFlowID.
func NewFixedFlowGenerator(id string) *FixedFlowGenerator {
	if id == "" {
		id = DefaultFlowID
	}
	return &FixedFlowGenerator{id: id}
}

// Generate returns the fixed flow id.
//
// Implements engine.FlowIDGenerator.
func (g *FixedFlowGenerator) Generate() string {
	return g.id
}

// SequentialUUIDs stands in for the "uuid" generator in golden traces. It
// yields well-formed version 7 UUID strings numbered from 1.
type SequentialUUIDs struct {
	mu sync.Mutex
	n  int64
}

// Next returns the next id. Its signature matches engine.Generator.
func (s *SequentialUUIDs) Next() (ir.IRValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return ir.IRString(fmt.Sprintf("00000000-0000-7000-8000-%012d", s.n)), nil
}
