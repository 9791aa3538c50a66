package engine

import (
	"sync"

	"github.com/google/uuid"
)

// FlowIDGenerator produces flow ids for external requests.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type FlowIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 flow ids, which keeps
// journals naturally ordered by request start.
//
// UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined flow ids, for deterministic tests and
// golden traces. It panics once the ids are exhausted, which surfaces tests
// that start more flows than they expect.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator returning ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all flow ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
