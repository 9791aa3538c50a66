package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/cascade/internal/actionlog"
)

// DefaultMaxSteps is the default maximum number of invocations per cascade.
const DefaultMaxSteps = 1000

// DefaultMaxPasses is the pass limit used by WithFixpoint when given a
// non-positive value.
const DefaultMaxPasses = 16

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithJournal adds a journal. Multiple journals are called in the order
// they were added.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = append(e.journal, j)
	}
}

// WithFixpoint makes every sweep repeat its pass over the rules until a pass
// fires nothing, stopping after maxPasses passes.
//
// Default: a single pass per sweep.
func WithFixpoint(maxPasses int) Option {
	return func(e *Engine) {
		if maxPasses <= 0 {
			maxPasses = DefaultMaxPasses
		}
		e.maxPasses = maxPasses
	}
}

// WithMaxSteps sets the invocation quota per cascade.
//
// Default: 1000 (DefaultMaxSteps).
func WithMaxSteps(maxSteps int) Option {
	return func(e *Engine) {
		e.maxSteps = maxSteps
	}
}

// WithGenerator registers or replaces a named generator.
func WithGenerator(name string, g Generator) Option {
	return func(e *Engine) {
		e.generators[name] = g
	}
}

// WithNow sets the clock read by the "now" generator.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithFlowIDs sets the generator behind NewFlow. Default: UUIDv7Generator.
func WithFlowIDs(gen FlowIDGenerator) Option {
	return func(e *Engine) {
		e.flowIDs = gen
	}
}

// WithLog replaces the action log, e.g. to share a clock with a journal.
func WithLog(log *actionlog.Log) Option {
	return func(e *Engine) {
		e.log = log
	}
}
