package harness

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/ir"
)

// ScriptedConcept is a concept whose actions return fixed results.
// It counts calls per action.
type ScriptedConcept struct {
	name    string
	actions map[string]scriptedAction

	mu    sync.Mutex
	calls map[string]int
}

type scriptedAction struct {
	output ir.IRObject
	err    *ScriptError
	echo   bool
}

// NewScriptedConcept converts the scripts of one concept.
func NewScriptedConcept(name string, scripts map[string]ActionScript) (*ScriptedConcept, error) {
	c := &ScriptedConcept{
		name:    name,
		actions: make(map[string]scriptedAction, len(scripts)),
		calls:   make(map[string]int),
	}
	for action, script := range scripts {
		out, err := ir.ObjectFromAny(script.Output)
		if err != nil {
			return nil, fmt.Errorf("concepts.%s.%s.output: %w", name, action, err)
		}
		c.actions[action] = scriptedAction{output: out, err: script.Error, echo: script.Echo}
	}
	return c, nil
}

// Actions implements concept.ActionLister.
func (c *ScriptedConcept) Actions() []string {
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Execute implements concept.Concept.
func (c *ScriptedConcept) Execute(_ context.Context, action string, input ir.IRObject) (ir.IRObject, error) {
	script, ok := c.actions[action]
	if !ok {
		return nil, concept.UnknownAction(c.name, action)
	}

	c.mu.Lock()
	c.calls[action]++
	c.mu.Unlock()

	switch {
	case script.err != nil:
		return nil, concept.Fail(script.err.Code, "%s", script.err.Message)
	case script.echo:
		return input.Clone(), nil
	default:
		return script.output.Clone(), nil
	}
}

// Calls returns how many times action was executed.
func (c *ScriptedConcept) Calls(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[action]
}
