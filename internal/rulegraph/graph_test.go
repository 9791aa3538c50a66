package rulegraph

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/ir"
)

// chain builds a rule that reacts to from and invokes to.
func chain(name, from, to string) ir.SyncRule {
	return ir.SyncRule{
		Name: name,
		When: []ir.Pattern{{Concept: from, Action: "done"}},
		Then: []ir.Invocation{{Concept: to, Action: "done"}},
	}
}

func TestAcyclicGraphReportsNothing(t *testing.T) {
	g := New()
	assert.Empty(t, g.Add(chain("a", "A", "B")))
	assert.Empty(t, g.Add(chain("b", "B", "C")))
	assert.Empty(t, g.Cycles())
	assert.Equal(t, []string{"b"}, g.Edges("a"))
}

func TestThreeRuleCycleNamesAllRules(t *testing.T) {
	g := New()
	require.Empty(t, g.Add(chain("rule-a", "A", "B")))
	require.Empty(t, g.Add(chain("rule-b", "B", "C")))

	cycles := g.Add(chain("rule-c", "C", "A"))
	require.Len(t, cycles, 1)

	c := cycles[0]
	assert.Equal(t, []string{"rule-a", "rule-b", "rule-c"}, c.Rules)
	assert.Equal(t, []string{"rule-a", "rule-b", "rule-c", "rule-a"}, c.Path)
	assert.Contains(t, c.Message, "rule-a")
	assert.Contains(t, c.Message, "rule-b")
	assert.Contains(t, c.Message, "rule-c")
}

func TestCycleReportedOnce(t *testing.T) {
	g := New()
	g.Add(chain("a", "A", "B"))
	require.Len(t, g.Add(chain("b", "B", "A")), 1)

	assert.Empty(t, g.Add(chain("unrelated", "X", "Y")), "existing cycle is not reported again")
	assert.Len(t, g.Cycles(), 1)
}

func TestGrowingCycleIsReportedAgain(t *testing.T) {
	g := New()
	g.Add(chain("a", "A", "B"))
	require.Len(t, g.Add(chain("b", "B", "A")), 1)

	// c reacts to B and feeds A, joining the component.
	cycles := g.Add(chain("c", "B", "A"))
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "b", "c"}, cycles[0].Rules)
}

func TestSelfLoop(t *testing.T) {
	g := New()
	cycles := g.Add(chain("retry", "Job", "Job"))
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"retry"}, cycles[0].Rules)
	assert.Equal(t, []string{"retry", "retry"}, cycles[0].Path)
	assert.Contains(t, cycles[0].Message, "triggers itself")
}

func TestMultiPatternRulesCreateEdgesFromAnyPattern(t *testing.T) {
	g := New()
	g.Add(ir.SyncRule{
		Name: "join",
		When: []ir.Pattern{{Concept: "User", Action: "register"}, {Concept: "Profile", Action: "create"}},
		Then: []ir.Invocation{{Concept: "Mail", Action: "send"}},
	})
	g.Add(ir.SyncRule{
		Name: "mail-bounce",
		When: []ir.Pattern{{Concept: "Mail", Action: "send"}},
		Then: []ir.Invocation{{Concept: "Profile", Action: "create"}},
	})

	cycles := g.Cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"join", "mail-bounce"}, cycles[0].Rules)
}

func TestTwoIndependentCycles(t *testing.T) {
	g := New()
	g.Add(chain("a1", "A", "B"))
	g.Add(chain("a2", "B", "A"))
	g.Add(chain("x1", "X", "Y"))
	g.Add(chain("x2", "Y", "X"))

	cycles := g.Cycles()
	require.Len(t, cycles, 2)
	assert.Equal(t, []string{"a1", "a2"}, cycles[0].Rules)
	assert.Equal(t, []string{"x1", "x2"}, cycles[1].Rules)
}

// A dense component with no cycle through every member must not make
// registration search all paths.
func TestDenseComponentRegistersQuickly(t *testing.T) {
	const n = 8
	g := New()

	done := make(chan []Cycle, 1)
	go func() {
		for i := 0; i < n; i++ {
			g.Add(chain(fmt.Sprintf("x-to-y-%d", i), "X", "Y"))
		}
		for i := 0; i <= n; i++ {
			g.Add(chain(fmt.Sprintf("y-to-x-%d", i), "Y", "X"))
		}
		done <- g.Cycles()
	}()

	select {
	case cycles := <-done:
		require.Len(t, cycles, 1)
		c := cycles[0]
		assert.Len(t, c.Rules, 2*n+1)
		assert.Equal(t, []string{"x-to-y-0", "y-to-x-0", "x-to-y-0"}, c.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("registering a dense rule component did not finish")
	}
}
