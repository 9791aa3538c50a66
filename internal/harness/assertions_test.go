package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/ir"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Action: "Cart.add", Input: ir.IRObject{"item": ir.IRString("w"), "qty": ir.IRInt(2)},
			Output: ir.IRObject{"total": ir.IRInt(2)}, Status: ir.StatusOK, ConsumedBy: []string{"reserve", "price"}},
		{Seq: 2, Action: "Stock.reserve", Input: ir.IRObject{"item": ir.IRString("w")},
			Output: ir.IRObject{}, Status: ir.StatusOK},
		{Seq: 3, Action: "Cart.add", Input: ir.IRObject{"item": ir.IRString("x")},
			Output: ir.IRObject{"total": ir.IRInt(3)}, Status: ir.StatusOK},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "Cart.add", Args: map[string]any{"item": "x"}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "Cart.add", Output: map[string]any{"total": 2}}))

	err := assertTraceContains(trace, Assertion{Type: AssertTraceContains, Action: "Cart.add", Args: map[string]any{"item": "z"}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "not found in trace", ae.Actual)
	assert.Contains(t, err.Error(), "[2] Stock.reserve")
}

func TestAssertTraceContains_TypeSensitive(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{Action: "Cart.add", Args: map[string]any{"qty": "2"}})
	assert.Error(t, err)
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"Cart.add", "Stock.reserve"}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{"Stock.reserve", "Cart.add"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = assertTraceOrder(trace, Assertion{Actions: []string{"Cart.add", "Mail.send"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing action: Mail.send")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "Cart.add", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "Cart.add", Args: map[string]any{"item": "w"}, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "Mail.send", Count: 0}))

	err := assertTraceCount(trace, Assertion{Action: "Stock.reserve", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 occurrences")
}

func TestAssertConsumedBy(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertConsumedBy(trace, Assertion{Action: "Cart.add", Rules: []string{"price"}}))
	assert.NoError(t, assertConsumedBy(trace, Assertion{Action: "Cart.add", Rules: []string{"price", "reserve"}}))
	assert.NoError(t, assertConsumedBy(trace, Assertion{Action: "Stock.reserve"}))

	err := assertConsumedBy(trace, Assertion{Action: "Cart.add", Args: map[string]any{"item": "x"}, Rules: []string{"price"}})
	require.Error(t, err)

	err = assertConsumedBy(trace, Assertion{Action: "Mail.send", Rules: []string{"price"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in trace")
}

func TestAssertCalls(t *testing.T) {
	c, err := NewScriptedConcept("Mail", map[string]ActionScript{"send": {}})
	require.NoError(t, err)
	_, err = c.Execute(t.Context(), "send", ir.IRObject{})
	require.NoError(t, err)

	actx := &AssertionContext{Scripted: map[string]*ScriptedConcept{"Mail": c}}
	assert.NoError(t, assertCalls(actx, Assertion{Action: "Mail.send", Count: 1}))
	assert.Error(t, assertCalls(actx, Assertion{Action: "Mail.send", Count: 2}))

	err = assertCalls(actx, Assertion{Action: "Cart.add", Count: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a scripted concept")
}

func TestEvaluateAssertions_CollectsAll(t *testing.T) {
	result := NewResult("f")
	result.Trace = sampleTrace()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Action: "Cart.add", Count: 2},
		{Type: AssertTraceCount, Action: "Cart.add", Count: 5},
		{Type: AssertTraceContains, Action: "Nope.x"},
	}, &AssertionContext{})

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertion 1")
	assert.Contains(t, errs[1], "assertion 2")
}
