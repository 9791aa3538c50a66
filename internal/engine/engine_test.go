package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/predicate"
)

// bankEngine wires Account and Audit with the open-bonus rule and a rule
// that audits every credit.
func bankEngine(t *testing.T, opts ...Option) (*Engine, *account, *recorder) {
	t.Helper()
	acct := newAccount()
	audit := &recorder{}

	reg := concept.NewRegistry()
	reg.MustRegister("Account", acct)
	reg.MustRegister("Audit", audit)

	logger, _ := captureLogger()
	e := New(reg, append([]Option{WithLogger(logger)}, opts...)...)
	return e, acct, audit
}

var openBonus = ir.SyncRule{
	Name:  "open-bonus",
	When:  []ir.Pattern{{Concept: "Account", Action: "open", Case: ir.StatusOK}},
	Where: predicate.Cmp{Path: "balance", Op: predicate.OpLt, Value: ir.IRInt(100)},
	Then: []ir.Invocation{{
		Concept: "Account",
		Action:  "credit",
		Args:    map[string]ir.Term{"id": ir.V("id"), "amount": ir.L(ir.IRInt(10))},
	}},
}

var auditCredit = ir.SyncRule{
	Name: "audit-credit",
	When: []ir.Pattern{{Concept: "Account", Action: "credit", Case: ir.StatusOK}},
	Then: []ir.Invocation{{
		Concept: "Audit",
		Action:  "log",
		Args:    map[string]ir.Term{"account": ir.V("id"), "balance": ir.V("balance")},
	}},
}

func TestEngine_NewFlow(t *testing.T) {
	e := New(concept.NewRegistry(), WithFlowIDs(NewFixedGenerator("flow-1", "flow-2")))
	assert.Equal(t, "flow-1", e.NewFlow())
	assert.Equal(t, "flow-2", e.NewFlow())
}

func TestInvoke_RecordsOutput(t *testing.T) {
	e, acct, _ := bankEngine(t)
	ctx := context.Background()

	out, err := e.Invoke(ctx, "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(500)}, "f1")
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.NotEmpty(t, out.RecordID)
	assert.Equal(t, ir.IRInt(500), out.Output["balance"])
	assert.Equal(t, int64(500), acct.balance("a1"))

	recs := e.Records("f1")
	require.Len(t, recs, 1)
	assert.Equal(t, out.RecordID, recs[0].ID)
	assert.Equal(t, ir.StatusOK, recs[0].Status)
	assert.Equal(t, int64(1), recs[0].Seq)
}

func TestCascade_OpenBonusChain(t *testing.T) {
	e, acct, audit := bankEngine(t)
	mustRegister(t, e, openBonus, auditCredit)
	ctx := context.Background()

	_, err := e.Invoke(ctx, "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(50)}, "f1")
	require.NoError(t, err)

	recs := e.Records("f1")
	require.Len(t, recs, 3)
	assert.Equal(t, "open", recs[0].Action)
	assert.Equal(t, "credit", recs[1].Action)
	assert.Equal(t, "Audit", recs[2].Concept)
	assert.Equal(t, 2, countKey(recs, "Account", "open")+countKey(recs, "Account", "credit"))
	assert.Equal(t, int64(60), acct.balance("a1"))

	require.Equal(t, 1, audit.count())
	assert.Equal(t, ir.IRObject{"account": ir.IRString("a1"), "balance": ir.IRInt(60)}, audit.inputs()[0])

	assert.Equal(t, []string{"open-bonus"}, recs[0].ConsumedBy)
	assert.Equal(t, []string{"audit-credit"}, recs[1].ConsumedBy)
}

func TestCascade_FilterRejectsLargeBalance(t *testing.T) {
	e, acct, audit := bankEngine(t)
	mustRegister(t, e, openBonus, auditCredit)

	_, err := e.Invoke(context.Background(), "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(500)}, "f1")
	require.NoError(t, err)

	recs := e.Records("f1")
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].ConsumedBy)
	assert.Equal(t, int64(500), acct.balance("a1"))
	assert.Zero(t, audit.count())
}

func TestSweep_ReverseRegistrationFiresOnLaterSweep(t *testing.T) {
	e, _, audit := bankEngine(t)
	mustRegister(t, e, auditCredit, openBonus)
	ctx := context.Background()

	_, err := e.Invoke(ctx, "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(50)}, "f1")
	require.NoError(t, err)
	assert.Len(t, e.Records("f1"), 2)
	assert.Zero(t, audit.count(), "audit rule ran before the credit existed")

	_, err = e.Invoke(ctx, "Account", "get", ir.IRObject{"id": ir.IRString("a1")}, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, audit.count(), "the next sweep picks up the credit")
}

func TestSweep_FixpointFiresReverseOrderInOneInvoke(t *testing.T) {
	e, _, audit := bankEngine(t, WithFixpoint(0))
	mustRegister(t, e, auditCredit, openBonus)

	_, err := e.Invoke(context.Background(), "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(50)}, "f1")
	require.NoError(t, err)
	assert.Len(t, e.Records("f1"), 3)
	assert.Equal(t, 1, audit.count())
}

func TestSweep_FixpointStopsAtPassLimit(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Counter", concept.Func(incr))
	logger, logs := captureLogger()
	e := New(reg, WithLogger(logger), WithFixpoint(4))
	mustRegister(t, e, chainRule)

	_, err := e.Invoke(context.Background(), "Counter", "inc", ir.IRObject{"n": ir.IRInt(0)}, "f1")
	require.NoError(t, err)

	// the outermost invocation plus one per pass
	assert.Len(t, e.Records("f1"), 5)
	assert.Contains(t, logs.String(), "sweep stopped at pass limit")
}

func TestSweep_FactLevelIdempotence(t *testing.T) {
	e, acct, _ := bankEngine(t)
	mustRegister(t, e, openBonus)
	ctx := context.Background()

	_, err := e.Invoke(ctx, "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(50)}, "f1")
	require.NoError(t, err)

	for range 3 {
		_, err = e.Invoke(ctx, "Account", "get", ir.IRObject{"id": ir.IRString("a1")}, "f1")
		require.NoError(t, err)
	}

	recs := e.Records("f1")
	assert.Equal(t, 1, countKey(recs, "Account", "credit"))
	assert.Equal(t, int64(60), acct.balance("a1"))
}

func TestSweep_RuleFiresAgainOnNewFact(t *testing.T) {
	e, acct, _ := bankEngine(t)
	mustRegister(t, e, openBonus)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		_, err := e.Invoke(ctx, "Account", "open", ir.IRObject{"id": ir.IRString(id), "balance": ir.IRInt(0)}, "f1")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(10), acct.balance("a1"))
	assert.Equal(t, int64(10), acct.balance("a2"))
}

func TestMatch_Constraints(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Doc", &recorder{})
	e := New(reg)
	ctx := context.Background()

	inputs := []ir.IRObject{
		{"kind": ir.IRString("note"), "owner": ir.IRString("ann")},
		{"kind": ir.IRString("note"), "owner": ir.IRString("bo")},
		{"kind": ir.IRString("task"), "owner": ir.IRString("ann")},
	}
	for _, in := range inputs {
		_, err := e.Invoke(ctx, "Doc", "create", in, "f1")
		require.NoError(t, err)
	}
	_, err := e.Invoke(ctx, "Doc", "delete", ir.IRObject{"kind": ir.IRString("note")}, "f1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		pattern ir.Pattern
		want    int
	}{
		{"unconstrained", ir.Pattern{Concept: "Doc", Action: "create"}, 3},
		{"one input field", ir.Pattern{Concept: "Doc", Action: "create", Input: ir.IRObject{"kind": ir.IRString("note")}}, 2},
		{"two input fields", ir.Pattern{Concept: "Doc", Action: "create", Input: ir.IRObject{"kind": ir.IRString("note"), "owner": ir.IRString("ann")}}, 1},
		{"output field", ir.Pattern{Concept: "Doc", Action: "create", Output: ir.IRObject{"owner": ir.IRString("ann")}}, 2},
		{"absent field", ir.Pattern{Concept: "Doc", Action: "create", Input: ir.IRObject{"missing": ir.IRBool(true)}}, 0},
		{"other action", ir.Pattern{Concept: "Doc", Action: "delete"}, 1},
		{"error case", ir.Pattern{Concept: "Doc", Action: "create", Case: ir.StatusError}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.match("f1", tt.pattern, "")
			assert.Len(t, got, tt.want)
			for _, rec := range got {
				assert.True(t, tt.pattern.Matches(rec))
			}
		})
	}
}

func TestMatch_ExcludesConsumed(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Doc", &recorder{})
	e := New(reg)

	out, err := e.Invoke(context.Background(), "Doc", "create", ir.IRObject{}, "f1")
	require.NoError(t, err)
	require.NoError(t, e.Log().Consume("f1", "r1", out.RecordID))

	pattern := ir.Pattern{Concept: "Doc", Action: "create"}
	assert.Empty(t, e.match("f1", pattern, "r1"))
	assert.Len(t, e.match("f1", pattern, "r2"), 1)
}

func TestCombine_CartesianProductCount(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("A", &recorder{})
	reg.MustRegister("B", &recorder{})
	reg.MustRegister("Sink", &recorder{})
	e := New(reg)

	var mu sync.Mutex
	evaluated := 0
	mustRegister(t, e, ir.SyncRule{
		Name: "pairs",
		When: []ir.Pattern{{Concept: "A", Action: "a"}, {Concept: "B", Action: "b"}},
		Where: predicate.Func{Name: "count", Fn: func(ir.IRObject) (bool, error) {
			mu.Lock()
			evaluated++
			mu.Unlock()
			return false, nil
		}},
		Then: []ir.Invocation{{Concept: "Sink", Action: "put"}},
	})

	ctx := context.Background()
	for i := range 2 {
		_, err := e.Invoke(ctx, "A", "a", ir.IRObject{"i": ir.IRInt(int64(i))}, "f1")
		require.NoError(t, err)
	}
	for j := range 2 {
		_, err := e.Invoke(ctx, "B", "b", ir.IRObject{"j": ir.IRInt(int64(j))}, "f1")
		require.NoError(t, err)
	}

	mu.Lock()
	evaluated = 0
	mu.Unlock()

	_, err := e.Invoke(ctx, "B", "b", ir.IRObject{"j": ir.IRInt(2)}, "f1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 6, evaluated, "2 x 3 candidates")
}

func TestCombine_ProductMergesLastPatternWins(t *testing.T) {
	a1 := ir.ActionRecord{ID: "a1", Input: ir.IRObject{"x": ir.IRInt(1), "shared": ir.IRString("a")}}
	a2 := ir.ActionRecord{ID: "a2", Input: ir.IRObject{"x": ir.IRInt(2), "shared": ir.IRString("a")}}
	b1 := ir.ActionRecord{
		ID:     "b1",
		Input:  ir.IRObject{"y": ir.IRInt(1), "shared": ir.IRString("b-in")},
		Output: ir.IRObject{"shared": ir.IRString("b-out")},
	}

	combos := product([][]ir.ActionRecord{{a1, a2}, {b1}})
	require.Len(t, combos, 2)

	assert.Equal(t, []string{"a1", "b1"}, combos[0].recordIDs())
	assert.Equal(t, []string{"a2", "b1"}, combos[1].recordIDs())
	assert.Equal(t, ir.IRObject{
		"x":      ir.IRInt(1),
		"y":      ir.IRInt(1),
		"shared": ir.IRString("b-out"),
	}, combos[0].bindings)
	assert.Equal(t, ir.IRInt(2), combos[1].bindings["x"])
}

func TestCombine_NestedVariablePaths(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Req", &recorder{})
	sink := &recorder{}
	reg.MustRegister("Sink", sink)
	e := New(reg)

	mustRegister(t, e, ir.SyncRule{
		Name: "forward",
		When: []ir.Pattern{{Concept: "Req", Action: "post"}},
		Then: []ir.Invocation{{Concept: "Sink", Action: "put", Args: map[string]ir.Term{
			"author": ir.V("body.author.id"),
			"first":  ir.V("body.tags.0"),
			"meta":   ir.ObjectTerm{"source": ir.L(ir.IRString("{body}"))},
		}}},
	})

	body := ir.IRObject{
		"author": ir.IRObject{"id": ir.IRString("u7")},
		"tags":   ir.IRArray{ir.IRString("go"), ir.IRString("sync")},
	}
	_, err := e.Invoke(context.Background(), "Req", "post", ir.IRObject{"body": body}, "f1")
	require.NoError(t, err)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, ir.IRObject{
		"author": ir.IRString("u7"),
		"first":  ir.IRString("go"),
		"meta":   ir.IRObject{"source": ir.IRString("{body}")},
	}, sink.inputs()[0])
}

func TestCombine_GeneratorsPerCombination(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Src", &recorder{})
	sink := &recorder{}
	reg.MustRegister("Sink", sink)

	next := int64(0)
	e := New(reg, WithGenerator("seq", func() (ir.IRValue, error) {
		next++
		return ir.IRInt(next), nil
	}))

	ctx := context.Background()
	for i := range 2 {
		_, err := e.Invoke(ctx, "Src", "emit", ir.IRObject{"i": ir.IRInt(int64(i))}, "f1")
		require.NoError(t, err)
	}

	mustRegister(t, e, ir.SyncRule{
		Name: "stamp",
		When: []ir.Pattern{{Concept: "Src", Action: "emit"}},
		Then: []ir.Invocation{{Concept: "Sink", Action: "put", Args: map[string]ir.Term{
			"i":    ir.V("i"),
			"id":   ir.G("seq"),
			"copy": ir.G("seq"),
		}}},
	})
	_, err := e.Invoke(ctx, "Src", "tick", ir.IRObject{}, "f1")
	require.NoError(t, err)

	calls := sink.inputs()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0]["id"], calls[0]["copy"], "one value per generator per combination")
	assert.Equal(t, calls[1]["id"], calls[1]["copy"])
	assert.NotEqual(t, calls[0]["id"], calls[1]["id"], "never shared across combinations")
}

func TestCombine_GeneratorSharedAcrossInvocations(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Order", &recorder{})
	orders := &recorder{}
	reg.MustRegister("Store", orders)
	audit := &recorder{}
	reg.MustRegister("Audit", audit)

	e := New(reg, WithGenerator("ref", func() (ir.IRValue, error) {
		return ir.IRString(fmt.Sprintf("ref-%d", orders.count()+audit.count())), nil
	}))
	mustRegister(t, e, ir.SyncRule{
		Name: "create-and-log",
		When: []ir.Pattern{{Concept: "Order", Action: "place"}},
		Then: []ir.Invocation{
			{Concept: "Store", Action: "create", Args: map[string]ir.Term{"id": ir.G("ref")}},
			{Concept: "Audit", Action: "log", Args: map[string]ir.Term{"order": ir.G("ref")}},
		},
	})

	_, err := e.Invoke(context.Background(), "Order", "place", ir.IRObject{}, "f1")
	require.NoError(t, err)

	require.Len(t, orders.inputs(), 1)
	require.Len(t, audit.inputs(), 1)
	assert.Equal(t, ir.IRString("ref-0"), orders.inputs()[0]["id"])
	assert.Equal(t, orders.inputs()[0]["id"], audit.inputs()[0]["order"], "sibling invocations see the same generated value")
}

func TestCombine_BuiltinGenerators(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Src", &recorder{})
	sink := &recorder{}
	reg.MustRegister("Sink", sink)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(reg, WithNow(func() time.Time { return fixed }))
	mustRegister(t, e, ir.SyncRule{
		Name: "stamp",
		When: []ir.Pattern{{Concept: "Src", Action: "emit"}},
		Then: []ir.Invocation{{Concept: "Sink", Action: "put", Args: map[string]ir.Term{
			"id": ir.G(GenUUID),
			"at": ir.G(GenNow),
		}}},
	})

	_, err := e.Invoke(context.Background(), "Src", "emit", ir.IRObject{}, "f1")
	require.NoError(t, err)

	require.Equal(t, 1, sink.count())
	call := sink.inputs()[0]
	assert.Equal(t, ir.IRString("2026-03-01T12:00:00Z"), call["at"])
	id, ok := call["id"].(ir.IRString)
	require.True(t, ok)
	assert.Len(t, string(id), 36)
}

func TestLoopGuard_RepeatWithinCascadeIsSkipped(t *testing.T) {
	target := &recorder{}
	reg := concept.NewRegistry()
	reg.MustRegister("X", target)

	var e *Engine
	var first, second Outcome
	var firstErr, secondErr error
	reg.MustRegister("Outer", concept.Func(func(ctx context.Context, _ string, _ ir.IRObject) (ir.IRObject, error) {
		first, firstErr = e.Invoke(ctx, "X", "y", ir.IRObject{"a": ir.IRInt(1)}, "f1")
		second, secondErr = e.Invoke(ctx, "X", "y", ir.IRObject{"a": ir.IRInt(1)}, "f1")
		return ir.IRObject{}, nil
	}))
	e = New(reg)

	_, err := e.Invoke(context.Background(), "Outer", "run", ir.IRObject{}, "f1")
	require.NoError(t, err)
	require.NoError(t, firstErr)
	require.NoError(t, secondErr)

	assert.False(t, first.Skipped)
	assert.True(t, second.Skipped)
	assert.Empty(t, second.RecordID)
	assert.Equal(t, 1, target.count())
	assert.Len(t, e.Records("f1"), 2)
	assert.Zero(t, e.guard.HistorySize(), "guard state is cleared when the cascade ends")
}

func TestLoopGuard_FieldOrderDoesNotMatter(t *testing.T) {
	target := &recorder{}
	reg := concept.NewRegistry()
	reg.MustRegister("X", target)

	var e *Engine
	var second Outcome
	reg.MustRegister("Outer", concept.Func(func(ctx context.Context, _ string, _ ir.IRObject) (ir.IRObject, error) {
		in, err := ir.ParseObject([]byte(`{"a":1,"b":2}`))
		if err != nil {
			return nil, err
		}
		if _, err := e.Invoke(ctx, "X", "y", in, "f1"); err != nil {
			return nil, err
		}
		reordered, err := ir.ParseObject([]byte(`{"b":2,"a":1}`))
		if err != nil {
			return nil, err
		}
		second, err = e.Invoke(ctx, "X", "y", reordered, "f1")
		return ir.IRObject{}, err
	}))
	e = New(reg)

	_, err := e.Invoke(context.Background(), "Outer", "run", ir.IRObject{}, "f1")
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, 1, target.count())
}

func TestLoopGuard_TopLevelRepeatsExecute(t *testing.T) {
	target := &recorder{}
	reg := concept.NewRegistry()
	reg.MustRegister("X", target)
	e := New(reg)
	ctx := context.Background()

	for range 2 {
		out, err := e.Invoke(ctx, "X", "y", ir.IRObject{"a": ir.IRInt(1)}, "f1")
		require.NoError(t, err)
		assert.False(t, out.Skipped)
	}
	assert.Equal(t, 2, target.count())
}

func TestFlowIsolation_SignaturesDoNotLeak(t *testing.T) {
	target := &recorder{}
	reg := concept.NewRegistry()
	reg.MustRegister("X", target)

	var e *Engine
	var inF1, inF2 Outcome
	reg.MustRegister("Outer", concept.Func(func(ctx context.Context, _ string, _ ir.IRObject) (ir.IRObject, error) {
		var err error
		if inF1, err = e.Invoke(ctx, "X", "y", ir.IRObject{"a": ir.IRInt(1)}, "f1"); err != nil {
			return nil, err
		}
		inF2, err = e.Invoke(ctx, "X", "y", ir.IRObject{"a": ir.IRInt(1)}, "f2")
		return ir.IRObject{}, err
	}))
	e = New(reg)

	_, err := e.Invoke(context.Background(), "Outer", "run", ir.IRObject{}, "f1")
	require.NoError(t, err)

	assert.False(t, inF1.Skipped)
	assert.False(t, inF2.Skipped)
	assert.Equal(t, 2, target.count())
	assert.Len(t, e.Records("f1"), 2)
	assert.Len(t, e.Records("f2"), 1)
}

func TestFlowIsolation_ConsumptionIsPerFlow(t *testing.T) {
	e, acct, _ := bankEngine(t)
	mustRegister(t, e, openBonus)
	ctx := context.Background()

	_, err := e.Invoke(ctx, "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(50)}, "f1")
	require.NoError(t, err)
	_, err = e.Invoke(ctx, "Account", "open", ir.IRObject{"id": ir.IRString("a2"), "balance": ir.IRInt(50)}, "f2")
	require.NoError(t, err)

	assert.Equal(t, int64(60), acct.balance("a1"))
	assert.Equal(t, int64(60), acct.balance("a2"))
	assert.Len(t, e.Records("f1"), 2)
	assert.Len(t, e.Records("f2"), 2)
}

func TestFlowIsolation_ConcurrentFlows(t *testing.T) {
	e, acct, audit := bankEngine(t)
	mustRegister(t, e, openBonus, auditCredit)

	const flows = 16
	var wg sync.WaitGroup
	errs := make(chan error, flows)
	for i := range flows {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("a%d", i)
			_, err := e.Invoke(context.Background(), "Account", "open",
				ir.IRObject{"id": ir.IRString(id), "balance": ir.IRInt(int64(i))}, fmt.Sprintf("flow-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := range flows {
		assert.Len(t, e.Records(fmt.Sprintf("flow-%d", i)), 3)
		assert.Equal(t, int64(i+10), acct.balance(fmt.Sprintf("a%d", i)))
	}
	assert.Equal(t, flows, audit.count())
}

// flowRefs reports how many callers hold or wait for the lock of flowID.
func flowRefs(e *Engine, flowID string) int {
	e.flowsMu.Lock()
	defer e.flowsMu.Unlock()
	if l, ok := e.flows[flowID]; ok {
		return l.refs
	}
	return 0
}

func TestEndFlow_KeepsCascadesSerialized(t *testing.T) {
	var (
		mu        sync.Mutex
		active    int
		maxActive int
	)
	entered := make(chan struct{}, 3)
	release := make(chan struct{})
	gate := concept.Func(func(_ context.Context, _ string, input ir.IRObject) (ir.IRObject, error) {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		mu.Unlock()

		entered <- struct{}{}
		<-release

		mu.Lock()
		active--
		mu.Unlock()
		return input, nil
	})
	reg := concept.NewRegistry()
	reg.MustRegister("Gate", gate)
	logger, _ := captureLogger()
	e := New(reg, WithLogger(logger))

	var wg sync.WaitGroup
	invoke := func(n int64) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Invoke(context.Background(), "Gate", "pass", ir.IRObject{"n": ir.IRInt(n)}, "f1")
			assert.NoError(t, err)
		}()
	}

	invoke(1)
	<-entered

	ended := make(chan struct{})
	go func() {
		e.EndFlow("f1")
		close(ended)
	}()
	invoke(2)
	require.Eventually(t, func() bool { return flowRefs(e, "f1") == 3 }, time.Second, time.Millisecond)

	release <- struct{}{}
	<-entered

	// The second invocation holds the flow, with or without EndFlow still
	// queued behind it; a new invocation must wait on the same lock.
	before := flowRefs(e, "f1")
	invoke(3)
	require.Eventually(t, func() bool { return flowRefs(e, "f1") == before+1 }, time.Second, time.Millisecond)

	release <- struct{}{}
	<-entered
	release <- struct{}{}
	wg.Wait()
	<-ended

	assert.Equal(t, 1, maxActive)
	assert.Zero(t, flowRefs(e, "f1"), "idle flows leave no lock behind")
}

func TestEndFlow_DropsState(t *testing.T) {
	e, _, _ := bankEngine(t)
	mustRegister(t, e, openBonus)

	_, err := e.Invoke(context.Background(), "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(50)}, "f1")
	require.NoError(t, err)

	assert.True(t, e.EndFlow("f1"))
	assert.Empty(t, e.Records("f1"))
	assert.False(t, e.EndFlow("f1"))
}

func TestFailure_ActionErrorKeepsRecord(t *testing.T) {
	e, _, audit := bankEngine(t)
	mustRegister(t, e, ir.SyncRule{
		Name: "audit-conflict",
		When: []ir.Pattern{{
			Concept: "Account",
			Action:  "open",
			Output:  ir.IRObject{"error": ir.IRObject{"code": ir.IRString("conflict"), "message": ir.IRString("account a1 already open")}},
		}},
		Then: []ir.Invocation{{Concept: "Audit", Action: "log", Args: map[string]ir.Term{"rejected": ir.V("id")}}},
	})
	ctx := context.Background()
	in := ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(500)}

	_, err := e.Invoke(ctx, "Account", "open", in, "f1")
	require.NoError(t, err)

	out, err := e.Invoke(ctx, "Account", "open", in, "f1")
	require.Error(t, err)
	require.True(t, IsActionError(err))

	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, concept.CodeConflict, ae.Code)
	assert.Equal(t, out.RecordID, ae.RecordID)

	rec, err := e.Log().Record("f1", out.RecordID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusError, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "conflict", rec.Error.Code)

	require.Equal(t, 1, audit.count(), "rules match the failure")
	assert.Equal(t, ir.IRString("a1"), audit.inputs()[0]["rejected"])
}

func TestFailure_IsolatedWithinSweep(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Src", &recorder{})
	reg.MustRegister("Broken", failing(concept.CodeValidation))
	sink := &recorder{}
	reg.MustRegister("Sink", sink)
	logger, logs := captureLogger()
	e := New(reg, WithLogger(logger))

	mustRegister(t, e,
		ir.SyncRule{
			Name: "half-broken",
			When: []ir.Pattern{{Concept: "Src", Action: "emit"}},
			Then: []ir.Invocation{
				{Concept: "Broken", Action: "go"},
				{Concept: "Sink", Action: "put", Args: map[string]ir.Term{"from": ir.L(ir.IRString("half-broken"))}},
			},
		},
		ir.SyncRule{
			Name: "all-broken",
			When: []ir.Pattern{{Concept: "Src", Action: "emit"}},
			Then: []ir.Invocation{{Concept: "Broken", Action: "again"}},
		},
		ir.SyncRule{
			Name: "later",
			When: []ir.Pattern{{Concept: "Src", Action: "emit"}},
			Then: []ir.Invocation{{Concept: "Sink", Action: "put", Args: map[string]ir.Term{"from": ir.L(ir.IRString("later"))}}},
		},
	)

	out, err := e.Invoke(context.Background(), "Src", "emit", ir.IRObject{}, "f1")
	require.NoError(t, err, "downstream failures never reach the caller")

	assert.Equal(t, 2, sink.count())
	assert.Contains(t, logs.String(), "sync invocation failed")

	rec, err := e.Log().Record("f1", out.RecordID)
	require.NoError(t, err)
	assert.Equal(t, []string{"half-broken", "later"}, rec.ConsumedBy, "a rule whose invocations all failed consumes nothing")

	recs := e.Records("f1")
	assert.Equal(t, 1, countKey(recs, "Broken", "go"))
	assert.Equal(t, 1, countKey(recs, "Broken", "again"))
}

func TestFailure_FilterErrorSkipsCombination(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Src", &recorder{})
	sink := &recorder{}
	reg.MustRegister("Sink", sink)
	logger, logs := captureLogger()
	e := New(reg, WithLogger(logger))

	mustRegister(t, e, ir.SyncRule{
		Name:  "typed",
		When:  []ir.Pattern{{Concept: "Src", Action: "emit"}},
		Where: predicate.Cmp{Path: "n", Op: predicate.OpGt, Value: ir.IRInt(0)},
		Then:  []ir.Invocation{{Concept: "Sink", Action: "put"}},
	})

	_, err := e.Invoke(context.Background(), "Src", "emit", ir.IRObject{"n": ir.IRString("seven")}, "f1")
	require.NoError(t, err)
	assert.Zero(t, sink.count())
	assert.Contains(t, logs.String(), "where filter failed")
}

func TestQuota_StopsRunawayChain(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Counter", concept.Func(incr))
	logger, logs := captureLogger()
	e := New(reg, WithLogger(logger), WithFixpoint(100), WithMaxSteps(3))
	mustRegister(t, e, chainRule)

	_, err := e.Invoke(context.Background(), "Counter", "inc", ir.IRObject{"n": ir.IRInt(0)}, "f1")
	require.NoError(t, err)

	assert.Len(t, e.Records("f1"), 3)
	assert.Contains(t, logs.String(), "exceeded max steps quota")
}

func TestCycle_WarnsAndStillRuns(t *testing.T) {
	reg := concept.NewRegistry()
	for _, name := range []string{"X", "Y", "Z"} {
		reg.MustRegister(name, &recorder{})
	}
	logger, logs := captureLogger()
	e := New(reg, WithLogger(logger))

	mustRegister(t, e,
		ir.SyncRule{Name: "A", When: []ir.Pattern{{Concept: "X", Action: "a"}}, Then: []ir.Invocation{{Concept: "Y", Action: "b"}}},
		ir.SyncRule{Name: "B", When: []ir.Pattern{{Concept: "Y", Action: "b"}}, Then: []ir.Invocation{{Concept: "Z", Action: "c"}}},
		ir.SyncRule{Name: "C", When: []ir.Pattern{{Concept: "Z", Action: "c"}}, Then: []ir.Invocation{{Concept: "X", Action: "a"}}},
	)

	out := logs.String()
	assert.Contains(t, out, "sync rule cycle detected")
	assert.Contains(t, out, "A -> B -> C -> A")
	require.Len(t, e.Cycles(), 1)
	assert.Equal(t, []string{"A", "B", "C"}, e.Cycles()[0].Rules)
	assert.Len(t, e.Rules(), 3)

	_, err := e.Invoke(context.Background(), "X", "a", ir.IRObject{}, "f1")
	require.NoError(t, err)

	recs := e.Records("f1")
	require.Len(t, recs, 3, "the loop guard stops the cycle at the repeated X.a")
	assert.Equal(t, []string{"A"}, recs[0].ConsumedBy)
	assert.Equal(t, []string{"C"}, recs[2].ConsumedBy, "a skipped invocation still counts as fired")
}

func TestRegister_Errors(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Account", newAccount())
	reg.MustRegister("Free", &recorder{})

	valid := func() ir.SyncRule {
		return ir.SyncRule{
			Name: "r",
			When: []ir.Pattern{{Concept: "Free", Action: "x"}},
			Then: []ir.Invocation{{Concept: "Free", Action: "y"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*ir.SyncRule)
		code   EngineErrorCode
	}{
		{"empty name", func(r *ir.SyncRule) { r.Name = "" }, ErrCodeMalformedRule},
		{"no patterns", func(r *ir.SyncRule) { r.When = nil }, ErrCodeMalformedRule},
		{"no invocations", func(r *ir.SyncRule) { r.Then = nil }, ErrCodeMalformedRule},
		{"bad case", func(r *ir.SyncRule) { r.When[0].Case = "maybe" }, ErrCodeMalformedRule},
		{"nil constraint", func(r *ir.SyncRule) { r.When[0].Input = ir.IRObject{"x": nil} }, ErrCodeMalformedRule},
		{"unknown concept in when", func(r *ir.SyncRule) { r.When[0].Concept = "Nope" }, ErrCodeUnknownConcept},
		{"unknown concept in then", func(r *ir.SyncRule) { r.Then[0].Concept = "Nope" }, ErrCodeUnknownConcept},
		{"unknown listed action", func(r *ir.SyncRule) { r.Then[0] = ir.Invocation{Concept: "Account", Action: "close"} }, ErrCodeUnknownAction},
		{"unknown generator", func(r *ir.SyncRule) { r.Then[0].Args = map[string]ir.Term{"id": ir.G("ulid")} }, ErrCodeUnknownGenerator},
		{"empty var path", func(r *ir.SyncRule) { r.Then[0].Args = map[string]ir.Term{"id": ir.V("a..b")} }, ErrCodeMalformedRule},
		{"nil term", func(r *ir.SyncRule) { r.Then[0].Args = map[string]ir.Term{"id": nil} }, ErrCodeMalformedRule},
		{"invalid filter", func(r *ir.SyncRule) { r.Where = predicate.Cmp{Path: "n", Op: "~", Value: ir.IRInt(1)} }, ErrCodeInvalidFilter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(reg)
			rule := valid()
			tt.mutate(&rule)

			err := e.Register(rule)
			require.Error(t, err)
			assert.True(t, IsEngineError(err))
			assert.Equal(t, tt.code, EngineErrorCodeOf(err))
			assert.Empty(t, e.Rules())
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		e := New(reg)
		require.NoError(t, e.Register(valid()))
		err := e.Register(valid())
		assert.Equal(t, ErrCodeDuplicateRule, EngineErrorCodeOf(err))
		assert.Len(t, e.Rules(), 1)
	})
}

func TestRegister_CopiesRule(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Free", &recorder{})
	e := New(reg)

	rule := ir.SyncRule{
		Name: "r",
		When: []ir.Pattern{{Concept: "Free", Action: "x"}},
		Then: []ir.Invocation{{Concept: "Free", Action: "y"}},
	}
	require.NoError(t, e.Register(rule))
	rule.When[0].Action = "changed"

	assert.Equal(t, "x", e.Rules()[0].When[0].Action)
}

func TestInvoke_EngineErrors(t *testing.T) {
	reg := concept.NewRegistry()
	reg.MustRegister("Account", newAccount())
	e := New(reg)
	ctx := context.Background()

	_, err := e.Invoke(ctx, "Account", "open", ir.IRObject{}, "")
	assert.Equal(t, ErrCodeMissingFlow, EngineErrorCodeOf(err))

	_, err = e.Invoke(ctx, "Nope", "open", ir.IRObject{}, "f1")
	assert.Equal(t, ErrCodeUnknownConcept, EngineErrorCodeOf(err))
	assert.ErrorIs(t, err, concept.ErrUnknownConcept)

	_, err = e.Invoke(ctx, "Account", "close", ir.IRObject{}, "f1")
	assert.Equal(t, ErrCodeUnknownAction, EngineErrorCodeOf(err))

	assert.Empty(t, e.Records("f1"), "structural failures append nothing")
}

func TestJournal_ObservesEveryMutation(t *testing.T) {
	j := &memJournal{}
	e, _, _ := bankEngine(t, WithJournal(j))
	mustRegister(t, e, openBonus)

	_, err := e.Invoke(context.Background(), "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(50)}, "f1")
	require.NoError(t, err)

	recs := e.Records("f1")
	require.Len(t, recs, 2)
	assert.Equal(t, []string{recs[0].ID, recs[1].ID}, j.appended)
	assert.Equal(t, []string{recs[0].ID, recs[1].ID}, j.completed, "the open completes before its sweep starts")
	require.Len(t, j.fired, 1)
	assert.Equal(t, "open-bonus", j.fired[0].Rule)
	assert.Equal(t, []string{recs[0].ID}, j.fired[0].RecordIDs)
}

func TestJournal_FailureDoesNotBreakCascade(t *testing.T) {
	logger, logs := captureLogger()
	e, acct, _ := bankEngine(t, WithJournal(brokenJournal{}), WithLogger(logger))
	mustRegister(t, e, openBonus)

	_, err := e.Invoke(context.Background(), "Account", "open", ir.IRObject{"id": ir.IRString("a1"), "balance": ir.IRInt(50)}, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), acct.balance("a1"))
	assert.Contains(t, logs.String(), "journal append failed")
	assert.Contains(t, logs.String(), "journal fire failed")
}

// incr returns {"n": input.n + 1}.
func incr(_ context.Context, _ string, input ir.IRObject) (ir.IRObject, error) {
	n, _ := input["n"].(ir.IRInt)
	return ir.IRObject{"n": n + 1}, nil
}

// chainRule re-invokes Counter.inc with the previous output, producing a
// new distinct invocation every pass.
var chainRule = ir.SyncRule{
	Name: "chain",
	When: []ir.Pattern{{Concept: "Counter", Action: "inc"}},
	Then: []ir.Invocation{{Concept: "Counter", Action: "inc", Args: map[string]ir.Term{"n": ir.V("n")}}},
}
