package engine

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/ir"
)

// account is a minimal bank-account concept for cascade tests.
type account struct {
	mu       sync.Mutex
	balances map[string]int64
}

func newAccount() *account {
	return &account{balances: make(map[string]int64)}
}

func (a *account) Actions() []string {
	return []string{"open", "credit", "get"}
}

func (a *account) Execute(_ context.Context, action string, input ir.IRObject) (ir.IRObject, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, _ := input["id"].(ir.IRString)
	switch action {
	case "open":
		if _, ok := a.balances[string(id)]; ok {
			return nil, concept.Fail(concept.CodeConflict, "account %s already open", id)
		}
		balance, _ := input["balance"].(ir.IRInt)
		a.balances[string(id)] = int64(balance)
	case "credit":
		if _, ok := a.balances[string(id)]; !ok {
			return nil, concept.Fail(concept.CodeNotFound, "account %s not found", id)
		}
		amount, _ := input["amount"].(ir.IRInt)
		a.balances[string(id)] += int64(amount)
	case "get":
		if _, ok := a.balances[string(id)]; !ok {
			return nil, concept.Fail(concept.CodeNotFound, "account %s not found", id)
		}
	default:
		return nil, concept.UnknownAction("Account", action)
	}
	return ir.IRObject{"id": id, "balance": ir.IRInt(a.balances[string(id)])}, nil
}

func (a *account) balance(id string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[id]
}

// recorder echoes its input and remembers every call.
type recorder struct {
	mu    sync.Mutex
	calls []ir.IRObject
}

func (r *recorder) Execute(_ context.Context, _ string, input ir.IRObject) (ir.IRObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, input)
	return input, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) inputs() []ir.IRObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.IRObject, len(r.calls))
	copy(out, r.calls)
	return out
}

// failing always fails with a domain error.
func failing(code string) concept.Func {
	return func(context.Context, string, ir.IRObject) (ir.IRObject, error) {
		return nil, concept.Fail(code, "refused")
	}
}

// captureLogger returns a logger writing text records at debug level.
func captureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func mustRegister(t *testing.T, e *Engine, rules ...ir.SyncRule) {
	t.Helper()
	for _, r := range rules {
		require.NoError(t, e.Register(r), "register %s", r.Name)
	}
}

func countKey(recs []ir.ActionRecord, conceptName, action string) int {
	n := 0
	for _, r := range recs {
		if r.Concept == conceptName && r.Action == action {
			n++
		}
	}
	return n
}
