// Package demo provides two small concepts and a rulebook that wires them
// together. The CLI, the MCP server and the harness run against it.
package demo

import (
	"context"
	"math"
	"sync"

	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/ir"
)

// Account error codes beyond the shared ones.
const CodeInsufficientFunds = "insufficient_funds"

// Account keeps integer balances by account id.
type Account struct {
	mu       sync.Mutex
	balances map[string]int64
}

// NewAccount returns an Account with no open accounts.
func NewAccount() *Account {
	return &Account{balances: make(map[string]int64)}
}

// Actions implements concept.ActionLister.
func (a *Account) Actions() []string {
	return []string{"open", "credit", "debit", "get"}
}

// Execute implements concept.Concept. Every success returns {id, balance}.
func (a *Account) Execute(_ context.Context, action string, input ir.IRObject) (ir.IRObject, error) {
	id, ok := input["id"].(ir.IRString)
	if !ok || id == "" {
		return nil, concept.Fail(concept.CodeValidation, "id must be a non-empty string")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	balance, open := a.balances[string(id)]
	switch action {
	case "open":
		if open {
			return nil, concept.Fail(concept.CodeConflict, "account %s already open", id)
		}
		initial, err := amount(input, "balance", true)
		if err != nil {
			return nil, err
		}
		balance = initial
	case "credit", "debit":
		if !open {
			return nil, concept.Fail(concept.CodeNotFound, "account %s not found", id)
		}
		n, err := amount(input, "amount", false)
		if err != nil {
			return nil, err
		}
		if action == "debit" {
			if n > balance {
				return nil, concept.Fail(CodeInsufficientFunds, "account %s has %d, needs %d", id, balance, n)
			}
			n = -n
		} else if n > math.MaxInt64-balance {
			return nil, concept.Fail(concept.CodeValidation, "credit of %d overflows balance %d of account %s", n, balance, id)
		}
		balance += n
	case "get":
		if !open {
			return nil, concept.Fail(concept.CodeNotFound, "account %s not found", id)
		}
	default:
		return nil, concept.UnknownAction("Account", action)
	}

	a.balances[string(id)] = balance
	return ir.IRObject{"id": id, "balance": ir.IRInt(balance)}, nil
}

// Balance returns the balance of id and whether it is open.
func (a *Account) Balance(id string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.balances[id]
	return b, ok
}

func amount(input ir.IRObject, field string, optional bool) (int64, error) {
	v, ok := input[field]
	if !ok && optional {
		return 0, nil
	}
	n, isInt := v.(ir.IRInt)
	if !isInt || n < 0 {
		return 0, concept.Fail(concept.CodeValidation, "%s must be a non-negative integer", field)
	}
	return int64(n), nil
}
