// Package concept defines the capability contract of a concept and the
// registry the engine resolves concept names through.
//
// A concept owns its state exclusively. The engine only ever sees the
// output of an action, never the state behind it.
package concept

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cascade/internal/ir"
)

// Concept executes named actions.
//
// Execute returns the action's output on success. On failure it returns an
// error; a *DomainError carries a code that rules can match on, any other
// error is recorded with code "internal".
type Concept interface {
	Execute(ctx context.Context, action string, input ir.IRObject) (ir.IRObject, error)
}

// ActionLister is implemented by concepts that can enumerate their actions.
// Registration of a rule that names an unlisted action then fails early.
type ActionLister interface {
	Actions() []string
}

// Func adapts a function to Concept.
type Func func(ctx context.Context, action string, input ir.IRObject) (ir.IRObject, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, action string, input ir.IRObject) (ir.IRObject, error) {
	return f(ctx, action, input)
}

// Error codes used by the built-in helpers.
const (
	CodeUnknownAction = "unknown_action"
	CodeValidation    = "validation"
	CodeNotFound      = "not_found"
	CodeConflict      = "conflict"
	CodeInternal      = "internal"
)

// DomainError is a coded failure reported by a concept.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fail builds a *DomainError with a formatted message.
func Fail(code, format string, args ...any) error {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// UnknownAction is the failure for an action name the concept does not know.
func UnknownAction(concept, action string) error {
	return Fail(CodeUnknownAction, "%s has no action %q", concept, action)
}

// CodeOf returns the domain code of err, or CodeInternal.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
