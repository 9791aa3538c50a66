package engine

import (
	"errors"
	"fmt"
)

// ActionError reports that a concept failed to execute an action.
// The failed record stays in the log, so rules can match the failure.
type ActionError struct {
	FlowID   string
	RecordID string
	Concept  string
	Action   string
	Code     string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("%s.%s failed (%s): %s", e.Concept, e.Action, e.Code, e.Message)
}

// Unwrap returns the concept's original error.
func (e *ActionError) Unwrap() error {
	return e.Cause
}

// IsActionError reports whether err is or wraps an *ActionError.
func IsActionError(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae)
}

// EngineErrorCode categorizes structural failures.
type EngineErrorCode string

const (
	// ErrCodeUnknownConcept means a rule or invocation names an unregistered concept.
	ErrCodeUnknownConcept EngineErrorCode = "UNKNOWN_CONCEPT"

	// ErrCodeUnknownAction means a listed concept does not have the named action.
	ErrCodeUnknownAction EngineErrorCode = "UNKNOWN_ACTION"

	// ErrCodeDuplicateRule means a rule name is already registered.
	ErrCodeDuplicateRule EngineErrorCode = "DUPLICATE_RULE"

	// ErrCodeMalformedRule means a rule definition is structurally invalid.
	ErrCodeMalformedRule EngineErrorCode = "MALFORMED_RULE"

	// ErrCodeUnknownGenerator means a template references an unregistered generator.
	ErrCodeUnknownGenerator EngineErrorCode = "UNKNOWN_GENERATOR"

	// ErrCodeInvalidFilter means a where filter failed validation.
	ErrCodeInvalidFilter EngineErrorCode = "INVALID_FILTER"

	// ErrCodeMissingFlow means an invocation was made without a flow id.
	ErrCodeMissingFlow EngineErrorCode = "MISSING_FLOW"
)

// EngineError is a structural or programming failure. It is raised at
// registration time for rules, and before any record is appended for
// invocations.
type EngineError struct {
	Code    EngineErrorCode
	Message string
	Rule    string
	Cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s: %s (rule=%s)", e.Code, e.Message, e.Rule)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsEngineError reports whether err is or wraps an *EngineError.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// EngineErrorCodeOf returns the code of a wrapped *EngineError, or "".
func EngineErrorCodeOf(err error) EngineErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func ruleError(code EngineErrorCode, rule string, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Rule: rule, Message: fmt.Sprintf(format, args...)}
}
