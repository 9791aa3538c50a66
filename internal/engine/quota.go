package engine

import (
	"errors"
	"fmt"
)

// QuotaEnforcer counts the invocations of one cascade and enforces a limit.
//
// The loop guard stops a cascade from repeating an identical invocation;
// the quota stops linear explosions of distinct ones (A -> B -> C -> ...).
// Together they guarantee that every cascade terminates.
//
// A QuotaEnforcer belongs to exactly one cascade and is only touched while
// the cascade's flow lock is held.
type QuotaEnforcer struct {
	maxSteps int
	current  int
}

// NewQuotaEnforcer creates an enforcer allowing maxSteps invocations.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check counts one invocation and fails once the limit is exceeded.
func (q *QuotaEnforcer) Check(flowID string) error {
	q.current++
	if q.current > q.maxSteps {
		return &StepsExceededError{
			FlowID: flowID,
			Steps:  q.current,
			Limit:  q.maxSteps,
		}
	}
	return nil
}

// Current returns the number of invocations counted so far.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxSteps returns the limit.
func (q *QuotaEnforcer) MaxSteps() int {
	return q.maxSteps
}

// StepsExceededError is returned for an invocation beyond a cascade's step
// quota. The invocation is not executed and no record is appended.
type StepsExceededError struct {
	FlowID string
	Steps  int
	Limit  int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("flow %s exceeded max steps quota: %d steps > %d limit",
		e.FlowID, e.Steps, e.Limit)
}

// IsStepsExceededError reports whether err is or wraps a *StepsExceededError.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
