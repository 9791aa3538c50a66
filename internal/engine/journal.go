package engine

import (
	"context"
	"errors"

	"github.com/roach88/cascade/internal/ir"
)

// Journal observes every mutation of the action log: a record appended, a
// record completed (ok or error), and a rule firing that consumed records.
//
// Journals are observers. The in-memory action log stays the source of truth
// for matching, and a journal failure is logged without affecting the
// cascade.
type Journal interface {
	Append(ctx context.Context, rec ir.ActionRecord) error
	Complete(ctx context.Context, rec ir.ActionRecord) error
	Fire(ctx context.Context, f ir.Firing) error
}

// MultiJournal fans every call out to each journal in order and joins
// their errors.
type MultiJournal []Journal

// Append implements Journal.
func (m MultiJournal) Append(ctx context.Context, rec ir.ActionRecord) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.Append(ctx, rec))
	}
	return errors.Join(errs...)
}

// Complete implements Journal.
func (m MultiJournal) Complete(ctx context.Context, rec ir.ActionRecord) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.Complete(ctx, rec))
	}
	return errors.Join(errs...)
}

// Fire implements Journal.
func (m MultiJournal) Fire(ctx context.Context, f ir.Firing) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.Fire(ctx, f))
	}
	return errors.Join(errs...)
}
