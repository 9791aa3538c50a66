// Package actionlog is the append-only, flow-scoped store of action records.
//
// Each flow keeps its records in invocation order plus an index by
// (concept, action), so match candidates are found without scanning the
// flow. Records are never removed individually; a whole flow is dropped
// when its request is finished.
package actionlog

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/cascade/internal/ir"
)

var (
	ErrEmptyFlowID      = errors.New("flow id is empty")
	ErrUnknownFlow      = errors.New("flow has no records")
	ErrUnknownRecord    = errors.New("record not found")
	ErrAlreadyCompleted = errors.New("record already completed")
)

// Log holds the records of every live flow.
type Log struct {
	clock *Clock

	mu    sync.RWMutex
	flows map[string]*flowLog
}

type flowLog struct {
	records []*ir.ActionRecord
	byID    map[string]*ir.ActionRecord
	byKey   map[ir.ActionKey][]*ir.ActionRecord
}

// New creates an empty log with its own clock.
func New() *Log {
	return NewWithClock(NewClock())
}

// NewWithClock creates an empty log stamping records from clock.
func NewWithClock(clock *Clock) *Log {
	return &Log{clock: clock, flows: make(map[string]*flowLog)}
}

// Clock returns the clock the log stamps records with.
func (l *Log) Clock() *Clock {
	return l.clock
}

// Append adds a pending record to flowID and indexes it by (concept, action).
// The input is copied, so later mutation by the caller or the concept does
// not change the log.
func (l *Log) Append(flowID, concept, action string, input ir.IRObject) (ir.ActionRecord, error) {
	if flowID == "" {
		return ir.ActionRecord{}, ErrEmptyFlowID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.clock.Next()
	in := input.Clone()
	id, err := ir.RecordID(flowID, seq, concept, action, in)
	if err != nil {
		return ir.ActionRecord{}, fmt.Errorf("append %s.%s: %w", concept, action, err)
	}

	rec := &ir.ActionRecord{
		ID:      id,
		Seq:     seq,
		FlowID:  flowID,
		Concept: concept,
		Action:  action,
		Input:   in,
		Status:  ir.StatusPending,
	}

	fl, ok := l.flows[flowID]
	if !ok {
		fl = &flowLog{
			byID:  make(map[string]*ir.ActionRecord),
			byKey: make(map[ir.ActionKey][]*ir.ActionRecord),
		}
		l.flows[flowID] = fl
	}
	fl.records = append(fl.records, rec)
	fl.byID[id] = rec
	fl.byKey[rec.Key()] = append(fl.byKey[rec.Key()], rec)

	return snapshot(rec), nil
}

// Complete sets the output of a pending record.
func (l *Log) Complete(flowID, id string, output ir.IRObject) (ir.ActionRecord, error) {
	if output == nil {
		output = ir.IRObject{}
	}
	return l.finish(flowID, id, func(rec *ir.ActionRecord) {
		rec.Output = output.Clone()
		rec.Status = ir.StatusOK
	})
}

// Fail sets the error marker of a pending record. The record's output
// becomes the marker's output shape so patterns can match on it.
func (l *Log) Fail(flowID, id string, marker ir.RecordError) (ir.ActionRecord, error) {
	return l.finish(flowID, id, func(rec *ir.ActionRecord) {
		m := marker
		rec.Error = &m
		rec.Output = m.Output()
		rec.Status = ir.StatusError
	})
}

func (l *Log) finish(flowID, id string, set func(*ir.ActionRecord)) (ir.ActionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.lookup(flowID, id)
	if err != nil {
		return ir.ActionRecord{}, err
	}
	if rec.Done() {
		return ir.ActionRecord{}, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}
	set(rec)
	return snapshot(rec), nil
}

// Candidates returns the completed records of flowID with the given key that
// excludingRule has not consumed, in seq order. An empty excludingRule
// excludes nothing.
func (l *Log) Candidates(flowID string, key ir.ActionKey, excludingRule string) []ir.ActionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fl, ok := l.flows[flowID]
	if !ok {
		return nil
	}
	var out []ir.ActionRecord
	for _, rec := range fl.byKey[key] {
		if !rec.Done() {
			continue
		}
		if excludingRule != "" && rec.Consumed(excludingRule) {
			continue
		}
		out = append(out, snapshot(rec))
	}
	return out
}

// Consume marks every record in ids as consumed by rule. Marks are set
// semantics: consuming twice is a no-op.
func (l *Log) Consume(flowID, rule string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := make([]*ir.ActionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := l.lookup(flowID, id)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	for _, rec := range recs {
		if !rec.Consumed(rule) {
			rec.ConsumedBy = append(rec.ConsumedBy, rule)
			sort.Strings(rec.ConsumedBy)
		}
	}
	return nil
}

// Record returns one record of flowID.
func (l *Log) Record(flowID, id string) (ir.ActionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, err := l.lookup(flowID, id)
	if err != nil {
		return ir.ActionRecord{}, err
	}
	return snapshot(rec), nil
}

// Records returns every record of flowID in invocation order.
func (l *Log) Records(flowID string) []ir.ActionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fl, ok := l.flows[flowID]
	if !ok {
		return nil
	}
	out := make([]ir.ActionRecord, len(fl.records))
	for i, rec := range fl.records {
		out[i] = snapshot(rec)
	}
	return out
}

// Len returns the number of records in flowID.
func (l *Log) Len(flowID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if fl, ok := l.flows[flowID]; ok {
		return len(fl.records)
	}
	return 0
}

// Flows returns the ids of all live flows, sorted.
func (l *Log) Flows() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.flows))
	for id := range l.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drop discards every record of flowID. It reports whether the flow existed.
func (l *Log) Drop(flowID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.flows[flowID]
	delete(l.flows, flowID)
	return ok
}

func (l *Log) lookup(flowID, id string) (*ir.ActionRecord, error) {
	fl, ok := l.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, flowID)
	}
	rec, ok := fl.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in flow %q", ErrUnknownRecord, id, flowID)
	}
	return rec, nil
}

// snapshot copies rec so callers never alias the log's consumption marks.
// Input and Output are immutable once set and are shared.
func snapshot(rec *ir.ActionRecord) ir.ActionRecord {
	cp := *rec
	cp.ConsumedBy = slices.Clone(rec.ConsumedBy)
	return cp
}
