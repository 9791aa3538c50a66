// Package eventing publishes journal events outside the process.
//
// An Event is one mutation of the action log: a record appended, a record
// completed, or a rule firing. Stream writes events to a Redis stream;
// Async decouples any Sink from the cascade through an in-memory queue.
package eventing

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roach88/cascade/internal/ir"
)

// Kind distinguishes event types.
type Kind string

const (
	KindAppended  Kind = "record_appended"
	KindCompleted Kind = "record_completed"
	KindFired     Kind = "rule_fired"
)

// Event is one journal mutation. Exactly one of Record and Firing is set.
type Event struct {
	Kind   Kind             `json:"kind"`
	FlowID string           `json:"flow_id"`
	Seq    int64            `json:"seq"`
	Record *ir.ActionRecord `json:"record,omitempty"`
	Firing *ir.Firing       `json:"firing,omitempty"`
}

// RecordEvent builds the event for an appended or completed record.
func RecordEvent(kind Kind, rec ir.ActionRecord) Event {
	return Event{Kind: kind, FlowID: rec.FlowID, Seq: rec.Seq, Record: &rec}
}

// FiringEvent builds the event for a rule firing.
func FiringEvent(f ir.Firing) Event {
	return Event{Kind: KindFired, FlowID: f.FlowID, Seq: f.Seq, Firing: &f}
}

// Values flattens the event into stream fields. The full event travels as
// JSON in "payload"; the other fields allow filtering without decoding.
func (e Event) Values() (map[string]any, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	values := map[string]any{
		"kind":    string(e.Kind),
		"flow_id": e.FlowID,
		"seq":     strconv.FormatInt(e.Seq, 10),
		"payload": string(payload),
	}
	switch {
	case e.Record != nil:
		values["concept"] = e.Record.Concept
		values["action"] = e.Record.Action
		values["status"] = string(e.Record.Status)
	case e.Firing != nil:
		values["rule"] = e.Firing.Rule
	}
	return values, nil
}

// DecodeEvent parses the payload field of a stream message.
func DecodeEvent(values map[string]any) (Event, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return Event{}, fmt.Errorf("decode event: payload missing")
	}
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Record == nil && e.Firing == nil {
		return Event{}, fmt.Errorf("decode event: %s event has no body", e.Kind)
	}
	return e, nil
}
