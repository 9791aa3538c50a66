package harness

import (
	"github.com/roach88/cascade/internal/ir"
)

// TraceEvent is one action record of the scenario flow.
type TraceEvent struct {
	Seq        int64       `json:"seq"`
	Action     string      `json:"action"`
	Input      ir.IRObject `json:"input"`
	Output     ir.IRObject `json:"output,omitempty"`
	Status     ir.Status   `json:"status"`
	ConsumedBy []string    `json:"consumed_by,omitempty"`
}

func traceEvent(rec ir.ActionRecord) TraceEvent {
	return TraceEvent{
		Seq:        rec.Seq,
		Action:     rec.Key().String(),
		Input:      rec.Input,
		Output:     rec.Output,
		Status:     rec.Status,
		ConsumedBy: rec.ConsumedBy,
	}
}

// value converts the event to an IR object for canonical encoding.
func (e TraceEvent) value() ir.IRObject {
	obj := ir.IRObject{
		"seq":    ir.IRInt(e.Seq),
		"action": ir.IRString(e.Action),
		"input":  nonNil(e.Input),
		"status": ir.IRString(e.Status),
	}
	if e.Output != nil {
		obj["output"] = e.Output
	}
	if len(e.ConsumedBy) > 0 {
		rules := make(ir.IRArray, len(e.ConsumedBy))
		for i, r := range e.ConsumedBy {
			rules[i] = ir.IRString(r)
		}
		obj["consumed_by"] = rules
	}
	return obj
}

func nonNil(obj ir.IRObject) ir.IRObject {
	if obj == nil {
		return ir.IRObject{}
	}
	return obj
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	FlowID string `json:"flow_id"`

	// Trace holds the flow's records in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult(flowID string) *Result {
	return &Result{
		Pass:   true,
		FlowID: flowID,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
