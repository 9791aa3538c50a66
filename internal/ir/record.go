package ir

import "slices"

// Status is the lifecycle state of an action record.
type Status string

const (
	StatusPending Status = "pending"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
)

// ErrorField is the output field that carries the error marker of a failed
// record. Its value is an object {"code": ..., "message": ...}.
const ErrorField = "error"

// RecordError is the error marker stored on a failed record.
type RecordError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Output returns the output shape of a failed record.
func (e RecordError) Output() IRObject {
	return IRObject{
		ErrorField: IRObject{
			"code":    IRString(e.Code),
			"message": IRString(e.Message),
		},
	}
}

// ActionRecord is one invocation of a concept action within a flow.
//
// A record is created pending, completed exactly once (ok or error), and
// afterwards only accumulates consumption marks.
type ActionRecord struct {
	ID         string       `json:"id"`
	Seq        int64        `json:"seq"`
	FlowID     string       `json:"flow_id"`
	Concept    string       `json:"concept"`
	Action     string       `json:"action"`
	Input      IRObject     `json:"input"`
	Output     IRObject     `json:"output,omitempty"`
	Status     Status       `json:"status"`
	Error      *RecordError `json:"error,omitempty"`
	ConsumedBy []string     `json:"consumed_by,omitempty"`
}

// Key returns the (concept, action) index key of the record.
func (r ActionRecord) Key() ActionKey {
	return ActionKey{Concept: r.Concept, Action: r.Action}
}

// Bindings merges the record's input and output fields.
// Output wins on a name collision.
func (r ActionRecord) Bindings() IRObject {
	return r.Input.Merge(r.Output)
}

// Consumed reports whether rule has already consumed the record.
func (r ActionRecord) Consumed(rule string) bool {
	return slices.Contains(r.ConsumedBy, rule)
}

// Done reports whether the record has been completed.
func (r ActionRecord) Done() bool {
	return r.Status == StatusOK || r.Status == StatusError
}

// ActionKey is the index key of records: one concept action.
type ActionKey struct {
	Concept string
	Action  string
}

// String returns "Concept.action".
func (k ActionKey) String() string {
	return k.Concept + "." + k.Action
}

// Firing is one consumed fact combination: the records a rule fired on.
type Firing struct {
	Rule      string   `json:"rule"`
	FlowID    string   `json:"flow_id"`
	Seq       int64    `json:"seq"`
	RecordIDs []string `json:"record_ids"`
}

// Key returns the combination key of the firing.
func (f Firing) Key() string {
	return CombinationKey(f.Rule, f.RecordIDs)
}
