package ir

// Pattern is one when-clause of a rule.
//
// Input and Output are partial constraints: every named field must equal the
// record's value, unnamed fields are wildcards. Case restricts the outcome;
// empty matches both successes and failures.
type Pattern struct {
	Concept string   `json:"concept"`
	Action  string   `json:"action"`
	Input   IRObject `json:"input,omitempty"`
	Output  IRObject `json:"output,omitempty"`
	Case    Status   `json:"case,omitempty"`
}

// Key returns the (concept, action) key the pattern matches on.
func (p Pattern) Key() ActionKey {
	return ActionKey{Concept: p.Concept, Action: p.Action}
}

// Matches reports whether rec satisfies the pattern's key, constraints and
// case. Consumption is not considered here.
func (p Pattern) Matches(rec ActionRecord) bool {
	if rec.Concept != p.Concept || rec.Action != p.Action {
		return false
	}
	if p.Case != "" && rec.Status != p.Case {
		return false
	}
	return constrained(p.Input, rec.Input) && constrained(p.Output, rec.Output)
}

func constrained(want, got IRObject) bool {
	for field, v := range want {
		actual, ok := got[field]
		if !ok || !Equal(v, actual) {
			return false
		}
	}
	return true
}

// Filter prunes binding combinations of a rule.
type Filter interface {
	Match(bindings IRObject) (bool, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(bindings IRObject) (bool, error)

// Match calls f.
func (f FilterFunc) Match(bindings IRObject) (bool, error) {
	return f(bindings)
}

// Invocation is one then-clause template of a rule.
type Invocation struct {
	Concept string          `json:"concept"`
	Action  string          `json:"action"`
	Args    map[string]Term `json:"args,omitempty"`
}

// Key returns the (concept, action) key the invocation targets.
func (i Invocation) Key() ActionKey {
	return ActionKey{Concept: i.Concept, Action: i.Action}
}

// SyncRule is one synchronization: when all patterns match records of one
// flow and the filter passes, invoke every template.
type SyncRule struct {
	Name  string       `json:"name"`
	When  []Pattern    `json:"when"`
	Where Filter       `json:"where,omitempty"`
	Then  []Invocation `json:"then"`
}

// MarshalJSON encodes a Go filter as an opaque marker.
func (f FilterFunc) MarshalJSON() ([]byte, error) {
	return []byte(`{"func":"go"}`), nil
}
