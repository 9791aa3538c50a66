package engine

import "github.com/roach88/cascade/internal/ir"

// match returns the records of flowID that satisfy pattern and that rule has
// not consumed, in seq order.
//
// Candidates come from the log's (concept, action) index; the pattern's
// input and output constraints are then checked field by field. Fields the
// pattern does not name never restrict the match.
func (e *Engine) match(flowID string, pattern ir.Pattern, rule string) []ir.ActionRecord {
	candidates := e.log.Candidates(flowID, pattern.Key(), rule)

	matched := candidates[:0]
	for _, rec := range candidates {
		if pattern.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	return matched
}
