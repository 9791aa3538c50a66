// Package querysql compiles record patterns and where-predicates to
// parameterized SQLite SQL over the journal's records table.
//
// Records store input and output as canonical JSON text, so constraints are
// expressed with json_type/json_extract. Every value is bound as a parameter
// and every query ends in a deterministic ORDER BY.
package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/predicate"
)

// RecordColumns is the column list every compiled query selects, in the
// order store.scanRecord expects.
const RecordColumns = "id, flow_id, seq, concept, action, input, output, status, error_code, error_message"

// bindingsExpr merges input and output the way ir.ActionRecord.Bindings
// does. json_patch drops output fields whose value is null.
const bindingsExpr = "json_patch(input, COALESCE(output, '{}'))"

// Query selects the records of one flow that match a pattern and,
// optionally, a predicate over each record's own bindings.
type Query struct {
	FlowID  string
	Pattern ir.Pattern
	Where   predicate.Predicate
	Limit   int
}

// Compile converts q to (sql, params).
//
// Pending records are never returned, matching the engine's candidates.
// Predicates are evaluated per record, not per combination, and a kind
// mismatch in an ordering comparison is false rather than an error.
func Compile(q Query) (string, []any, error) {
	if q.FlowID == "" {
		return "", nil, fmt.Errorf("query needs a flow id")
	}
	if q.Pattern.Concept == "" || q.Pattern.Action == "" {
		return "", nil, fmt.Errorf("query needs a concept and an action")
	}

	var b builder
	b.add("flow_id = ?", q.FlowID)
	b.add("concept = ?", q.Pattern.Concept)
	b.add("action = ?", q.Pattern.Action)
	if q.Pattern.Case != "" {
		b.add("status = ?", string(q.Pattern.Case))
	} else {
		b.add("status != ?", string(ir.StatusPending))
	}

	for _, field := range q.Pattern.Input.SortedKeys() {
		if err := b.equal("input", []string{field}, q.Pattern.Input[field]); err != nil {
			return "", nil, fmt.Errorf("input.%s: %w", field, err)
		}
	}
	for _, field := range q.Pattern.Output.SortedKeys() {
		if err := b.equal("output", []string{field}, q.Pattern.Output[field]); err != nil {
			return "", nil, fmt.Errorf("output.%s: %w", field, err)
		}
	}

	if q.Where != nil {
		sql, params, err := compilePredicate(q.Where)
		if err != nil {
			return "", nil, fmt.Errorf("where: %w", err)
		}
		b.add(sql, params...)
	}

	query := fmt.Sprintf("SELECT %s FROM records WHERE %s ORDER BY seq ASC, id COLLATE BINARY ASC",
		RecordColumns, strings.Join(b.clauses, " AND "))
	if q.Limit > 0 {
		query += " LIMIT ?"
		b.params = append(b.params, q.Limit)
	}
	return query, b.params, nil
}

// CompilePattern is Compile for a bare pattern.
func CompilePattern(flowID string, p ir.Pattern) (string, []any, error) {
	return Compile(Query{FlowID: flowID, Pattern: p})
}

type builder struct {
	clauses []string
	params  []any
}

func (b *builder) add(clause string, params ...any) {
	b.clauses = append(b.clauses, clause)
	b.params = append(b.params, params...)
}

func (b *builder) equal(col string, segs []string, v ir.IRValue) error {
	sql, params, err := equalExpr(col, segs, v)
	if err != nil {
		return err
	}
	b.add(sql, params...)
	return nil
}

// equalExpr is structural equality of the JSON value at segs with v.
// json_type keeps 1, true and "1" apart.
func equalExpr(col string, segs []string, v ir.IRValue) (string, []any, error) {
	path, err := jsonPath(segs)
	if err != nil {
		return "", nil, err
	}

	switch val := v.(type) {
	case ir.IRNull:
		return fmt.Sprintf("json_type(%s, ?) = 'null'", col), []any{path}, nil
	case ir.IRBool:
		typ := "false"
		if val {
			typ = "true"
		}
		return fmt.Sprintf("json_type(%s, ?) = ?", col), []any{path, typ}, nil
	case ir.IRInt:
		return fmt.Sprintf("(json_type(%s, ?) = 'integer' AND json_extract(%s, ?) = ?)", col, col),
			[]any{path, path, int64(val)}, nil
	case ir.IRString:
		return fmt.Sprintf("(json_type(%s, ?) = 'text' AND json_extract(%s, ?) = ?)", col, col),
			[]any{path, path, norm.NFC.String(string(val))}, nil
	case ir.IRArray, ir.IRObject:
		canonical, err := ir.MarshalCanonical(val)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("(json_type(%s, ?) = ? AND json_extract(%s, ?) = ?)", col, col),
			[]any{path, ir.Kind(val), path, string(canonical)}, nil
	case nil:
		return "", nil, fmt.Errorf("missing value")
	default:
		return "", nil, fmt.Errorf("unsupported value %T", v)
	}
}

// jsonPath builds a SQLite JSON path. Keys are always quoted; all-digit
// segments index arrays, as ir.Lookup does.
func jsonPath(segs []string) (string, error) {
	var sb strings.Builder
	sb.WriteString("$")
	for _, seg := range segs {
		if seg == "" {
			return "", fmt.Errorf("empty path segment")
		}
		if strings.ContainsAny(seg, `"\`) {
			return "", fmt.Errorf("path segment %q cannot contain quotes or backslashes", seg)
		}
		if _, err := strconv.Atoi(seg); err == nil && !strings.HasPrefix(seg, "-") {
			sb.WriteString("[" + seg + "]")
			continue
		}
		sb.WriteString(`."` + seg + `"`)
	}
	return sb.String(), nil
}

func splitPath(path string) ([]string, error) {
	if err := ir.ValidatePath(path); err != nil {
		return nil, err
	}
	return strings.Split(path, "."), nil
}

func compilePredicate(p predicate.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case predicate.Eq:
		segs, err := splitPath(pred.Path)
		if err != nil {
			return "", nil, err
		}
		return equalExpr(bindingsExpr, segs, pred.Value)

	case predicate.SameAs:
		left, err := pathParam(pred.Path)
		if err != nil {
			return "", nil, err
		}
		right, err := pathParam(pred.Other)
		if err != nil {
			return "", nil, err
		}
		sql := fmt.Sprintf("(json_type(%[1]s, ?) IS NOT NULL AND json_type(%[1]s, ?) = json_type(%[1]s, ?) AND "+
			"json_extract(%[1]s, ?) IS json_extract(%[1]s, ?))", bindingsExpr)
		return sql, []any{left, left, right, left, right}, nil

	case predicate.Cmp:
		return compileCmp(pred)

	case predicate.Exists:
		path, err := pathParam(pred.Path)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("json_type(%s, ?) IS NOT NULL", bindingsExpr), []any{path}, nil

	case predicate.And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		return compileJoined(pred.Predicates, " AND ")

	case predicate.Or:
		if len(pred.Predicates) == 0 {
			return "1 = 0", nil, nil
		}
		return compileJoined(pred.Predicates, " OR ")

	case predicate.Not:
		if pred.Predicate == nil {
			return "", nil, fmt.Errorf("missing predicate")
		}
		sql, params, err := compilePredicate(pred.Predicate)
		if err != nil {
			return "", nil, err
		}
		// COALESCE keeps NOT of an unknown (NULL) comparison false, like Go.
		return fmt.Sprintf("NOT COALESCE(%s, 0)", sql), params, nil

	case predicate.Func:
		return "", nil, fmt.Errorf("func %q cannot be compiled to SQL", pred.Name)

	case nil:
		return "", nil, fmt.Errorf("missing predicate")

	default:
		return "", nil, fmt.Errorf("unsupported predicate %T", p)
	}
}

func compileCmp(c predicate.Cmp) (string, []any, error) {
	segs, err := splitPath(c.Path)
	if err != nil {
		return "", nil, err
	}
	path, err := jsonPath(segs)
	if err != nil {
		return "", nil, err
	}

	if c.Op == predicate.OpNe {
		eq, params, err := equalExpr(bindingsExpr, segs, c.Value)
		if err != nil {
			return "", nil, err
		}
		sql := fmt.Sprintf("(json_type(%s, ?) IS NOT NULL AND NOT COALESCE(%s, 0))", bindingsExpr, eq)
		return sql, append([]any{path}, params...), nil
	}

	var typ string
	var param any
	switch v := c.Value.(type) {
	case ir.IRInt:
		typ, param = "integer", int64(v)
	case ir.IRString:
		typ, param = "text", norm.NFC.String(string(v))
	default:
		return "", nil, fmt.Errorf("operator %s needs an int or string value, got %s", c.Op, ir.Kind(c.Value))
	}
	switch c.Op {
	case predicate.OpLt, predicate.OpLe, predicate.OpGt, predicate.OpGe:
	default:
		return "", nil, fmt.Errorf("unknown operator %q", c.Op)
	}

	sql := fmt.Sprintf("(json_type(%[1]s, ?) = ? AND json_extract(%[1]s, ?) %[2]s ?)", bindingsExpr, c.Op)
	return sql, []any{path, typ, path, param}, nil
}

func compileJoined(preds []predicate.Predicate, sep string) (string, []any, error) {
	parts := make([]string, 0, len(preds))
	var params []any
	for _, p := range preds {
		sql, ps, err := compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, ps...)
	}
	return "(" + strings.Join(parts, sep) + ")", params, nil
}

func pathParam(path string) (string, error) {
	segs, err := splitPath(path)
	if err != nil {
		return "", err
	}
	return jsonPath(segs)
}
