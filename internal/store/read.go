package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/querysql"
)

// ReadFlow returns the records of a flow in seq order, with the rules that
// consumed each record.
//
// Returns an empty slice (not nil) if the flow has no records.
func (s *Store) ReadFlow(ctx context.Context, flowID string) ([]ir.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+querysql.RecordColumns+`
		FROM records
		WHERE flow_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachConsumers(ctx, flowID, records); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadRecord retrieves one record by id. Returns sql.ErrNoRows if not found.
func (s *Store) ReadRecord(ctx context.Context, id string) (ir.ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+querysql.RecordColumns+`
		FROM records
		WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return ir.ActionRecord{}, err
	}
	records := []ir.ActionRecord{rec}
	if err := s.attachConsumers(ctx, rec.FlowID, records); err != nil {
		return ir.ActionRecord{}, err
	}
	return records[0], nil
}

// ReadFirings returns the firings of a flow in seq order, each with its
// records in pattern order.
func (s *Store) ReadFirings(ctx context.Context, flowID string) ([]ir.Firing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.rule, f.seq, fr.record_id
		FROM firings f
		JOIN firing_records fr ON fr.firing_id = f.id
		WHERE f.flow_id = ?
		ORDER BY f.seq ASC, f.id ASC, fr.position ASC
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("query firings: %w", err)
	}
	defer rows.Close()

	firings := []ir.Firing{}
	lastID := int64(-1)
	for rows.Next() {
		var (
			id       int64
			rule     string
			seq      int64
			recordID string
		)
		if err := rows.Scan(&id, &rule, &seq, &recordID); err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		if id != lastID {
			firings = append(firings, ir.Firing{Rule: rule, FlowID: flowID, Seq: seq})
			lastID = id
		}
		last := &firings[len(firings)-1]
		last.RecordIDs = append(last.RecordIDs, recordID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firings: %w", err)
	}
	return firings, nil
}

// FlowSummary describes one journaled flow.
type FlowSummary struct {
	FlowID   string `json:"flow_id"`
	Records  int    `json:"records"`
	FirstSeq int64  `json:"first_seq"`
	LastSeq  int64  `json:"last_seq"`
}

// Flows lists journaled flows ordered by their first record.
func (s *Store) Flows(ctx context.Context) ([]FlowSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, COUNT(*), MIN(seq), MAX(seq)
		FROM records
		GROUP BY flow_id
		ORDER BY MIN(seq) ASC, flow_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	flows := []FlowSummary{}
	for rows.Next() {
		var f FlowSummary
		if err := rows.Scan(&f.FlowID, &f.Records, &f.FirstSeq, &f.LastSeq); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return flows, nil
}

// LastSeq returns the highest seq in the journal, or 0 when it is empty.
// A new action log clock starts after it so journaled seqs stay unique.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM records`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

// Match runs a compiled pattern query against the journal.
func (s *Store) Match(ctx context.Context, q querysql.Query) ([]ir.ActionRecord, error) {
	query, params, err := querysql.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("match records: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachConsumers(ctx, q.FlowID, records); err != nil {
		return nil, err
	}
	return records, nil
}

// attachConsumers fills ConsumedBy from the firings of flowID.
func (s *Store) attachConsumers(ctx context.Context, flowID string, records []ir.ActionRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT fr.record_id, f.rule
		FROM firing_records fr
		JOIN firings f ON f.id = fr.firing_id
		WHERE f.flow_id = ?
		ORDER BY f.rule COLLATE BINARY ASC
	`, flowID)
	if err != nil {
		return fmt.Errorf("query consumers: %w", err)
	}
	defer rows.Close()

	consumers := make(map[string][]string)
	for rows.Next() {
		var recordID, rule string
		if err := rows.Scan(&recordID, &rule); err != nil {
			return fmt.Errorf("scan consumer: %w", err)
		}
		consumers[recordID] = append(consumers[recordID], rule)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate consumers: %w", err)
	}

	for i := range records {
		if rules, ok := consumers[records[i].ID]; ok {
			records[i].ConsumedBy = slices.Clone(rules)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecords(rows *sql.Rows) ([]ir.ActionRecord, error) {
	defer rows.Close()

	records := []ir.ActionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// scanRecord reads the columns of querysql.RecordColumns.
func scanRecord(row rowScanner) (ir.ActionRecord, error) {
	var (
		rec     ir.ActionRecord
		input   string
		output  sql.NullString
		status  string
		code    sql.NullString
		message sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.FlowID, &rec.Seq, &rec.Concept, &rec.Action,
		&input, &output, &status, &code, &message)
	if err != nil {
		if err == sql.ErrNoRows {
			return ir.ActionRecord{}, err
		}
		return ir.ActionRecord{}, fmt.Errorf("scan record: %w", err)
	}

	rec.Status = ir.Status(status)
	if rec.Input, err = unmarshalObject(input); err != nil {
		return ir.ActionRecord{}, fmt.Errorf("record %s input: %w", rec.ID, err)
	}
	if output.Valid {
		if rec.Output, err = unmarshalObject(output.String); err != nil {
			return ir.ActionRecord{}, fmt.Errorf("record %s output: %w", rec.ID, err)
		}
	}
	if rec.Status == ir.StatusError {
		rec.Error = &ir.RecordError{Code: code.String, Message: message.String}
	}
	return rec, nil
}
