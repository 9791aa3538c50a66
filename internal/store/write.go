package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/cascade/internal/ir"
)

// Append writes a record. It uses ON CONFLICT(id) DO NOTHING, so writing the
// same record twice is a no-op.
func (s *Store) Append(ctx context.Context, rec ir.ActionRecord) error {
	if err := s.upsertRecord(ctx, rec); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Complete stores the outcome of a record. A record is completed at most
// once: a second completion leaves the first in place. A record that was
// never appended is inserted whole.
func (s *Store) Complete(ctx context.Context, rec ir.ActionRecord) error {
	if rec.Status == ir.StatusPending {
		return fmt.Errorf("complete record %s: record is still pending", rec.ID)
	}
	if err := s.upsertRecord(ctx, rec); err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	return nil
}

func (s *Store) upsertRecord(ctx context.Context, rec ir.ActionRecord) error {
	input, err := marshalObject(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	var output sql.NullString
	if rec.Done() {
		out, err := marshalObject(rec.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		output = sql.NullString{String: out, Valid: true}
	}

	var code, message sql.NullString
	if rec.Error != nil {
		code = nullString(rec.Error.Code)
		message = sql.NullString{String: rec.Error.Message, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records
		(id, flow_id, seq, concept, action, input, output, status, error_code, error_message, engine_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			output = excluded.output,
			status = excluded.status,
			error_code = excluded.error_code,
			error_message = excluded.error_message
		WHERE records.status = 'pending' AND excluded.status != 'pending'
	`,
		rec.ID,
		rec.FlowID,
		rec.Seq,
		rec.Concept,
		rec.Action,
		input,
		output,
		string(rec.Status),
		code,
		message,
		ir.EngineVersion,
	)
	return err
}

// Fire implements the journal's firing hook.
func (s *Store) Fire(ctx context.Context, f ir.Firing) error {
	_, _, err := s.WriteFiring(ctx, f)
	return err
}

// WriteFiring stores one consumed combination and returns its row id and
// whether it was new. Firings are unique by combination key; writing the
// same combination again returns the existing id and inserted=false.
//
// Every record of the firing must already be in the store.
func (s *Store) WriteFiring(ctx context.Context, f ir.Firing) (id int64, inserted bool, err error) {
	if len(f.RecordIDs) == 0 {
		return 0, false, fmt.Errorf("write firing: rule %s consumed no records", f.Rule)
	}
	key := f.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("write firing: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO firings (combination_key, flow_id, rule, seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(combination_key) DO NOTHING
	`, key, f.FlowID, f.Rule, f.Seq)
	if err != nil {
		return 0, false, fmt.Errorf("write firing: insert: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("write firing: rows affected: %w", err)
	}

	if affected == 0 {
		if err := tx.QueryRowContext(ctx, `SELECT id FROM firings WHERE combination_key = ?`, key).Scan(&id); err != nil {
			return 0, false, fmt.Errorf("write firing: select existing: %w", err)
		}
		return id, false, tx.Commit()
	}

	id, err = result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("write firing: last insert id: %w", err)
	}
	for pos, recordID := range f.RecordIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO firing_records (firing_id, position, record_id) VALUES (?, ?, ?)
		`, id, pos, recordID); err != nil {
			return 0, false, fmt.Errorf("write firing: record %s: %w", recordID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("write firing: commit: %w", err)
	}
	return id, true, nil
}
