// Package pgstore is a PostgreSQL journal of cascade flows.
//
// It mirrors the SQLite store for deployments that already run Postgres:
// records and firings land in two tables, input and output as jsonb, and
// every read orders by seq then id.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/cascade/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Store journals records and firings to PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the journal tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Append writes a record; writing the same record twice is a no-op.
func (s *Store) Append(ctx context.Context, rec ir.ActionRecord) error {
	if err := s.upsert(ctx, rec); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Complete stores the outcome of a record. The first completion wins.
func (s *Store) Complete(ctx context.Context, rec ir.ActionRecord) error {
	if !rec.Done() {
		return fmt.Errorf("complete record %s: record is still pending", rec.ID)
	}
	if err := s.upsert(ctx, rec); err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, rec ir.ActionRecord) error {
	input, err := canonical(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	var output *string
	if rec.Done() {
		out, err := canonical(rec.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		output = &out
	}
	var code, message *string
	if rec.Error != nil {
		code, message = &rec.Error.Code, &rec.Error.Message
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cascade_records
		(id, flow_id, seq, concept, action, input, output, status, error_code, error_message, engine_version)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			output = EXCLUDED.output,
			status = EXCLUDED.status,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message
		WHERE cascade_records.status = 'pending' AND EXCLUDED.status <> 'pending'
	`, rec.ID, rec.FlowID, rec.Seq, rec.Concept, rec.Action, input, output,
		string(rec.Status), code, message, ir.EngineVersion)
	return err
}

// Fire stores one consumed combination. Firings are unique by combination
// key, so a repeated firing is a no-op.
func (s *Store) Fire(ctx context.Context, f ir.Firing) error {
	if len(f.RecordIDs) == 0 {
		return fmt.Errorf("write firing: rule %s consumed no records", f.Rule)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_firings (combination_key, flow_id, rule, seq, record_ids)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (combination_key) DO NOTHING
	`, f.Key(), f.FlowID, f.Rule, f.Seq, f.RecordIDs)
	if err != nil {
		return fmt.Errorf("write firing: %w", err)
	}
	return nil
}

// ReadFlow returns the records of a flow in seq order with their consumers.
func (s *Store) ReadFlow(ctx context.Context, flowID string) ([]ir.ActionRecord, error) {
	records, err := s.readWhere(ctx, `r.flow_id = $1`, flowID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []ir.ActionRecord{}
	}
	return records, nil
}

// ReadFirings returns the firings of a flow in seq order.
func (s *Store) ReadFirings(ctx context.Context, flowID string) ([]ir.Firing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule, flow_id, seq, record_ids
		FROM cascade_firings
		WHERE flow_id = $1
		ORDER BY seq ASC, id ASC
	`, flowID)
	if err != nil {
		return nil, fmt.Errorf("query firings: %w", err)
	}
	firings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ir.Firing, error) {
		var f ir.Firing
		err := row.Scan(&f.Rule, &f.FlowID, &f.Seq, &f.RecordIDs)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect firings: %w", err)
	}
	return firings, nil
}

// ErrNotFound is returned by ReadRecord for an unknown id.
var ErrNotFound = errors.New("record not found")

// ReadRecord returns one record by id.
func (s *Store) ReadRecord(ctx context.Context, id string) (ir.ActionRecord, error) {
	records, err := s.readWhere(ctx, `r.id = $1`, id)
	if err != nil {
		return ir.ActionRecord{}, err
	}
	if len(records) == 0 {
		return ir.ActionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return records[0], nil
}

func (s *Store) readWhere(ctx context.Context, where string, args ...any) ([]ir.ActionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.flow_id, r.seq, r.concept, r.action, r.input::text, r.output::text,
		       r.status, r.error_code, r.error_message,
		       COALESCE(ARRAY(
		           SELECT DISTINCT f.rule FROM cascade_firings f
		           WHERE f.flow_id = r.flow_id AND r.id = ANY(f.record_ids)
		           ORDER BY f.rule
		       ), '{}')
		FROM cascade_records r
		WHERE `+where+`
		ORDER BY r.seq ASC, r.id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("collect records: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (ir.ActionRecord, error) {
	var (
		rec       ir.ActionRecord
		input     string
		output    *string
		status    string
		code      *string
		message   *string
		consumers []string
	)
	if err := row.Scan(&rec.ID, &rec.FlowID, &rec.Seq, &rec.Concept, &rec.Action,
		&input, &output, &status, &code, &message, &consumers); err != nil {
		return ir.ActionRecord{}, err
	}

	rec.Status = ir.Status(status)
	if err := json.Unmarshal([]byte(input), &rec.Input); err != nil {
		return ir.ActionRecord{}, fmt.Errorf("record %s input: %w", rec.ID, err)
	}
	if output != nil {
		if err := json.Unmarshal([]byte(*output), &rec.Output); err != nil {
			return ir.ActionRecord{}, fmt.Errorf("record %s output: %w", rec.ID, err)
		}
	}
	if rec.Status == ir.StatusError {
		rec.Error = &ir.RecordError{}
		if code != nil {
			rec.Error.Code = *code
		}
		if message != nil {
			rec.Error.Message = *message
		}
	}
	if len(consumers) > 0 {
		rec.ConsumedBy = consumers
	}
	return rec, nil
}

func canonical(obj ir.IRObject) (string, error) {
	if obj == nil {
		obj = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
