package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/sink"
)

// ErrRunNotFound is returned by LoadRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is one row of the runs table.
type RunSummary struct {
	RunID       uuid.UUID `json:"run_id"`
	Name        string    `json:"name"`
	Shape       string    `json:"shape"`
	Broken      bool      `json:"broken"`
	Error       string    `json:"error,omitempty"`
	NumPoints   int       `json:"num_points"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Write stores r in one transaction. DB therefore satisfies sink.Sink.
func (db *DB) Write(ctx context.Context, r *sink.Result) error {
	if err := r.Validate(); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin result tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, shape, broken, error, num_points, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID.String(), r.Name, r.Shape, r.Broken, r.Error, r.Len(),
		r.StartedAt.UnixNano(), r.CompletedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}

	colStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_columns (run_id, column_index, name, role) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer colStmt.Close()
	sampleStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_samples (run_id, column_index, sample_index, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer sampleStmt.Close()

	id := r.RunID.String()
	for ci, c := range r.Columns() {
		if _, err := colStmt.ExecContext(ctx, id, ci, c.Name, string(c.Role)); err != nil {
			return fmt.Errorf("insert column %s: %w", c.Name, err)
		}
		for si, v := range c.Values {
			if _, err := sampleStmt.ExecContext(ctx, id, ci, si, v); err != nil {
				return fmt.Errorf("insert sample %s[%d]: %w", c.Name, si, err)
			}
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	q := `SELECT run_id, name, shape, broken, error, num_points, started_at, completed_at
	      FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		s, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, s)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunSummary, error) {
	var s RunSummary
	var id string
	var started, completed int64
	if err := row.Scan(&id, &s.Name, &s.Shape, &s.Broken, &s.Error, &s.NumPoints, &started, &completed); err != nil {
		return RunSummary{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return RunSummary{}, fmt.Errorf("run id %q: %w", id, err)
	}
	s.RunID = parsed
	s.StartedAt = time.Unix(0, started)
	s.CompletedAt = time.Unix(0, completed)
	return s, nil
}

// LoadRun reads a stored result back.
func (db *DB) LoadRun(ctx context.Context, id uuid.UUID) (*sink.Result, error) {
	s, err := scanRun(db.QueryRowContext(ctx,
		`SELECT run_id, name, shape, broken, error, num_points, started_at, completed_at
		 FROM runs WHERE run_id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	r := &sink.Result{
		RunID: s.RunID, Name: s.Name, Shape: s.Shape, Broken: s.Broken, Error: s.Error,
		StartedAt: s.StartedAt, CompletedAt: s.CompletedAt,
	}

	rows, err := db.QueryContext(ctx,
		`SELECT column_index, name, role FROM run_columns WHERE run_id = ? ORDER BY column_index`, id.String())
	if err != nil {
		return nil, err
	}
	type colRef struct {
		index int
		name  string
		role  sink.Role
	}
	var cols []colRef
	for rows.Next() {
		var c colRef
		var role string
		if err := rows.Scan(&c.index, &c.name, &role); err != nil {
			rows.Close()
			return nil, err
		}
		c.role = sink.Role(role)
		cols = append(cols, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range cols {
		values := make([]float64, 0, s.NumPoints)
		vrows, err := db.QueryContext(ctx,
			`SELECT value FROM run_samples WHERE run_id = ? AND column_index = ? ORDER BY sample_index`,
			id.String(), c.index)
		if err != nil {
			return nil, err
		}
		for vrows.Next() {
			var v float64
			if err := vrows.Scan(&v); err != nil {
				vrows.Close()
				return nil, err
			}
			values = append(values, v)
		}
		vrows.Close()
		if err := vrows.Err(); err != nil {
			return nil, err
		}

		col := sink.Column{Name: c.name, Values: values}
		switch c.role {
		case sink.RoleIndependent:
			r.Independent = col
		case sink.RoleSetpoint:
			r.Setpoints = append(r.Setpoints, col)
		case sink.RoleDependent:
			r.Dependent = append(r.Dependent, col)
		case sink.RoleStatic:
			r.Static = append(r.Static, col)
		}
	}
	return r, nil
}

// SaveTriggerBindings replaces the stored trigger bindings with m.
func (db *DB) SaveTriggerBindings(ctx context.Context, m buffer.TriggerMap) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM trigger_bindings`); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	insert := `INSERT INTO trigger_bindings (instrument, terminal, trigger_name, updated_at) VALUES (?, ?, ?, ?)`
	for inst, s := range m {
		if len(s.Terminals) == 0 {
			if _, err := tx.ExecContext(ctx, insert, inst, "", s.Trigger, now); err != nil {
				return fmt.Errorf("save trigger for %s: %w", inst, err)
			}
			continue
		}
		for term, trig := range s.Terminals {
			if _, err := tx.ExecContext(ctx, insert, inst, term, trig, now); err != nil {
				return fmt.Errorf("save trigger for %s/%s: %w", inst, term, err)
			}
		}
	}
	return tx.Commit()
}

// LoadTriggerBindings returns the stored trigger bindings.
func (db *DB) LoadTriggerBindings(ctx context.Context) (buffer.TriggerMap, error) {
	rows, err := db.QueryContext(ctx, `SELECT instrument, terminal, trigger_name FROM trigger_bindings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	m := buffer.TriggerMap{}
	for rows.Next() {
		var inst, term, trig string
		if err := rows.Scan(&inst, &term, &trig); err != nil {
			return nil, err
		}
		s := m[inst]
		if term == "" {
			s.Trigger = trig
		} else {
			if s.Terminals == nil {
				s.Terminals = map[string]string{}
			}
			s.Terminals[term] = trig
		}
		m[inst] = s
	}
	return m, rows.Err()
}
