package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// runTimeLayout has fixed width so timestamps sort as strings.
const runTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRun(ctx context.Context, db execer, r ChartRun) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	ts := created.UTC().Format(runTimeLayout)
	kind := r.InputKind
	if kind == "" {
		kind = InputText
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO chart_runs (id, created_at, updated_at, input_kind, input_text, status, chart_spec_json, error, error_category, debug_trail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, ts, ts, kind, r.InputText, r.Status,
		nullable(r.ChartSpecJSON), nullable(r.Error), nullable(r.ErrorCategory), nullable(r.DebugTrail),
	)
	return err
}

// SaveRun inserts a chart run. Status defaults to RunRunning.
func (s *Store) SaveRun(ctx context.Context, r ChartRun) error {
	if r.Status == "" {
		r.Status = RunRunning
	}
	return insertRun(ctx, s.db, r)
}

// FinishRun stores the outcome of a run: the chart on success, the error and
// its category on failure, and the debug trail either way.
func (s *Store) FinishRun(ctx context.Context, r ChartRun) error {
	now := time.Now().UTC().Format(runTimeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE chart_runs
		SET status = ?, chart_spec_json = ?, error = ?, error_category = ?, debug_trail = ?, updated_at = ?
		WHERE id = ?`,
		r.Status, nullable(r.ChartSpecJSON), nullable(r.Error), nullable(r.ErrorCategory), nullable(r.DebugTrail), now, r.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SetRunStatus updates only the status of a run.
func (s *Store) SetRunStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC().Format(runTimeLayout)
	res, err := s.db.ExecContext(ctx, `UPDATE chart_runs SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

const runColumns = `id, created_at, updated_at, input_kind, input_text, status, chart_spec_json, error, error_category, debug_trail`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (ChartRun, error) {
	var r ChartRun
	var createdAt, updatedAt string
	var spec, errMsg, category, trail sql.NullString
	if err := row.Scan(&r.ID, &createdAt, &updatedAt, &r.InputKind, &r.InputText, &r.Status, &spec, &errMsg, &category, &trail); err != nil {
		return ChartRun{}, err
	}
	r.ChartSpecJSON = spec.String
	r.Error = errMsg.String
	r.ErrorCategory = category.String
	r.DebugTrail = trail.String

	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return ChartRun{}, fmt.Errorf("parsing created_at for run %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return ChartRun{}, fmt.Errorf("parsing updated_at for run %s: %w", r.ID, err)
	}
	return r, nil
}

// GetRun returns the run with id or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (ChartRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM chart_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChartRun{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]ChartRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM chart_runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ChartRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its job, if any.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM chart_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
