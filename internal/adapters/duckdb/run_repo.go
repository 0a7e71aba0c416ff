package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// SaveRun upserts the run summary; steps are stored as a JSON array.
func (r *Repository) SaveRun(ctx context.Context, rec domain.RunRecord) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, query, state, iterations, answer, abort_reason, trace_id, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state        = excluded.state,
			iterations   = excluded.iterations,
			answer       = excluded.answer,
			abort_reason = excluded.abort_reason,
			trace_id     = excluded.trace_id,
			steps        = excluded.steps,
			updated_at   = excluded.updated_at`,
		string(rec.ID), string(rec.SessionID), rec.Query, string(rec.State), rec.Iterations,
		rec.Answer, rec.AbortReason, string(rec.TraceID), string(steps),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

const runColumns = `id, session_id, query, state, iterations, answer, abort_reason, trace_id, steps, created_at, updated_at`

func (r *Repository) GetRun(ctx context.Context, id domain.RunID) (domain.RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, string(id))
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunRecord{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the session's runs oldest first.
func (r *Repository) ListRuns(ctx context.Context, id domain.SessionID) ([]domain.RunRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE session_id = ? ORDER BY created_at ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []domain.RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (domain.RunRecord, error) {
	var rec domain.RunRecord
	var state string
	var answer, reason, traceID, steps sql.NullString
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.Query, &state, &rec.Iterations,
		&answer, &reason, &traceID, &steps, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.RunRecord{}, err
	}
	rec.State = domain.LoopState(state)
	rec.Answer = answer.String
	rec.AbortReason = reason.String
	rec.TraceID = domain.TraceID(traceID.String)
	if steps.Valid && steps.String != "" && steps.String != "null" {
		if err := json.Unmarshal([]byte(steps.String), &rec.Steps); err != nil {
			return domain.RunRecord{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return rec, nil
}
