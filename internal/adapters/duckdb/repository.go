package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

// ErrSettingNotFound is returned by GetSetting for unknown keys.
var ErrSettingNotFound = errors.New("setting not found")

// Repository persists sessions, turns, runs, traces and settings in one DuckDB file.
type Repository struct {
	db *sql.DB
}

var _ ports.Repository = (*Repository)(nil)

// NewRepository opens (or creates) the database at path and applies the schema.
// An empty path opens an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

var kernelSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id VARCHAR PRIMARY KEY,
		title VARCHAR NOT NULL DEFAULT '',
		pending_run_id VARCHAR,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE SEQUENCE IF NOT EXISTS turn_seq START 1`,
	`CREATE TABLE IF NOT EXISTS turns (
		seq BIGINT PRIMARY KEY DEFAULT nextval('turn_seq'),
		id VARCHAR NOT NULL,
		session_id VARCHAR NOT NULL,
		role VARCHAR NOT NULL,
		text VARCHAR NOT NULL,
		run_id VARCHAR,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id VARCHAR PRIMARY KEY,
		session_id VARCHAR NOT NULL,
		query VARCHAR NOT NULL,
		state VARCHAR NOT NULL,
		iterations INTEGER NOT NULL,
		answer VARCHAR,
		abort_reason VARCHAR,
		trace_id VARCHAR,
		steps JSON,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS traces (
		id VARCHAR PRIMARY KEY,
		name VARCHAR NOT NULL,
		status VARCHAR NOT NULL,
		session_id VARCHAR,
		run_id VARCHAR,
		root_span_id VARCHAR,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		duration_ms BIGINT,
		span_count INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS spans (
		id VARCHAR PRIMARY KEY,
		trace_id VARCHAR NOT NULL,
		parent_id VARCHAR,
		name VARCHAR NOT NULL,
		kind VARCHAR NOT NULL,
		status VARCHAR NOT NULL,
		input VARCHAR,
		output VARCHAR,
		error VARCHAR,
		model VARCHAR,
		attributes JSON,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		duration_ms BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key VARCHAR PRIMARY KEY,
		value VARCHAR NOT NULL
	)`,
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range kernelSchema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on ';' and drops blank and comment-only pieces.
func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// --- Sessions ---

func (r *Repository) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, pending_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(s.ID), s.Title, pendingRunArg(s.PendingRunID), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, pending_run_id, created_at, updated_at
		FROM sessions WHERE id = ?`, string(id))

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *Repository) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, pending_run_id, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []domain.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateSession(ctx context.Context, s domain.Session) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, pending_run_id = ?, updated_at = ?
		WHERE id = ?`,
		s.Title, pendingRunArg(s.PendingRunID), s.UpdatedAt, string(s.ID),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, s.ID)
	}
	return nil
}

func (r *Repository) DeleteSession(ctx context.Context, id domain.SessionID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM turns WHERE session_id = ?`,
		`DELETE FROM runs WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, string(id)); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var pending sql.NullString
	if err := row.Scan(&s.ID, &s.Title, &pending, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Session{}, err
	}
	if pending.Valid && pending.String != "" {
		id := domain.RunID(pending.String)
		s.PendingRunID = &id
	}
	return s, nil
}

func pendingRunArg(id *domain.RunID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

// --- Turns ---

func (r *Repository) AddTurn(ctx context.Context, t domain.Turn) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, role, text, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(t.SessionID), string(t.Role), t.Text, string(t.RunID), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add turn: %w", err)
	}
	return nil
}

// ListTurns returns the session's turns oldest first; limit > 0 keeps the most recent.
func (r *Repository) ListTurns(ctx context.Context, id domain.SessionID, limit int) ([]domain.Turn, error) {
	query := `SELECT id, session_id, role, text, run_id, created_at FROM turns WHERE session_id = ? ORDER BY seq ASC`
	args := []any{string(id)}
	if limit > 0 {
		query = `SELECT id, session_id, role, text, run_id, created_at FROM (
			SELECT * FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	out := []domain.Turn{}
	for rows.Next() {
		var t domain.Turn
		var role string
		var runID sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &role, &t.Text, &runID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = domain.TurnRole(role)
		t.RunID = domain.RunID(runID.String)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Settings ---

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("save setting: %w", err)
	}
	return nil
}
