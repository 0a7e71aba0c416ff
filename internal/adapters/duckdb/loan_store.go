package duckdb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

//go:embed sql/loan_schema.sql
var loanSchemaSQL string

//go:embed sql/loan_seed.sql
var loanSeedSQL string

// LoanTables are the tables of the loan data set.
var LoanTables = []string{"applicants", "businesses", "loan_applications"}

// ErrNotReadOnly is returned by QueryRows for anything but a single SELECT.
var ErrNotReadOnly = errors.New("only single SELECT statements are allowed")

var readOnlyStart = regexp.MustCompile(`(?is)^\s*(select|with)\b`)

// loanDSN opens a private in-memory database with no file or network access.
const loanDSN = "?enable_external_access=false"

// LoanDB serves the loan data set from its own in-memory DuckDB instance.
// It shares nothing with the kernel Repository, so tool queries cannot see
// sessions, turns, traces or settings, and file readers such as read_text
// are disabled.
type LoanDB struct {
	db *sql.DB
}

var _ ports.LoanStore = (*LoanDB)(nil)

// OpenLoanDB creates the loan tables, loads the demo rows and locks the
// database configuration.
func OpenLoanDB(ctx context.Context) (*LoanDB, error) {
	db, err := sql.Open("duckdb", loanDSN)
	if err != nil {
		return nil, fmt.Errorf("open loan db: %w", err)
	}
	l := &LoanDB{db: db}
	if err := l.load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *LoanDB) load(ctx context.Context) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range splitStatements(loanSchemaSQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create loan schema: %w", err)
		}
	}
	for _, stmt := range splitStatements(loanSeedSQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("seed loan data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit loan data: %w", err)
	}

	// Queries may not re-enable external access.
	if _, err := l.db.ExecContext(ctx, `SET lock_configuration = true`); err != nil {
		return fmt.Errorf("lock loan db: %w", err)
	}
	return nil
}

// Close releases the database.
func (l *LoanDB) Close() error {
	return l.db.Close()
}

// LoanSchemaSQL returns the DDL script of the loan data set.
func LoanSchemaSQL() string { return loanSchemaSQL }

// QueryRows runs one read-only statement and renders every value as text.
func (l *LoanDB) QueryRows(ctx context.Context, query string) ([]string, [][]string, error) {
	query = strings.TrimSuffix(strings.TrimSpace(query), ";")
	if !readOnlyStart.MatchString(query) || strings.Contains(query, ";") {
		return nil, nil, ErrNotReadOnly
	}

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("columns: %w", err)
	}

	out := [][]string{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = formatValue(v)
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

// SchemaDDL returns the CREATE TABLE statements of the loan tables as DuckDB reports them.
func (l *LoanDB) SchemaDDL(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT table_name, sql FROM duckdb_tables()
		WHERE table_name IN (?, ?, ?)`, LoanTables[0], LoanTables[1], LoanTables[2])
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	defer rows.Close()

	ddl := make(map[string]string, len(LoanTables))
	for rows.Next() {
		var name string
		var stmt sql.NullString
		if err := rows.Scan(&name, &stmt); err != nil {
			return nil, err
		}
		ddl[name] = strings.TrimSpace(stmt.String)
	}
	return ddl, rows.Err()
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case string:
		return v
	case []byte:
		if len(v) == 16 && !utf8.Valid(v) {
			if id, err := uuid.FromBytes(v); err == nil {
				return id.String()
			}
		}
		return string(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return v.Format(time.DateOnly)
		}
		return v.Format(time.DateTime)
	case duckdb.Decimal:
		return formatDecimal(v)
	case *big.Int:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func formatDecimal(d duckdb.Decimal) string {
	if d.Value == nil {
		return "NULL"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Scale)), nil)
	return new(big.Rat).SetFrac(d.Value, scale).FloatString(int(d.Scale))
}
