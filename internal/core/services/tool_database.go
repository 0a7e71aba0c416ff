package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

const noRowsMessage = "Query executed successfully, but no results were returned."

// maxTableRows caps the rows rendered into an observation.
const maxTableRows = 50

// ErrWriteStatement is returned for anything other than a read-only query.
var ErrWriteStatement = errors.New("only read-only SELECT queries are allowed")

var (
	sqlStart     = regexp.MustCompile(`(?is)^\s*(select|with)\b`)
	sqlForbidden = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|attach|detach|copy|install|load|pragma|call|export|import)\b`)
)

// cannedQuery maps question keywords to a summary query over the loan data set.
type cannedQuery struct {
	keywords []string
	sql      string
}

var cannedQueries = []cannedQuery{
	{[]string{"average", "avg", "mean"}, `SELECT status, ROUND(AVG(loan_amount), 2) AS average_amount, COUNT(*) AS applications
FROM loan_applications GROUP BY status ORDER BY status`},
	{[]string{"total", "sum", "volume"}, `SELECT status, ROUND(SUM(loan_amount), 2) AS total_amount
FROM loan_applications GROUP BY status ORDER BY status`},
	{[]string{"top", "largest", "biggest", "highest"}, `SELECT b.name AS business, a.last_name AS applicant, la.loan_amount, la.status
FROM loan_applications la
JOIN businesses b ON b.id = la.business_id
JOIN applicants a ON a.id = la.applicant_id
ORDER BY la.loan_amount DESC LIMIT 5`},
	{[]string{"business type", "industry", "revenue"}, `SELECT type AS business_type, COUNT(*) AS businesses, ROUND(AVG(annual_revenue), 2) AS average_revenue
FROM businesses GROUP BY type ORDER BY businesses DESC`},
	{[]string{"state", "city", "where"}, `SELECT state, COUNT(*) AS applicants FROM applicants GROUP BY state ORDER BY applicants DESC`},
	{[]string{"approved", "declined", "pending", "review", "status", "how many", "count"}, `SELECT status, COUNT(*) AS applications
FROM loan_applications GROUP BY status ORDER BY status`},
}

const overviewQuery = `SELECT 'applicants' AS table_name, COUNT(*) AS row_count FROM applicants
UNION ALL SELECT 'businesses', COUNT(*) FROM businesses
UNION ALL SELECT 'loan_applications', COUNT(*) FROM loan_applications`

// IsReadOnlySQL reports whether q is a single SELECT (or WITH ... SELECT) statement.
func IsReadOnlySQL(q string) bool {
	q = strings.TrimSpace(q)
	q = strings.TrimSuffix(q, ";")
	if strings.Contains(q, ";") {
		return false
	}
	return sqlStart.MatchString(q) && !sqlForbidden.MatchString(q)
}

// sqlFor turns tool input into the query to run: SQL passes through,
// anything else is mapped to a canned summary.
func sqlFor(input string) (string, error) {
	input = strings.TrimSpace(input)
	if sqlStart.MatchString(input) {
		if !IsReadOnlySQL(input) {
			return "", ErrWriteStatement
		}
		return strings.TrimSuffix(input, ";"), nil
	}
	if sqlForbidden.MatchString(input) && looksLikeSQL(input) {
		return "", ErrWriteStatement
	}

	lower := strings.ToLower(input)
	for _, cq := range cannedQueries {
		for _, kw := range cq.keywords {
			if strings.Contains(lower, kw) {
				return cq.sql, nil
			}
		}
	}
	return overviewQuery, nil
}

func looksLikeSQL(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, " from ") || strings.Contains(lower, " into ") || strings.Contains(lower, " table ")
}

// NewDatabaseTool creates the read-only SQL tool over the loan data set
func NewDatabaseTool(store ports.LoanStore) *domain.Tool {
	return &domain.Tool{
		Name:        ToolDatabase,
		Description: "Runs a read-only SQL query against the loan data set (applicants, businesses, loan_applications) and returns the rows as a table.",
		InputHint:   "a single SELECT statement, or a plain question for a summary",
		Kind:        domain.ToolKindDatabase,
		Execute: func(ctx context.Context, input string) (string, error) {
			query, err := sqlFor(input)
			if err != nil {
				return "", err
			}
			cols, rows, err := store.QueryRows(ctx, query)
			if err != nil {
				return "", fmt.Errorf("execute query: %w", err)
			}
			if len(rows) == 0 {
				return noRowsMessage, nil
			}
			out := FormatTable(cols, rows, maxTableRows)
			if query != strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(input), ";")) {
				out = "SQL: " + strings.Join(strings.Fields(query), " ") + "\n" + out
			}
			return out, nil
		},
	}
}

// FormatTable renders rows as a right-padded text table without an index column.
func FormatTable(cols []string, rows [][]string, maxRows int) string {
	truncated := 0
	if maxRows > 0 && len(rows) > maxRows {
		truncated = len(rows) - maxRows
		rows = rows[:maxRows]
	}

	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c)
	}
	for _, r := range rows {
		for i := range cols {
			if i < len(r) && len(r[i]) > widths[i] {
				widths[i] = len(r[i])
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string) {
		for i := range cols {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if i > 0 {
				sb.WriteString("  ")
			}
			if i == len(cols)-1 {
				sb.WriteString(cell)
			} else {
				fmt.Fprintf(&sb, "%-*s", widths[i], cell)
			}
		}
		sb.WriteByte('\n')
	}
	writeRow(cols)
	for _, r := range rows {
		writeRow(r)
	}
	if truncated > 0 {
		fmt.Fprintf(&sb, "... %d more rows\n", truncated)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// NewSchemaTool creates the schema lookup tool. It prefers the live DDL
// from store and falls back to the schema file at schemaPath.
func NewSchemaTool(store ports.LoanStore, schemaPath string) *domain.Tool {
	return &domain.Tool{
		Name:        ToolSchema,
		Description: "Returns the database schema (CREATE TABLE statements) of the loan data set, optionally for one table.",
		InputHint:   "a table name, or anything else for the whole schema",
		Kind:        domain.ToolKindDatabase,
		Execute: func(ctx context.Context, input string) (string, error) {
			ddl, err := loadDDL(ctx, store, schemaPath)
			if err != nil {
				return "", err
			}
			if len(ddl) == 0 {
				return "", errors.New("no schema available")
			}

			names := make([]string, 0, len(ddl))
			for name := range ddl {
				names = append(names, name)
			}
			sort.Strings(names)

			lower := strings.ToLower(input)
			var picked []string
			for _, name := range names {
				if strings.Contains(lower, name) || strings.Contains(lower, strings.TrimSuffix(name, "s")) {
					picked = append(picked, name)
				}
			}
			if len(picked) == 0 {
				picked = names
			}

			parts := make([]string, len(picked))
			for i, name := range picked {
				parts[i] = strings.TrimSpace(ddl[name])
			}
			return strings.Join(parts, "\n\n"), nil
		},
	}
}

func loadDDL(ctx context.Context, store ports.LoanStore, schemaPath string) (map[string]string, error) {
	if store != nil {
		ddl, err := store.SchemaDDL(ctx)
		if err == nil && len(ddl) > 0 {
			return ddl, nil
		}
		if schemaPath == "" {
			if err != nil {
				return nil, fmt.Errorf("read schema: %w", err)
			}
			return ddl, nil
		}
	}
	data, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return ParseDDL(string(data)), nil
}

var createTable = regexp.MustCompile(`(?is)create\s+table\s+(?:if\s+not\s+exists\s+)?"?([a-z_][a-z0-9_]*)"?`)

// ParseDDL splits a schema file into its CREATE TABLE statements keyed by table name.
func ParseDDL(src string) map[string]string {
	out := make(map[string]string)
	for _, stmt := range strings.Split(src, ";") {
		stmt = strings.TrimSpace(stmt)
		m := createTable.FindStringSubmatch(stmt)
		if m == nil {
			continue
		}
		out[strings.ToLower(m[1])] = stmt + ";"
	}
	return out
}
