package ports

import (
	"context"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// PlatformInspector abstracts the container runtime that hosts the Quick Loan services.
type PlatformInspector interface {
	// ListServices returns the containers of the platform, optionally filtered by name.
	ListServices(ctx context.Context, nameFilter string) ([]domain.ServiceStatus, error)
}

// LoanStore executes read-only SQL against the loan data set.
type LoanStore interface {
	// QueryRows runs a single SELECT and returns column names and stringified rows.
	QueryRows(ctx context.Context, query string) ([]string, [][]string, error)

	// SchemaDDL returns the CREATE statements of the loan tables, keyed by table name.
	SchemaDDL(ctx context.Context) (map[string]string, error)
}

// Analyzer produces a Decision for a query against the current context.
type Analyzer interface {
	Analyze(ctx context.Context, query domain.Query, knowledge string) (domain.Decision, error)
}

// Answerer turns a query and its context into text.
type Answerer interface {
	// Answer generates the final answer for query from knowledge.
	Answer(ctx context.Context, query domain.Query, knowledge string) (string, error)

	// Decompose splits query into simpler sub-queries.
	Decompose(ctx context.Context, query domain.Query, knowledge string) ([]domain.Query, error)
}

// Repository abstracts the persistent storage (DuckDB)
type Repository interface {
	// Sessions
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	UpdateSession(ctx context.Context, s domain.Session) error
	DeleteSession(ctx context.Context, id domain.SessionID) error

	// Turns
	AddTurn(ctx context.Context, turn domain.Turn) error
	ListTurns(ctx context.Context, id domain.SessionID, limit int) ([]domain.Turn, error)

	// Runs
	SaveRun(ctx context.Context, rec domain.RunRecord) error
	GetRun(ctx context.Context, id domain.RunID) (domain.RunRecord, error)
	ListRuns(ctx context.Context, id domain.SessionID) ([]domain.RunRecord, error)

	// Traces
	SaveTrace(ctx context.Context, trace *domain.Trace) error
	GetTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error)
	ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}
