package domain

import "time"

// TraceID uniquely identifies a trace (one per run).
type TraceID string

// SpanID uniquely identifies a span within a trace.
type SpanID string

// SpanKind classifies the type of operation a span represents.
type SpanKind string

const (
	SpanKindRun       SpanKind = "run"       // Top-level resolution
	SpanKindAnalyze   SpanKind = "analyze"   // One REASON step
	SpanKindLLM       SpanKind = "llm"       // Model call (generate text)
	SpanKindTool      SpanKind = "tool"      // Tool execution (ACT)
	SpanKindDecompose SpanKind = "decompose" // Decomposition and its sub-queries
	SpanKindAnswer    SpanKind = "answer"    // Answer generation
)

// SpanStatus indicates completion state of a span.
type SpanStatus string

const (
	SpanStatusRunning   SpanStatus = "running"
	SpanStatusOK        SpanStatus = "ok"
	SpanStatusError     SpanStatus = "error"
	SpanStatusCancelled SpanStatus = "cancelled"
)

// Span represents a single unit of work within a trace.
// Spans form a tree: a run span contains analyze, tool and answer child spans.
type Span struct {
	ID         SpanID                 `json:"id"`
	ParentID   SpanID                 `json:"parent_id,omitempty"` // empty = root
	TraceID    TraceID                `json:"trace_id"`
	Name       string                 `json:"name"` // e.g., "llm.generate", "tool.database", "run"
	Kind       SpanKind               `json:"kind"`
	Status     SpanStatus             `json:"status"`
	Input      string                 `json:"input,omitempty"`  // truncated input
	Output     string                 `json:"output,omitempty"` // truncated output
	Error      string                 `json:"error,omitempty"`
	Model      string                 `json:"model,omitempty"` // model used (for llm spans)
	Attributes map[string]string      `json:"attributes,omitempty"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    *time.Time             `json:"end_time,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Children   []SpanID               `json:"children,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Trace groups all spans of a single run.
type Trace struct {
	ID         TraceID    `json:"id"`
	RootSpanID SpanID     `json:"root_span_id"`
	Name       string     `json:"name"` // e.g., "ask: how are loans approved?"
	Status     SpanStatus `json:"status"`
	SessionID  SessionID  `json:"session_id,omitempty"`
	RunID      RunID      `json:"run_id,omitempty"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	SpanCount  int        `json:"span_count"`
	Spans      []Span     `json:"spans,omitempty"` // populated only on detail view
}

// TraceSummary is a lightweight view for listing traces.
type TraceSummary struct {
	ID         TraceID    `json:"id"`
	SessionID  SessionID  `json:"session_id,omitempty"`
	Name       string     `json:"name"`
	Status     SpanStatus `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	DurationMs int64      `json:"duration_ms"`
	SpanCount  int        `json:"span_count"`
}
