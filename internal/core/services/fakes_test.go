package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── scripted LLM ────────────────────────────────────────────────────────

type promptKind string

const (
	kindAnalysis  promptKind = "analysis"
	kindAnswer    promptKind = "answer"
	kindDecompose promptKind = "decompose"
)

func classifyPrompt(prompt string) promptKind {
	switch {
	case strings.Contains(prompt, "Respond with a JSON object"):
		return kindAnalysis
	case strings.Contains(prompt, "Break this down"):
		return kindDecompose
	default:
		return kindAnswer
	}
}

type scriptedReply struct {
	text string
	err  error
}

// scriptedLLM returns canned outputs per prompt kind, in order. When a
// queue runs dry the kind's fallback (or an error) is used.
type scriptedLLM struct {
	mu       sync.Mutex
	queues   map[promptKind][]scriptedReply
	fallback map[promptKind]string
	prompts  map[promptKind][]string
	block    bool // wait for ctx instead of answering
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		queues:   make(map[promptKind][]scriptedReply),
		fallback: make(map[promptKind]string),
		prompts:  make(map[promptKind][]string),
	}
}

func (s *scriptedLLM) on(kind promptKind, outputs ...string) *scriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range outputs {
		s.queues[kind] = append(s.queues[kind], scriptedReply{text: o})
	}
	return s
}

func (s *scriptedLLM) fail(kind promptKind, err error) *scriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[kind] = append(s.queues[kind], scriptedReply{err: err})
	return s
}

func (s *scriptedLLM) otherwise(kind promptKind, output string) *scriptedLLM {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[kind] = output
	return s
}

func (s *scriptedLLM) calls(kind promptKind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts[kind]...)
}

func (s *scriptedLLM) GenerateText(ctx context.Context, prompt string) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	kind := classifyPrompt(prompt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[kind] = append(s.prompts[kind], prompt)

	if q := s.queues[kind]; len(q) > 0 {
		s.queues[kind] = q[1:]
		return q[0].text, q[0].err
	}
	if out, ok := s.fallback[kind]; ok {
		return out, nil
	}
	return "", errors.New("scripted llm: no output for " + string(kind))
}

// ── scripted analyzer / answerer ───────────────────────────────────────

type analyzeCall struct {
	Query     domain.Query
	Knowledge string
}

// scriptedAnalyzer answers with fn and records every call.
type scriptedAnalyzer struct {
	mu    sync.Mutex
	fn    func(call int, q domain.Query, knowledge string) (domain.Decision, error)
	calls []analyzeCall
}

func analyzerFunc(fn func(call int, q domain.Query, knowledge string) (domain.Decision, error)) *scriptedAnalyzer {
	return &scriptedAnalyzer{fn: fn}
}

// analyzerSequence returns the decisions in order, repeating the last one.
func analyzerSequence(decisions ...domain.Decision) *scriptedAnalyzer {
	return analyzerFunc(func(call int, _ domain.Query, _ string) (domain.Decision, error) {
		if call >= len(decisions) {
			call = len(decisions) - 1
		}
		return decisions[call], nil
	})
}

func (a *scriptedAnalyzer) Analyze(ctx context.Context, q domain.Query, knowledge string) (domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return domain.Decision{}, err
	}
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, analyzeCall{Query: q, Knowledge: knowledge})
	a.mu.Unlock()
	return a.fn(n, q, knowledge)
}

func (a *scriptedAnalyzer) Calls() []analyzeCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]analyzeCall(nil), a.calls...)
}

// echoAnswerer answers "answer(<query>)" and records the knowledge it saw.
type echoAnswerer struct {
	mu         sync.Mutex
	knowledge  []string
	subQueries []domain.Query
	answerErr  error
	failFor    map[domain.Query]error
}

func (e *echoAnswerer) Answer(ctx context.Context, q domain.Query, knowledge string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.knowledge = append(e.knowledge, knowledge)
	if err, ok := e.failFor[q]; ok {
		return "", err
	}
	if e.answerErr != nil {
		return "", e.answerErr
	}
	return "answer(" + q.String() + ")", nil
}

func (e *echoAnswerer) Decompose(ctx context.Context, q domain.Query, knowledge string) ([]domain.Query, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.subQueries, nil
}

func (e *echoAnswerer) Knowledge() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.knowledge...)
}

// ── tools ──────────────────────────────────────────────────────────────

type toolCall struct {
	Name  string
	Input string
}

// recordingTool counts invocations; fn decides the result.
type recordingTool struct {
	mu    sync.Mutex
	calls []toolCall
}

func (r *recordingTool) tool(name string, fn func(ctx context.Context, input string) (string, error)) *domain.Tool {
	return &domain.Tool{
		Name:        name,
		Description: "test tool " + name,
		Kind:        domain.ToolKindDatabase,
		Execute: func(ctx context.Context, input string) (string, error) {
			r.mu.Lock()
			r.calls = append(r.calls, toolCall{Name: name, Input: input})
			r.mu.Unlock()
			return fn(ctx, input)
		},
	}
}

func (r *recordingTool) Calls() []toolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]toolCall(nil), r.calls...)
}

// ── testify mocks ──────────────────────────────────────────────────────

var mockAnyCtx = mock.Anything

type mockLoanStore struct {
	mock.Mock
}

func (m *mockLoanStore) QueryRows(ctx context.Context, query string) ([]string, [][]string, error) {
	args := m.Called(ctx, query)
	cols, _ := args.Get(0).([]string)
	rows, _ := args.Get(1).([][]string)
	return cols, rows, args.Error(2)
}

func (m *mockLoanStore) SchemaDDL(ctx context.Context) (map[string]string, error) {
	args := m.Called(ctx)
	ddl, _ := args.Get(0).(map[string]string)
	return ddl, args.Error(1)
}

type mockInspector struct {
	mock.Mock
}

func (m *mockInspector) ListServices(ctx context.Context, filter string) ([]domain.ServiceStatus, error) {
	args := m.Called(ctx, filter)
	services, _ := args.Get(0).([]domain.ServiceStatus)
	return services, args.Error(1)
}

// ── in-memory repository ──────────────────────────────────────────────

type memRepo struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]domain.Session
	turns    map[domain.SessionID][]domain.Turn
	runs     map[domain.RunID]domain.RunRecord
	traces   map[domain.TraceID]*domain.Trace
	settings map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[domain.SessionID]domain.Session),
		turns:    make(map[domain.SessionID][]domain.Turn),
		runs:     make(map[domain.RunID]domain.RunRecord),
		traces:   make(map[domain.TraceID]*domain.Trace),
		settings: make(map[string]string),
	}
}

func (r *memRepo) CreateSession(_ context.Context, s domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}

func (r *memRepo) GetSession(_ context.Context, id domain.SessionID) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s, nil
}

func (r *memRepo) ListSessions(_ context.Context) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *memRepo) UpdateSession(_ context.Context, s domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *memRepo) DeleteSession(_ context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	delete(r.turns, id)
	return nil
}

func (r *memRepo) AddTurn(_ context.Context, t domain.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[t.SessionID] = append(r.turns[t.SessionID], t)
	return nil
}

func (r *memRepo) ListTurns(_ context.Context, id domain.SessionID, limit int) ([]domain.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	turns := r.turns[id]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]domain.Turn(nil), turns...), nil
}

func (r *memRepo) SaveRun(_ context.Context, rec domain.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[rec.ID] = rec
	return nil
}

func (r *memRepo) GetRun(_ context.Context, id domain.RunID) (domain.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[id]
	if !ok {
		return domain.RunRecord{}, domain.ErrRunNotFound
	}
	return rec, nil
}

func (r *memRepo) ListRuns(_ context.Context, id domain.SessionID) ([]domain.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RunRecord
	for _, rec := range r.runs {
		if rec.SessionID == id {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) SaveTrace(_ context.Context, t *domain.Trace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces[t.ID] = t
	return nil
}

func (r *memRepo) GetTrace(_ context.Context, id domain.TraceID) (*domain.Trace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traces[id]
	if !ok {
		return nil, errors.New("trace not found")
	}
	return t, nil
}

func (r *memRepo) ListTraces(_ context.Context, limit int) ([]domain.TraceSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TraceSummary
	for _, t := range r.traces {
		out = append(out, domain.TraceSummary{ID: t.ID, Name: t.Name, Status: t.Status, StartTime: t.StartTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) GetSetting(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings[key], nil
}

func (r *memRepo) SaveSetting(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
	return nil
}

func (r *memRepo) traceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.traces)
}

// waitFor polls cond for up to a second.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
