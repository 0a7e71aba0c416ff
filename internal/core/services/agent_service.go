package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

// historyWindowTurns is how much of the conversation seeds a new run's context.
const historyWindowTurns = 10

// AgentService is the caller boundary: it owns sessions, serialises requests
// per session and keeps at most one suspended run per session.
type AgentService struct {
	logger     *slog.Logger
	sessions   *SessionStore
	repo       ports.Repository
	controller *Controller
	scheduler  *RunScheduler
	overview   string

	mu      sync.Mutex
	locks   map[domain.SessionID]*sync.Mutex
	pending map[domain.SessionID]*domain.Run
}

// NewAgentService creates the session-facing service. overview seeds the
// context of every run.
func NewAgentService(logger *slog.Logger, sessions *SessionStore, repo ports.Repository, controller *Controller, overview string) *AgentService {
	return &AgentService{
		logger:     logger,
		sessions:   sessions,
		repo:       repo,
		controller: controller,
		overview:   strings.TrimSpace(overview),
		locks:      make(map[domain.SessionID]*sync.Mutex),
		pending:    make(map[domain.SessionID]*domain.Run),
	}
}

// WithScheduler bounds concurrent loop drives across sessions.
func (s *AgentService) WithScheduler(scheduler *RunScheduler) *AgentService {
	s.scheduler = scheduler
	return s
}

// Tools exposes the controller's registry.
func (s *AgentService) Tools() *domain.ToolRegistry { return s.controller.Tools() }

func (s *AgentService) lockSession(id domain.SessionID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *AgentService) pendingRun(id domain.SessionID) *domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

func (s *AgentService) setPending(id domain.SessionID, run *domain.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run == nil {
		delete(s.pending, id)
		return
	}
	s.pending[id] = run
}

// CreateSession starts an empty session.
func (s *AgentService) CreateSession(ctx context.Context, title string) (domain.Session, error) {
	return s.sessions.CreateSession(ctx, title)
}

// GetSession returns session metadata.
func (s *AgentService) GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	return s.sessions.GetSession(ctx, id)
}

// ListSessions returns every session.
func (s *AgentService) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return s.sessions.ListSessions(ctx)
}

// DeleteSession removes a session, its turns and any suspended run.
func (s *AgentService) DeleteSession(ctx context.Context, id domain.SessionID) error {
	unlock := s.lockSession(id)
	defer unlock()
	s.setPending(id, nil)
	return s.sessions.DeleteSession(ctx, id)
}

// History returns the session's turns (limit 0 = all).
func (s *AgentService) History(ctx context.Context, id domain.SessionID, limit int) ([]domain.Turn, error) {
	if _, err := s.sessions.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.sessions.History(ctx, id, limit)
}

// ListRuns returns the persisted runs of a session.
func (s *AgentService) ListRuns(ctx context.Context, id domain.SessionID) ([]domain.RunRecord, error) {
	return s.repo.ListRuns(ctx, id)
}

// GetRun returns one persisted run.
func (s *AgentService) GetRun(ctx context.Context, id domain.RunID) (domain.RunRecord, error) {
	return s.repo.GetRun(ctx, id)
}

// Ask starts a new top-level resolution. An empty sessionID creates a session.
// It fails with ErrClarificationPending while the session waits for Clarify.
func (s *AgentService) Ask(ctx context.Context, sessionID domain.SessionID, query string) (*domain.Reply, error) {
	q := domain.Query(strings.TrimSpace(query))
	if q.IsBlank() {
		return nil, domain.ErrEmptyQuery
	}

	sess, err := s.ensureSession(ctx, sessionID, q)
	if err != nil {
		return nil, err
	}

	unlock := s.lockSession(sess.ID)
	defer unlock()

	// reload under the lock; another request may have suspended a run
	if sess, err = s.sessions.GetSession(ctx, sess.ID); err != nil {
		return nil, err
	}
	if s.pendingRun(sess.ID) != nil {
		return nil, fmt.Errorf("session %s: %w", sess.ID, domain.ErrClarificationPending)
	}
	if sess.PendingRunID != nil {
		// suspended run was lost with the previous process
		s.logger.Warn("dropping stale pending run", "session_id", sess.ID, "run_id", *sess.PendingRunID)
		sess.PendingRunID = nil
	}

	window, err := s.sessions.BuildContextWindow(ctx, sess.ID, historyWindowTurns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	run := domain.NewRun(sess.ID, q, s.initialContext(window))
	s.logger.Info("ask", "session_id", sess.ID, "run_id", run.ID, "query", truncate(q.String(), 200))
	// The turn is recorded only once the run holds a slot.
	err = s.scheduler.Do(ctx, func(ctx context.Context) error {
		if err := s.sessions.AddTurn(ctx, domain.NewTurn(sess.ID, domain.RoleUser, q.String(), run.ID)); err != nil {
			return fmt.Errorf("save turn: %w", err)
		}
		return s.controller.Start(ctx, run)
	})
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, sess, run)
}

// Clarify resumes the session's suspended run with the caller's response.
func (s *AgentService) Clarify(ctx context.Context, sessionID domain.SessionID, response string) (*domain.Reply, error) {
	if strings.TrimSpace(response) == "" {
		return nil, domain.ErrEmptyQuery
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	run := s.pendingRun(sessionID)
	if run == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNoPendingClarification)
	}

	s.logger.Info("clarify", "session_id", sessionID, "run_id", run.ID)
	err = s.scheduler.Do(ctx, func(ctx context.Context) error {
		if err := s.sessions.AddTurn(ctx, domain.NewTurn(sessionID, domain.RoleUser, strings.TrimSpace(response), run.ID)); err != nil {
			return fmt.Errorf("save turn: %w", err)
		}
		return s.controller.Resume(ctx, run, response)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoPendingClarification) {
			s.setPending(sessionID, nil)
		}
		return nil, err
	}
	return s.complete(ctx, sess, run)
}

func (s *AgentService) ensureSession(ctx context.Context, id domain.SessionID, q domain.Query) (domain.Session, error) {
	if id == "" {
		return s.sessions.CreateSession(ctx, truncate(q.String(), 60))
	}
	return s.sessions.GetSession(ctx, id)
}

func (s *AgentService) initialContext(window string) string {
	parts := make([]string, 0, 2)
	if s.overview != "" {
		parts = append(parts, s.overview)
	}
	if window != "" {
		parts = append(parts, "Conversation so far:\n"+strings.TrimRight(window, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// complete records the outcome of a drive: the assistant turn, the run
// record and the session's pending marker. Persistence survives a cancelled ctx.
func (s *AgentService) complete(ctx context.Context, sess domain.Session, run *domain.Run) (*domain.Reply, error) {
	ctx = context.WithoutCancel(ctx)

	reply := &domain.Reply{
		SessionID:   sess.ID,
		RunID:       run.ID,
		State:       run.State,
		AbortReason: run.AbortReason,
		TraceID:     run.TraceID,
		Iterations:  run.Iterations,
		Steps:       run.Trajectory.Len(),
	}

	var text string
	if run.State == domain.StateClarifyWait {
		s.setPending(sess.ID, run)
		id := run.ID
		sess.PendingRunID = &id
		reply.Clarification = run.Pending
		text = run.Pending.Prompt
	} else {
		s.setPending(sess.ID, nil)
		sess.PendingRunID = nil
		reply.Answer = run.Answer
		text = run.Answer
	}

	if err := s.sessions.AddTurn(ctx, domain.NewTurn(sess.ID, domain.RoleAssistant, text, run.ID)); err != nil {
		return nil, fmt.Errorf("save turn: %w", err)
	}
	if err := s.repo.SaveRun(ctx, run.Record()); err != nil {
		s.logger.Error("failed to persist run", "run_id", run.ID, "error", err)
	}
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	history, err := s.sessions.History(ctx, sess.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	reply.History = history
	return reply, nil
}
