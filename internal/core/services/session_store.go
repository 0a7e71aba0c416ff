package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

// SessionStore manages sessions and their turns with an in-memory cache backed by DuckDB.
// Hot sessions stay in memory; cold ones are loaded on-demand.
type SessionStore struct {
	mu   sync.RWMutex
	repo ports.Repository

	// In-memory LRU cache: sessionID -> turns (ordered by time)
	cache    map[domain.SessionID][]domain.Turn
	order    []domain.SessionID // LRU order, most recent last
	maxCache int                // max sessions in memory
}

// NewSessionStore creates a new store with the given cache capacity.
func NewSessionStore(repo ports.Repository, maxCache int) *SessionStore {
	if maxCache <= 0 {
		maxCache = 64
	}
	return &SessionStore{
		repo:     repo,
		cache:    make(map[domain.SessionID][]domain.Turn, maxCache),
		order:    make([]domain.SessionID, 0, maxCache),
		maxCache: maxCache,
	}
}

// CreateSession starts a new session.
func (s *SessionStore) CreateSession(ctx context.Context, title string) (domain.Session, error) {
	now := time.Now()
	sess := domain.Session{
		ID:        domain.NewSessionID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}

	s.mu.Lock()
	s.cache[sess.ID] = nil // empty history
	s.touchLocked(sess.ID)
	s.evictLocked()
	s.mu.Unlock()

	return sess, nil
}

// GetSession returns session metadata.
func (s *SessionStore) GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ListSessions returns all sessions, most recently updated first.
func (s *SessionStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return s.repo.ListSessions(ctx)
}

// UpdateSession persists session metadata (title, pending run).
func (s *SessionStore) UpdateSession(ctx context.Context, sess domain.Session) error {
	sess.UpdatedAt = time.Now()
	return s.repo.UpdateSession(ctx, sess)
}

// DeleteSession removes the session and its turns.
func (s *SessionStore) DeleteSession(ctx context.Context, id domain.SessionID) error {
	if err := s.repo.DeleteSession(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.removeLRULocked(id)
	s.mu.Unlock()

	return nil
}

// AddTurn persists a turn and updates the in-memory cache.
func (s *SessionStore) AddTurn(ctx context.Context, turn domain.Turn) error {
	if err := s.repo.AddTurn(ctx, turn); err != nil {
		return err
	}

	s.mu.Lock()
	if turns, ok := s.cache[turn.SessionID]; ok {
		s.cache[turn.SessionID] = append(turns, turn)
	}
	// If not cached, don't load; fetched on next History
	s.touchLocked(turn.SessionID)
	s.mu.Unlock()

	return nil
}

// History returns the session's turns, using cache when available.
// limit=0 means all turns; otherwise the most recent limit turns.
func (s *SessionStore) History(ctx context.Context, id domain.SessionID, limit int) ([]domain.Turn, error) {
	s.mu.RLock()
	if turns, ok := s.cache[id]; ok {
		if limit > 0 && len(turns) > limit {
			turns = turns[len(turns)-limit:]
		}
		result := make([]domain.Turn, len(turns))
		copy(result, turns)
		s.mu.RUnlock()
		return result, nil
	}
	s.mu.RUnlock()

	// Load from DB
	turns, err := s.repo.ListTurns(ctx, id, limit)
	if err != nil {
		return nil, err
	}

	// Populate cache (full set only)
	if limit == 0 {
		s.mu.Lock()
		s.cache[id] = turns
		s.touchLocked(id)
		s.evictLocked()
		s.mu.Unlock()
	}

	return turns, nil
}

// BuildContextWindow returns the last N turns formatted for a prompt.
func (s *SessionStore) BuildContextWindow(ctx context.Context, id domain.SessionID, maxTurns int) (string, error) {
	if maxTurns <= 0 {
		maxTurns = 20
	}

	turns, err := s.History(ctx, id, maxTurns)
	if err != nil {
		return "", err
	}

	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.Grow(len(turns) * 200) // pre-allocate rough estimate

	for _, t := range turns {
		switch t.Role {
		case domain.RoleUser:
			sb.WriteString("User: ")
		case domain.RoleAssistant:
			sb.WriteString("Assistant: ")
		}
		sb.WriteString(t.Text)
		sb.WriteByte('\n')
	}

	return sb.String(), nil
}

// --- LRU helpers (must be called with mu held) ---

func (s *SessionStore) touchLocked(id domain.SessionID) {
	// Remove from current position
	s.removeLRULocked(id)
	// Add to end (most recent)
	s.order = append(s.order, id)
}

func (s *SessionStore) removeLRULocked(id domain.SessionID) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *SessionStore) evictLocked() {
	for len(s.order) > s.maxCache {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.cache, oldest)
	}
}
