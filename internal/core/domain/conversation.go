package domain

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// SessionID uniquely identifies a caller session
type SessionID string

// TurnID uniquely identifies a turn within a session
type TurnID string

// TurnRole defines who authored a turn
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// Session is one caller's conversation with the knowledge base.
type Session struct {
	ID        SessionID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// PendingRunID is set while a run of this session sits in CLARIFY_WAIT.
	PendingRunID *RunID `json:"pending_run_id,omitempty"`
}

// Turn is one entry of a session's conversation history. Turns are append-only.
type Turn struct {
	ID        TurnID    `json:"id"`
	SessionID SessionID `json:"session_id"`
	Role      TurnRole  `json:"role"`
	Text      string    `json:"text"`
	RunID     RunID     `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSessionID generates a compact random session ID (ses-<12 hex>)
func NewSessionID() SessionID {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return SessionID("ses-" + hex.EncodeToString(b))
}

// NewTurnID generates a compact random turn ID (turn-<12 hex>)
func NewTurnID() TurnID {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return TurnID("turn-" + hex.EncodeToString(b))
}

// NewTurn builds a turn stamped with the current time.
func NewTurn(sessionID SessionID, role TurnRole, text string, runID RunID) Turn {
	return Turn{
		ID:        NewTurnID(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		RunID:     runID,
		CreatedAt: time.Now(),
	}
}
