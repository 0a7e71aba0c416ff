package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunID identifies one top-level query resolution.
type RunID string

// NewRunID returns a random run ID.
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// UnableToCompleteMarker is the answer of an aborted run that produced nothing better.
const UnableToCompleteMarker = "Unable to complete: the question could not be resolved within the configured limits."

// Clarification is what a suspended run asks the caller for.
type Clarification struct {
	Missing []string `json:"missing"`
	Prompt  string   `json:"prompt"`
}

// NewClarification renders the caller-facing request for the missing items.
func NewClarification(missing []string) *Clarification {
	return &Clarification{
		Missing: append([]string(nil), missing...),
		Prompt:  "I need more information to answer: " + strings.Join(missing, "; ") + ".",
	}
}

// Run is the mutable state of one top-level resolution: its context,
// trajectory, loop state and budget accounting. A Run belongs to exactly
// one session and is driven by one goroutine at a time.
type Run struct {
	ID         RunID             `json:"id"`
	SessionID  SessionID         `json:"session_id"`
	Query      Query             `json:"query"`
	State      LoopState         `json:"state"`
	Context    *KnowledgeContext `json:"-"`
	Trajectory *Trajectory       `json:"-"`

	// Iterations counts charged REASON steps.
	Iterations int `json:"iterations"`
	// Elapsed is active time spent so far, excluding CLARIFY_WAIT.
	Elapsed time.Duration `json:"elapsed"`
	// Resumed makes the next REASON step free of charge.
	Resumed bool `json:"-"`

	Pending     *Clarification `json:"pending,omitempty"`
	Answer      string         `json:"answer,omitempty"`
	LastAnswer  string         `json:"-"` // most recent context-derived answer, used for partial results
	AbortReason string         `json:"abort_reason,omitempty"`
	TraceID     TraceID        `json:"trace_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun starts a run in REASON with a fresh context seeded from initial.
func NewRun(sessionID SessionID, q Query, initial string) *Run {
	now := time.Now()
	return &Run{
		ID:         NewRunID(),
		SessionID:  sessionID,
		Query:      q,
		State:      StateReason,
		Context:    NewKnowledgeContext(initial),
		Trajectory: &Trajectory{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition applies ev through NextState.
func (r *Run) Transition(ev LoopEvent) error {
	next, err := NextState(r.State, ev)
	if err != nil {
		return err
	}
	r.State = next
	r.UpdatedAt = time.Now()
	return nil
}

// RunRecord is the persisted summary of a run.
type RunRecord struct {
	ID          RunID        `json:"id"`
	SessionID   SessionID    `json:"session_id"`
	Query       string       `json:"query"`
	State       LoopState    `json:"state"`
	Iterations  int          `json:"iterations"`
	Answer      string       `json:"answer,omitempty"`
	AbortReason string       `json:"abort_reason,omitempty"`
	TraceID     TraceID      `json:"trace_id,omitempty"`
	Steps       []StepRecord `json:"steps,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Record snapshots the run for persistence.
func (r *Run) Record() RunRecord {
	rec := RunRecord{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Query:       r.Query.String(),
		State:       r.State,
		Iterations:  r.Iterations,
		Answer:      r.Answer,
		AbortReason: r.AbortReason,
		TraceID:     r.TraceID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Trajectory != nil {
		rec.Steps = r.Trajectory.Steps()
	}
	return rec
}

// Reply is what the caller boundary returns for Ask and Clarify:
// either an Answer or a Clarification, never both.
type Reply struct {
	SessionID     SessionID      `json:"session_id"`
	RunID         RunID          `json:"run_id"`
	State         LoopState      `json:"state"`
	Answer        string         `json:"answer,omitempty"`
	Clarification *Clarification `json:"clarification,omitempty"`
	AbortReason   string         `json:"abort_reason,omitempty"`
	TraceID       TraceID        `json:"trace_id,omitempty"`
	Iterations    int            `json:"iterations"`
	Steps         int            `json:"steps"`
	History       []Turn         `json:"history"`
}
