package domain

import (
	"fmt"
	"time"
)

// LoopState is a state of the reasoning loop.
type LoopState string

const (
	StateReason      LoopState = "REASON"
	StateAct         LoopState = "ACT"
	StateClarifyWait LoopState = "CLARIFY_WAIT"
	StateDone        LoopState = "DONE"
	StateAborted     LoopState = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s LoopState) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// LoopEvent drives a state transition.
type LoopEvent string

const (
	EventAnswer     LoopEvent = "answer"     // REASON -> DONE
	EventDecomposed LoopEvent = "decomposed" // REASON -> DONE, after the decomposition executor returns
	EventTool       LoopEvent = "tool"       // REASON -> ACT
	EventObserved   LoopEvent = "observed"   // ACT -> REASON
	EventClarify    LoopEvent = "clarify"    // REASON -> CLARIFY_WAIT
	EventResume     LoopEvent = "resume"     // CLARIFY_WAIT -> REASON
	EventBudget     LoopEvent = "budget"     // any non-terminal -> ABORTED
	EventCancel     LoopEvent = "cancel"     // any non-terminal -> ABORTED
	EventFailure    LoopEvent = "failure"    // any non-terminal -> ABORTED (model unusable)
)

// NextState is the pure transition function of the loop.
func NextState(from LoopState, ev LoopEvent) (LoopState, error) {
	if from.Terminal() {
		return from, fmt.Errorf("no transition from terminal state %s on %s", from, ev)
	}

	switch ev {
	case EventBudget, EventCancel, EventFailure:
		return StateAborted, nil
	}

	switch from {
	case StateReason:
		switch ev {
		case EventAnswer, EventDecomposed:
			return StateDone, nil
		case EventTool:
			return StateAct, nil
		case EventClarify:
			return StateClarifyWait, nil
		}
	case StateAct:
		if ev == EventObserved {
			return StateReason, nil
		}
	case StateClarifyWait:
		if ev == EventResume {
			return StateReason, nil
		}
	}
	return from, fmt.Errorf("invalid transition from %s on %s", from, ev)
}

// Budget bounds one top-level resolution.
type Budget struct {
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	MaxDuration   time.Duration `json:"max_duration" yaml:"max_duration"`
}

// DefaultBudget returns the stock loop budget.
func DefaultBudget() Budget {
	return Budget{MaxIterations: 10, MaxDuration: 60 * time.Second}
}
