package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrRunNotFound            = errors.New("run not found")
	ErrTraceNotFound          = errors.New("trace not found")
	ErrNoPendingClarification = errors.New("session has no pending clarification")
	ErrClarificationPending   = errors.New("session is waiting for a clarification response")
	ErrEmptyQuery             = errors.New("query is empty")
)

// AnalysisFormatError means the model output could not be parsed into a Decision.
type AnalysisFormatError struct {
	Raw string
	Err error
}

func (e *AnalysisFormatError) Error() string {
	return fmt.Sprintf("analysis output is not a valid decision: %v", e.Err)
}

func (e *AnalysisFormatError) Unwrap() error { return e.Err }

// UnknownToolError means a Decision named a tool that is not registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %q", e.Name)
}

// ToolExecutionError means the invoked tool itself failed.
type ToolExecutionError struct {
	Tool  string
	Input string
	Err   error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// BudgetExceededError is an internal signal that converts into the ABORTED state.
// It never reaches a caller.
type BudgetExceededError struct {
	Iterations int
	Elapsed    time.Duration
	Reason     string // "iterations" or "duration"
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded (%s) after %d iterations in %s", e.Reason, e.Iterations, e.Elapsed.Round(time.Millisecond))
}
