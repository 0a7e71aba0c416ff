package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextState_ValidTransitions(t *testing.T) {
	tests := []struct {
		from LoopState
		ev   LoopEvent
		want LoopState
	}{
		{StateReason, EventAnswer, StateDone},
		{StateReason, EventDecomposed, StateDone},
		{StateReason, EventTool, StateAct},
		{StateReason, EventClarify, StateClarifyWait},
		{StateAct, EventObserved, StateReason},
		{StateClarifyWait, EventResume, StateReason},
		{StateReason, EventBudget, StateAborted},
		{StateAct, EventCancel, StateAborted},
		{StateClarifyWait, EventBudget, StateAborted},
		{StateReason, EventFailure, StateAborted},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := NextState(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextState_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from LoopState
		ev   LoopEvent
	}{
		{StateAct, EventAnswer},
		{StateAct, EventClarify},
		{StateClarifyWait, EventTool},
		{StateReason, EventObserved},
		{StateReason, EventResume},
		{StateDone, EventTool},
		{StateDone, EventBudget},
		{StateAborted, EventResume},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := NextState(tt.from, tt.ev)
			assert.Error(t, err)
			assert.Equal(t, tt.from, got, "state must not change on an invalid event")
		})
	}
}

func TestLoopState_Terminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateReason.Terminal())
	assert.False(t, StateAct.Terminal())
	assert.False(t, StateClarifyWait.Terminal())
}

func TestRun_Transition(t *testing.T) {
	run := NewRun("ses-1", "how are loans approved?", "overview")

	assert.Equal(t, StateReason, run.State)
	assert.Equal(t, "overview", run.Context.Current())

	require.NoError(t, run.Transition(EventTool))
	require.NoError(t, run.Transition(EventObserved))
	require.NoError(t, run.Transition(EventAnswer))
	assert.Equal(t, StateDone, run.State)

	assert.Error(t, run.Transition(EventTool))
	assert.Equal(t, StateDone, run.State)
}

func TestTrajectory_CountCalls(t *testing.T) {
	var tr Trajectory
	tr.Append(StepRecord{Action: ActionTool, Tool: "database", Input: "loans"})
	tr.Append(StepRecord{Action: ActionTool, Tool: "database", Input: "loans"})
	tr.Append(StepRecord{Action: ActionTool, Tool: "code", Input: "loans"})

	assert.Equal(t, 3, tr.Len())
	assert.Equal(t, 2, tr.CountCalls("database", "loans"))
	assert.Equal(t, 0, tr.CountCalls("schema", "loans"))

	last, ok := tr.Last()
	require.True(t, ok)
	assert.Equal(t, "code", last.Tool)

	steps := tr.Steps()
	steps[0].Tool = "mutated"
	assert.Equal(t, 2, tr.CountCalls("database", "loans"), "Steps must return a copy")
}

func TestNewClarification(t *testing.T) {
	c := NewClarification([]string{"loan id", "date range"})
	assert.Equal(t, []string{"loan id", "date range"}, c.Missing)
	assert.Contains(t, c.Prompt, "loan id; date range")
}
