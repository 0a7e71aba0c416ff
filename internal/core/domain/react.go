package domain

import "time"

// StepRecord is one (action, input, observation) triple of a trajectory.
type StepRecord struct {
	Action      Action    `json:"action"`
	Tool        string    `json:"tool,omitempty"`
	Input       string    `json:"input"`
	Observation string    `json:"observation"`
	Failed      bool      `json:"failed,omitempty"`
	Depth       int       `json:"depth"` // 0 for the top-level query, 1+ inside decomposition
	At          time.Time `json:"at"`
}

// Trajectory is the ordered step log of one top-level query resolution.
type Trajectory struct {
	steps []StepRecord
}

// Append records a step.
func (t *Trajectory) Append(step StepRecord) {
	t.steps = append(t.steps, step)
}

// Len is the number of recorded steps.
func (t *Trajectory) Len() int { return len(t.steps) }

// Steps returns a copy of the recorded steps.
func (t *Trajectory) Steps() []StepRecord {
	out := make([]StepRecord, len(t.steps))
	copy(out, t.steps)
	return out
}

// Last returns the most recent step.
func (t *Trajectory) Last() (StepRecord, bool) {
	if len(t.steps) == 0 {
		return StepRecord{}, false
	}
	return t.steps[len(t.steps)-1], true
}

// CountCalls returns how many times tool was already invoked with input.
func (t *Trajectory) CountCalls(tool, input string) int {
	n := 0
	for _, s := range t.steps {
		if s.Action == ActionTool && s.Tool == tool && s.Input == input {
			n++
		}
	}
	return n
}
