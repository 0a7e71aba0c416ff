package domain

import "strings"

// Query is the unit of work. It is never mutated after creation.
type Query string

func (q Query) String() string { return string(q) }

// IsBlank reports whether the query carries no text.
func (q Query) IsBlank() bool { return strings.TrimSpace(string(q)) == "" }

// Action is the primary action selected from a Decision.
type Action string

const (
	ActionAnswer    Action = "answer"
	ActionDecompose Action = "decompose"
	ActionTool      Action = "tool"
	ActionClarify   Action = "clarify"
)

// Decision is the structured result of analysing one query against the current context.
// Several flags may be set at once; PrimaryAction resolves them.
type Decision struct {
	CanAnswer          bool     `json:"can_answer"`
	NeedsDecomposition bool     `json:"needs_decomposition"`
	SubQueries         []Query  `json:"sub_queries,omitempty"`
	MissingInformation []string `json:"missing_information,omitempty"`
	ToolNeeded         *string  `json:"tool_needed,omitempty"`
	ToolInput          string   `json:"tool_input,omitempty"`

	// Fallback marks a decision synthesised after the analyzer gave up on the model output.
	Fallback bool `json:"fallback,omitempty"`
}

// PrimaryAction applies the fixed precedence, first match wins:
// answer, decompose, tool, clarify, then answer as the best-effort default.
func (d Decision) PrimaryAction() Action {
	switch {
	case d.CanAnswer:
		return ActionAnswer
	case d.NeedsDecomposition:
		return ActionDecompose
	case d.ToolNeeded != nil && strings.TrimSpace(*d.ToolNeeded) != "":
		return ActionTool
	case len(d.MissingInformation) > 0:
		return ActionClarify
	default:
		return ActionAnswer
	}
}

// Tool returns the requested tool name, or "" when none.
func (d Decision) Tool() string {
	if d.ToolNeeded == nil {
		return ""
	}
	return strings.TrimSpace(*d.ToolNeeded)
}

// Normalize trims sub-queries, drops blank entries, and turns
// MissingInformation into a set preserving first-seen order.
func (d Decision) Normalize() Decision {
	out := d

	out.SubQueries = nil
	for _, q := range d.SubQueries {
		if t := strings.TrimSpace(string(q)); t != "" {
			out.SubQueries = append(out.SubQueries, Query(t))
		}
	}

	out.MissingInformation = nil
	seen := make(map[string]struct{}, len(d.MissingInformation))
	for _, m := range d.MissingInformation {
		t := strings.TrimSpace(m)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.MissingInformation = append(out.MissingInformation, t)
	}

	if d.ToolNeeded != nil {
		name := strings.TrimSpace(*d.ToolNeeded)
		if name == "" || strings.EqualFold(name, "none") || strings.EqualFold(name, "null") {
			out.ToolNeeded = nil
		} else {
			out.ToolNeeded = &name
		}
	}
	out.ToolInput = strings.TrimSpace(d.ToolInput)
	return out
}

// AnswerDecision is the decision used when nothing better is available.
func AnswerDecision() Decision {
	return Decision{CanAnswer: true, Fallback: true}
}

// ToolDecision builds a decision requesting a tool.
func ToolDecision(name, input string) Decision {
	return Decision{ToolNeeded: &name, ToolInput: input}
}
