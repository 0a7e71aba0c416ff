package services

import (
	"fmt"
	"strings"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// formatReminder is appended to the analysis prompt after an unparsable reply.
const formatReminder = `Check your output and make sure it conforms to the expected format.
Reply with ONE JSON object and nothing else: no prose, no markdown fences.`

// subAnswersHeader opens the context segment holding decomposition results.
const subAnswersHeader = "Additional information from sub-queries:"

// clarificationPrefix opens the context segment holding a caller's clarification.
const clarificationPrefix = "Clarification from the user: "

// PromptBuilder renders the subject-scoped prompts used by the analyzer and answerer.
type PromptBuilder struct {
	subject         string
	tools           *domain.ToolRegistry
	maxContextChars int
}

// NewPromptBuilder creates a prompt builder. tools may be nil.
func NewPromptBuilder(subject string, tools *domain.ToolRegistry, maxContextChars int) *PromptBuilder {
	if strings.TrimSpace(subject) == "" {
		subject = domain.DefaultConfig().Knowledge.Subject
	}
	return &PromptBuilder{subject: subject, tools: tools, maxContextChars: maxContextChars}
}

func (p *PromptBuilder) renderContext(knowledge string) string {
	if p.maxContextChars > 0 && len(knowledge) > p.maxContextChars {
		kc := domain.NewKnowledgeContext(knowledge)
		return kc.Tail(p.maxContextChars)
	}
	if strings.TrimSpace(knowledge) == "" {
		return "(no context yet)"
	}
	return knowledge
}

// Analysis builds the decision prompt. strict adds the format reminder.
func (p *PromptBuilder) Analysis(query domain.Query, knowledge string, strict bool) string {
	toolsBlock := "No tools are available."
	if p.tools != nil && len(p.tools.Names()) > 0 {
		toolsBlock = p.tools.FormatForPrompt()
	}

	prompt := fmt.Sprintf(`You are an assistant specialized in %s.

Analyze the following query and determine:
1. If it can be answered directly from the provided context
2. If it needs to be decomposed into simpler sub-queries
3. What information might be missing from the context
4. If a specific tool is needed to retrieve additional information

%s

Context:
%s

Query: %s

Respond with a JSON object that includes:
- can_answer_from_context (boolean)
- needs_decomposition (boolean)
- sub_queries (list of strings, empty if no decomposition needed)
- missing_information (list of strings, empty if no information is missing)
- tool_needed (string or null, the EXACT name of the tool if needed)
- tool_input (string, what to pass to the tool; empty to pass the query)`,
		p.subject, toolsBlock, p.renderContext(knowledge), query)

	if strict {
		prompt += "\n\n" + formatReminder
	}
	return prompt
}

// Answer builds the answer-generation prompt.
func (p *PromptBuilder) Answer(query domain.Query, knowledge string) string {
	return fmt.Sprintf(`You are an assistant specialized in %s.

Answer the following query based ONLY on the provided context. Be concise and accurate.

Context:
%s

Query: %s

If you cannot answer the query based on the provided context, clearly state that you don't have enough information.`,
		p.subject, p.renderContext(knowledge), query)
}

// Decomposition builds the prompt that splits a complex query.
func (p *PromptBuilder) Decomposition(query domain.Query, maxSubQueries int) string {
	return fmt.Sprintf(`You are an assistant specialized in %s.

The following query is complex and needs to be broken down into simpler sub-queries:

Query: %s

Break this down into 2-%d simpler sub-queries that, when answered and combined, would help answer the original query.
List each sub-query on a new line.`,
		p.subject, query, maxSubQueries)
}

// formatSubAnswers renders the single segment merged after decomposition.
func formatSubAnswers(pairs []subAnswer) string {
	var sb strings.Builder
	sb.WriteString(subAnswersHeader)
	for i, pair := range pairs {
		if i == 0 {
			sb.WriteString("\n")
		} else {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "Sub-query: %s\nAnswer: %s", pair.Query, pair.Answer)
	}
	return sb.String()
}

// observationMarker identifies the context segment of one tool call.
func observationMarker(tool, input string) string {
	return fmt.Sprintf("Tool %s (input: %s)", tool, truncate(input, 200))
}

// formatObservation renders a tool result as a context segment.
func formatObservation(tool, input, output string) string {
	return observationMarker(tool, input) + " returned:\n" + output
}

// formatToolFailure renders a failed tool call as a context segment.
func formatToolFailure(tool, input string, err error) string {
	return fmt.Sprintf("%s failed: %v", observationMarker(tool, input), err)
}
