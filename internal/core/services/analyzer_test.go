package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		action domain.Action
		check  func(t *testing.T, d domain.Decision)
	}{
		{
			name:   "plain answer",
			raw:    `{"can_answer_from_context": true, "needs_decomposition": false, "sub_queries": [], "missing_information": [], "tool_needed": null}`,
			action: domain.ActionAnswer,
		},
		{
			name:   "fenced with prose",
			raw:    "Sure! Here is the analysis:\n```json\n{\"can_answer_from_context\": false, \"needs_decomposition\": true, \"sub_queries\": [\"What is X?\", \" \", \"What is Y?\"], \"missing_information\": [], \"tool_needed\": null}\n```",
			action: domain.ActionDecompose,
			check: func(t *testing.T, d domain.Decision) {
				assert.Equal(t, []domain.Query{"What is X?", "What is Y?"}, d.SubQueries)
			},
		},
		{
			name:   "tool with input",
			raw:    `{"can_answer_from_context": false, "needs_decomposition": false, "tool_needed": "database", "tool_input": "SELECT COUNT(*) FROM loan_applications"}`,
			action: domain.ActionTool,
			check: func(t *testing.T, d domain.Decision) {
				assert.Equal(t, "database", d.Tool())
				assert.Equal(t, "SELECT COUNT(*) FROM loan_applications", d.ToolInput)
			},
		},
		{
			name:   "tool named none is no tool",
			raw:    `{"can_answer_from_context": false, "needs_decomposition": false, "tool_needed": "none", "missing_information": ["time range", "Time Range"]}`,
			action: domain.ActionClarify,
			check: func(t *testing.T, d domain.Decision) {
				assert.Equal(t, []string{"time range"}, d.MissingInformation)
			},
		},
		{
			name:   "braces inside strings",
			raw:    `{"can_answer_from_context": false, "needs_decomposition": false, "tool_needed": "code", "tool_input": "class Foo { }"}`,
			action: domain.ActionTool,
			check: func(t *testing.T, d domain.Decision) {
				assert.Equal(t, "class Foo { }", d.ToolInput)
			},
		},
		{
			name:   "several flags resolve by precedence",
			raw:    `{"can_answer_from_context": true, "needs_decomposition": true, "sub_queries": ["a"], "tool_needed": "database"}`,
			action: domain.ActionAnswer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDecision(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.action, d.PrimaryAction())
			if tt.check != nil {
				tt.check(t, d)
			}
		})
	}
}

func TestParseDecision_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no json", "I would use the database tool."},
		{"unterminated", `{"can_answer_from_context": true`},
		{"missing required flag", `{"needs_decomposition": false}`},
		{"wrong type", `{"can_answer_from_context": "yes", "needs_decomposition": false}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDecision(tt.raw)
			require.Error(t, err)
			var formatErr *domain.AnalysisFormatError
			require.ErrorAs(t, err, &formatErr)
			assert.Equal(t, tt.raw, formatErr.Raw)
		})
	}
}

func newTestAnalyzer(llm domain.LLMProvider) *LLMAnalyzer {
	return NewLLMAnalyzer(testLogger(), llm, NewPromptBuilder("the Quick Loan platform", nil, 0), time.Second)
}

func TestLLMAnalyzer_RetriesOnceWithReminder(t *testing.T) {
	llm := newScriptedLLM().on(kindAnalysis,
		"not json",
		`{"can_answer_from_context": false, "needs_decomposition": false, "tool_needed": "schema"}`,
	)
	a := newTestAnalyzer(llm)

	d, err := a.Analyze(context.Background(), "Which columns does applicants have?", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionTool, d.PrimaryAction())
	assert.False(t, d.Fallback)

	prompts := llm.calls(kindAnalysis)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], formatReminder)
}

func TestLLMAnalyzer_FallsBackToAnswer(t *testing.T) {
	llm := newScriptedLLM().on(kindAnalysis, "garbage", "more garbage", "never asked")
	a := newTestAnalyzer(llm)

	d, err := a.Analyze(context.Background(), "What is Quick Loan?", "ctx")
	require.NoError(t, err)
	assert.True(t, d.Fallback)
	assert.Equal(t, domain.ActionAnswer, d.PrimaryAction())
	assert.Len(t, llm.calls(kindAnalysis), 2, "exactly one retry")
}

func TestLLMAnalyzer_ModelErrorsFallBack(t *testing.T) {
	llm := newScriptedLLM().
		fail(kindAnalysis, errors.New("503 from upstream")).
		fail(kindAnalysis, errors.New("503 from upstream"))
	a := newTestAnalyzer(llm)

	d, err := a.Analyze(context.Background(), "What is Quick Loan?", "ctx")
	require.NoError(t, err)
	assert.True(t, d.Fallback)
}

func TestLLMAnalyzer_CancelledContextFails(t *testing.T) {
	llm := newScriptedLLM()
	llm.block = true
	a := newTestAnalyzer(llm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Analyze(ctx, "What is Quick Loan?", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPromptBuilder_Analysis(t *testing.T) {
	reg := domain.NewToolRegistry()
	require.NoError(t, reg.Register(NewDocumentsTool(NewKnowledgeIndexFromChunks("", nil), 3)))
	p := NewPromptBuilder("the Quick Loan platform", reg, 40)

	long := "first segment that will be cut\n\n" + "tail segment kept"
	prompt := p.Analysis("What is it?", long, false)

	assert.Contains(t, prompt, "specialized in the Quick Loan platform")
	assert.Contains(t, prompt, "- documents [retrieval]")
	assert.Contains(t, prompt, "tail segment kept")
	assert.NotContains(t, prompt, "first segment")
	assert.NotContains(t, prompt, formatReminder)
	assert.Contains(t, p.Analysis("What is it?", "", true), formatReminder)
}
