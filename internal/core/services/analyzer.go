package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

var decisionValidator = validator.New()

// analysisPayload is the JSON object the model is asked to produce.
type analysisPayload struct {
	CanAnswer          *bool    `json:"can_answer_from_context" validate:"required"`
	NeedsDecomposition *bool    `json:"needs_decomposition" validate:"required"`
	SubQueries         []string `json:"sub_queries" validate:"omitempty,dive,max=500"`
	MissingInformation []string `json:"missing_information" validate:"omitempty,dive,max=500"`
	ToolNeeded         *string  `json:"tool_needed" validate:"omitempty,max=64"`
	ToolInput          string   `json:"tool_input" validate:"max=4000"`
}

// LLMAnalyzer asks the model for a JSON decision. An unparsable reply is
// retried once with a stricter reminder, then replaced by an ANSWER decision.
type LLMAnalyzer struct {
	logger  *slog.Logger
	llm     domain.LLMProvider
	prompts *PromptBuilder
	timeout time.Duration
}

// NewLLMAnalyzer creates a model-backed analyzer. timeout bounds each model call.
func NewLLMAnalyzer(logger *slog.Logger, llm domain.LLMProvider, prompts *PromptBuilder, timeout time.Duration) *LLMAnalyzer {
	return &LLMAnalyzer{logger: logger, llm: llm, prompts: prompts, timeout: timeout}
}

// Analyze returns a Decision for query. It only fails when ctx is done.
func (a *LLMAnalyzer) Analyze(ctx context.Context, query domain.Query, knowledge string) (domain.Decision, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := generateWithTimeout(ctx, a.llm, a.timeout, a.prompts.Analysis(query, knowledge, attempt > 0))
		recordModelCall("analyze", err)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Decision{}, ctx.Err()
			}
			lastErr = err
			a.logger.Warn("analysis model call failed", "attempt", attempt+1, "error", err)
			continue
		}

		decision, err := ParseDecision(raw)
		if err == nil {
			return decision, nil
		}
		analysisFormatErrorsTotal.Inc()
		lastErr = err
		a.logger.Warn("analysis output rejected", "attempt", attempt+1, "error", err, "raw", truncate(raw, 300))
	}

	a.logger.Warn("analysis fell back to direct answer", "query", truncate(query.String(), 120), "error", lastErr)
	return domain.AnswerDecision(), nil
}

// ParseDecision extracts, validates and normalises a decision from model output.
// Failures are *domain.AnalysisFormatError.
func ParseDecision(raw string) (domain.Decision, error) {
	obj, ok := extractJSONObject(raw)
	if !ok {
		return domain.Decision{}, &domain.AnalysisFormatError{Raw: raw, Err: errors.New("no JSON object found")}
	}

	var p analysisPayload
	dec := json.NewDecoder(strings.NewReader(obj))
	if err := dec.Decode(&p); err != nil {
		return domain.Decision{}, &domain.AnalysisFormatError{Raw: raw, Err: fmt.Errorf("decode: %w", err)}
	}
	if err := decisionValidator.Struct(p); err != nil {
		return domain.Decision{}, &domain.AnalysisFormatError{Raw: raw, Err: fmt.Errorf("validate: %w", err)}
	}

	d := domain.Decision{
		CanAnswer:          *p.CanAnswer,
		NeedsDecomposition: *p.NeedsDecomposition,
		MissingInformation: p.MissingInformation,
		ToolNeeded:         p.ToolNeeded,
		ToolInput:          p.ToolInput,
	}
	for _, q := range p.SubQueries {
		d.SubQueries = append(d.SubQueries, domain.Query(q))
	}
	return d.Normalize(), nil
}

// extractJSONObject returns the first balanced {...} object in s, skipping
// braces inside JSON strings. Prose and code fences around it are ignored.
func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inStr {
			escaped = true
			continue
		}
		if ch == '"' {
			inStr = !inStr
			continue
		}
		if inStr {
			continue
		}
		if ch == '{' {
			depth++
		} else if ch == '}' {
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// generateWithTimeout runs one model call under its own deadline.
func generateWithTimeout(ctx context.Context, llm domain.LLMProvider, timeout time.Duration, prompt string) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return llm.GenerateText(ctx, prompt)
}
