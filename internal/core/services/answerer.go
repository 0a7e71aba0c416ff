package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// listMarker matches bullets and numbering at the start of a decomposition line.
var listMarker = regexp.MustCompile(`^\s*(?:[-*•]+|\(?\d+[.)]|[a-zA-Z][.)])\s*`)

// LLMAnswerer generates answers and decompositions with the model.
type LLMAnswerer struct {
	logger        *slog.Logger
	llm           domain.LLMProvider
	prompts       *PromptBuilder
	timeout       time.Duration
	maxSubQueries int
}

// NewLLMAnswerer creates a model-backed answerer.
func NewLLMAnswerer(logger *slog.Logger, llm domain.LLMProvider, prompts *PromptBuilder, timeout time.Duration, maxSubQueries int) *LLMAnswerer {
	if maxSubQueries <= 0 {
		maxSubQueries = domain.DefaultConfig().Agent.MaxSubQueries
	}
	return &LLMAnswerer{logger: logger, llm: llm, prompts: prompts, timeout: timeout, maxSubQueries: maxSubQueries}
}

// Answer generates the answer for query from knowledge only.
func (a *LLMAnswerer) Answer(ctx context.Context, query domain.Query, knowledge string) (string, error) {
	out, err := generateWithTimeout(ctx, a.llm, a.timeout, a.prompts.Answer(query, knowledge))
	recordModelCall("answer", err)
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("generate answer: empty model output")
	}
	return out, nil
}

// Decompose asks the model for one sub-query per line.
func (a *LLMAnswerer) Decompose(ctx context.Context, query domain.Query, knowledge string) ([]domain.Query, error) {
	out, err := generateWithTimeout(ctx, a.llm, a.timeout, a.prompts.Decomposition(query, a.maxSubQueries))
	recordModelCall("decompose", err)
	if err != nil {
		return nil, fmt.Errorf("decompose query: %w", err)
	}
	subs := SplitSubQueries(out, a.maxSubQueries)
	a.logger.Debug("query decomposed", "query", truncate(query.String(), 120), "sub_queries", len(subs))
	return subs, nil
}

// SplitSubQueries turns model output into sub-queries: one per non-blank line,
// list markers stripped, at most max (max <= 0 means no cap).
func SplitSubQueries(out string, max int) []domain.Query {
	var subs []domain.Query
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		subs = append(subs, domain.Query(line))
		if max > 0 && len(subs) == max {
			break
		}
	}
	return subs
}

// ExtractiveAnswerer answers without a model by returning the context
// paragraphs that share the most terms with the query.
type ExtractiveAnswerer struct {
	subject       string
	maxParagraphs int
	maxSubQueries int
}

// NewExtractiveAnswerer creates the model-free answerer used with the keyword analyzer.
func NewExtractiveAnswerer(subject string, maxSubQueries int) *ExtractiveAnswerer {
	if maxSubQueries <= 0 {
		maxSubQueries = domain.DefaultConfig().Agent.MaxSubQueries
	}
	return &ExtractiveAnswerer{subject: subject, maxParagraphs: 3, maxSubQueries: maxSubQueries}
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "to": {}, "in": {}, "is": {}, "are": {}, "and": {},
	"or": {}, "for": {}, "on": {}, "what": {}, "how": {}, "does": {}, "do": {}, "with": {},
	"which": {}, "who": {}, "when": {}, "why": {}, "it": {}, "be": {}, "by": {}, "as": {},
}

func queryTerms(q string) []string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	var terms []string
	for _, f := range fields {
		if _, stop := stopWords[f]; stop || len(f) < 2 {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// Answer picks the best-matching paragraphs of knowledge.
func (e *ExtractiveAnswerer) Answer(ctx context.Context, query domain.Query, knowledge string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	terms := queryTerms(query.String())
	type scored struct {
		idx   int
		score int
		text  string
	}
	var hits []scored
	for i, para := range strings.Split(knowledge, "\n\n") {
		lower := strings.ToLower(para)
		score := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{idx: i, score: score, text: strings.TrimSpace(para)})
		}
	}

	if len(hits) == 0 {
		return fmt.Sprintf("Based on the provided context, I don't have enough information to answer your question about %s in relation to '%s'.", e.subject, query), nil
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > e.maxParagraphs {
		hits = hits[:e.maxParagraphs]
	}
	// restore context order for readability
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].idx < hits[j].idx })

	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = h.text
	}
	return strings.Join(parts, "\n\n"), nil
}

// Decompose splits comparisons; anything else becomes a definition question.
func (e *ExtractiveAnswerer) Decompose(ctx context.Context, query domain.Query, knowledge string) ([]domain.Query, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subject := strings.TrimPrefix(strings.ToLower(e.subject), "the ")
	subs := keywordSubQueries(strings.ToLower(query.String()), subject)
	if len(subs) == 0 {
		subs = []domain.Query{domain.Query("What is " + subject + "?")}
	}
	if len(subs) > e.maxSubQueries {
		subs = subs[:e.maxSubQueries]
	}
	return subs, nil
}
