package services

import (
	"context"
	"strings"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// toolTrigger routes queries containing any of its keywords to a tool.
type toolTrigger struct {
	tool     string
	keywords []string
}

// Checked in order; the first registered tool with a matching keyword wins.
var defaultToolTriggers = []toolTrigger{
	{ToolDatabase, []string{"how many", "average", "total", "count", "sum of", "top ", "approved", "declined", "pending"}},
	{ToolSchema, []string{"schema", "table", "column", "field"}},
	{ToolPlatformStatus, []string{"running", "container", "is it up", "is up", "is down", "deployed", "status of"}},
	{ToolCode, []string{"code", "function", "endpoint", "implemented", "implementation", "frontend", "backend"}},
	{ToolDocuments, []string{"history", "when was", "applications", "used for", "limitations", "drawbacks", "policy", "process"}},
}

// KeywordAnalyzer is a deterministic analyzer that needs no model.
// It recognises definition questions, comparisons and tool topics, and asks
// for clarification otherwise.
type KeywordAnalyzer struct {
	subjectTerms []string
	tools        *domain.ToolRegistry
	triggers     []toolTrigger
}

// NewKeywordAnalyzer creates a keyword analyzer. Only tools present in the
// registry are ever selected; tools may be nil.
func NewKeywordAnalyzer(subject string, tools *domain.ToolRegistry) *KeywordAnalyzer {
	return &KeywordAnalyzer{
		subjectTerms: subjectTerms(subject),
		tools:        tools,
		triggers:     defaultToolTriggers,
	}
}

func subjectTerms(subject string) []string {
	s := strings.ToLower(strings.TrimSpace(subject))
	if s == "" {
		return nil
	}
	terms := []string{s}
	if trimmed := strings.TrimPrefix(s, "the "); trimmed != s {
		terms = append(terms, trimmed)
	}
	if trimmed := strings.TrimSuffix(strings.TrimPrefix(s, "the "), " platform"); trimmed != s {
		terms = append(terms, trimmed)
	}
	return terms
}

func (a *KeywordAnalyzer) mentionsSubject(q string) bool {
	for _, t := range a.subjectTerms {
		if strings.Contains(q, t) {
			return true
		}
	}
	return false
}

// Analyze never fails except on a cancelled context.
func (a *KeywordAnalyzer) Analyze(ctx context.Context, query domain.Query, knowledge string) (domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return domain.Decision{}, err
	}

	q := strings.ToLower(query.String())
	var d domain.Decision

	if (strings.Contains(q, "what is") || strings.Contains(q, "definition")) && a.mentionsSubject(q) {
		d.CanAnswer = true
	}

	if strings.Contains(q, "compare") || strings.Contains(q, "difference between") {
		d.NeedsDecomposition = true
		d.SubQueries = keywordSubQueries(q, a.subject())
	}

	if tool := a.pickTool(q); tool != "" {
		input := strings.TrimSpace(query.String())
		if strings.Contains(knowledge, observationMarker(tool, input)) {
			// already looked it up for this query
			d.CanAnswer = true
		} else {
			d.ToolNeeded = &tool
			d.ToolInput = input
		}
	}

	if !d.CanAnswer && !d.NeedsDecomposition && d.ToolNeeded == nil {
		if strings.Contains(knowledge, clarificationPrefix) {
			d.CanAnswer = true
		} else {
			d.MissingInformation = []string{"specific aspects of the query"}
		}
	}
	return d.Normalize(), nil
}

func (a *KeywordAnalyzer) subject() string {
	if len(a.subjectTerms) == 0 {
		return "the subject"
	}
	return a.subjectTerms[len(a.subjectTerms)-1]
}

func (a *KeywordAnalyzer) pickTool(q string) string {
	if a.tools == nil {
		return ""
	}
	for _, trig := range a.triggers {
		if !a.tools.Has(trig.tool) {
			continue
		}
		for _, kw := range trig.keywords {
			if strings.Contains(q, kw) {
				return trig.tool
			}
		}
	}
	return ""
}

// keywordSubQueries splits comparison questions the way the offline answerer does.
func keywordSubQueries(q, subject string) []domain.Query {
	if strings.Contains(q, "difference between") {
		rest := strings.SplitN(q, "difference between", 2)[1]
		parts := strings.SplitN(rest, " and ", 2)
		if len(parts) == 2 {
			a := strings.Trim(strings.TrimSpace(parts[0]), "?.")
			b := strings.Trim(strings.TrimSpace(parts[1]), "?.")
			if a != "" && b != "" {
				return []domain.Query{domain.Query("What is " + a + "?"), domain.Query("What is " + b + "?")}
			}
		}
		return nil
	}
	return []domain.Query{
		domain.Query("What is " + subject + "?"),
		domain.Query("What are the key components of " + subject + "?"),
		domain.Query("What are the applications of " + subject + "?"),
	}
}
