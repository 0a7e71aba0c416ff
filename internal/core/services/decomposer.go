package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

// unableToResolve is recorded as the answer of a sub-query that failed.
const unableToResolve = "Unable to resolve this sub-query."

var (
	// errNoSubQueries means decomposition produced nothing to resolve.
	errNoSubQueries = errors.New("decomposition produced no sub-queries")

	// errResolutionHalted is returned by a SubResolver when the whole run
	// must stop (budget exhausted or cancelled). Remaining sub-queries are skipped.
	errResolutionHalted = errors.New("resolution halted")
)

// SubResolver resolves one sub-query through the controller at the next depth.
type SubResolver func(ctx context.Context, sub domain.Query) (string, error)

type subAnswer struct {
	Query  domain.Query
	Answer string
}

// Decomposer resolves a complex query by answering its sub-queries in order
// against the shared context, merging the pairs as one segment, and then
// regenerating the answer for the original query.
type Decomposer struct {
	logger        *slog.Logger
	answerer      ports.Answerer
	maxSubQueries int
}

// NewDecomposer creates a decomposition executor.
func NewDecomposer(logger *slog.Logger, answerer ports.Answerer, maxSubQueries int) *Decomposer {
	if maxSubQueries <= 0 {
		maxSubQueries = domain.DefaultConfig().Agent.MaxSubQueries
	}
	return &Decomposer{logger: logger, answerer: answerer, maxSubQueries: maxSubQueries}
}

// SubQueries returns the sub-queries to resolve: the decision's own, or a
// dedicated decomposition step when it carries none. Capped at maxSubQueries.
func (d *Decomposer) SubQueries(ctx context.Context, kc *domain.KnowledgeContext, query domain.Query, decision domain.Decision) ([]domain.Query, error) {
	subs := decision.SubQueries
	if len(subs) == 0 {
		var err error
		subs, err = d.answerer.Decompose(ctx, query, kc.Current())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.logger.Warn("decomposition step failed", "query", truncate(query.String(), 120), "error", err)
			return nil, errNoSubQueries
		}
	}

	var out []domain.Query
	for _, s := range subs {
		if s.IsBlank() {
			continue
		}
		out = append(out, domain.Query(strings.TrimSpace(s.String())))
		if len(out) == d.maxSubQueries {
			break
		}
	}
	if len(out) == 0 {
		return nil, errNoSubQueries
	}
	return out, nil
}

// Resolve runs the decomposition. A failed sub-query is recorded as
// unable to resolve and its siblings still run. When resolve halts the run,
// the collected pairs are still merged and errResolutionHalted is returned
// without an answer.
func (d *Decomposer) Resolve(ctx context.Context, kc *domain.KnowledgeContext, query domain.Query, decision domain.Decision, resolve SubResolver) (string, error) {
	subs, err := d.SubQueries(ctx, kc, query, decision)
	if err != nil {
		return "", err
	}

	pairs := make([]subAnswer, 0, len(subs))
	halted := false
	for i, sub := range subs {
		if halted {
			pairs = append(pairs, subAnswer{Query: sub, Answer: unableToResolve})
			continue
		}

		ans, err := resolve(ctx, sub)
		switch {
		case errors.Is(err, errResolutionHalted):
			halted = true
			ans = unableToResolve
		case err != nil:
			d.logger.Warn("sub-query failed", "index", i, "sub_query", truncate(sub.String(), 120), "error", err)
			ans = unableToResolve
		case strings.TrimSpace(ans) == "":
			ans = unableToResolve
		}
		pairs = append(pairs, subAnswer{Query: sub, Answer: ans})
	}

	kc.Append(domain.SegmentSubAnswers, formatSubAnswers(pairs))

	if halted {
		return "", errResolutionHalted
	}

	final, err := d.answerer.Answer(ctx, query, kc.Current())
	if err != nil {
		return "", fmt.Errorf("answer after decomposition: %w", err)
	}
	return final, nil
}
