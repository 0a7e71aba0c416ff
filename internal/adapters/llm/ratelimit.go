package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// RateLimited wraps a provider so calls wait for a token before reaching the model.
type RateLimited struct {
	next    domain.LLMProvider
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with a burst of one.
// rps <= 0 returns next unchanged.
func NewRateLimited(next domain.LLMProvider, rps float64) domain.LLMProvider {
	if rps <= 0 {
		return next
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

func (r *RateLimited) GenerateText(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	return r.next.GenerateText(ctx, prompt)
}
