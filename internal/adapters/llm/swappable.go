package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// Swappable forwards to a provider that can be replaced at runtime, so
// settings changes reach analyzers and answerers built at startup.
type Swappable struct {
	mu      sync.RWMutex
	current domain.LLMProvider
}

// NewSwappable starts with initial, which may be nil.
func NewSwappable(initial domain.LLMProvider) *Swappable {
	return &Swappable{current: initial}
}

// Swap replaces the provider used by subsequent calls.
func (s *Swappable) Swap(p domain.LLMProvider) {
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
}

func (s *Swappable) GenerateText(ctx context.Context, prompt string) (string, error) {
	s.mu.RLock()
	p := s.current
	s.mu.RUnlock()
	if p == nil {
		return "", errors.New("no llm provider configured")
	}
	return p.GenerateText(ctx, prompt)
}
