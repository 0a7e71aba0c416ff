package services

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// RunScheduler bounds how many loop drives (Ask or Clarify) execute at once
// across all sessions. Callers over the limit wait for a slot or for their
// context to end.
type RunScheduler struct {
	logger *slog.Logger
	limit  int64
	sem    *semaphore.Weighted
}

// NewRunScheduler returns a scheduler admitting limit concurrent runs.
// limit <= 0 means unbounded, and a nil scheduler is valid and unbounded too.
func NewRunScheduler(logger *slog.Logger, limit int64) *RunScheduler {
	s := &RunScheduler{logger: logger, limit: limit}
	if limit > 0 {
		s.sem = semaphore.NewWeighted(limit)
	}
	return s
}

// Do runs fn once a slot is free.
func (s *RunScheduler) Do(ctx context.Context, fn func(context.Context) error) error {
	if s == nil || s.sem == nil {
		return fn(ctx)
	}
	if !s.sem.TryAcquire(1) {
		s.logger.Debug("run waiting for a free slot", "limit", s.limit)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("wait for run slot: %w", err)
		}
	}
	defer s.sem.Release(1)
	return fn(ctx)
}
