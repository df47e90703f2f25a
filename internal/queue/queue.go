// Package queue implements the durable run queue (spec.md 4.A): enqueue,
// exclusive claiming with a lease, and terminal/retry transitions.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/store"
)

// Queue is the run-queue component.
type Queue struct {
	repo         store.QueueRepository
	leaseMs      int64
	retryDelayMs int64
	maxAttempts  int
}

// New builds a Queue backed by repo, using the given lease/retry defaults.
func New(repo store.QueueRepository, leaseMs, retryDelayMs int64, maxAttempts int) *Queue {
	return &Queue{repo: repo, leaseMs: leaseMs, retryDelayMs: retryDelayMs, maxAttempts: maxAttempts}
}

// Enqueue inserts a new run, idempotent on runId: a second enqueue with the
// same runId is a no-op that returns the existing item rather than an error.
func (q *Queue) Enqueue(ctx context.Context, runID, sessionID string, provider domain.Provider, payload []byte, now time.Time) (*domain.RunQueueItem, error) {
	item := &domain.RunQueueItem{
		RunID:       runID,
		SessionID:   sessionID,
		Provider:    provider,
		Status:      domain.RunQueued,
		MaxAttempts: q.maxAttempts,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	accepted, err := q.repo.Insert(ctx, item)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("enqueue run: %w", err))
	}
	if accepted {
		return item, nil
	}

	existing, err := q.repo.FindByRunID(ctx, runID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("enqueue run: reload existing: %w", err))
	}
	if existing == nil {
		return nil, apperr.Internal(fmt.Errorf("enqueue run: item vanished after rejected insert"))
	}
	return existing, nil
}

// ClaimNext atomically selects and claims the oldest claimable item for
// owner, extending its lease to now+lease. Returns nil, nil when nothing is
// claimable.
func (q *Queue) ClaimNext(ctx context.Context, owner string, now time.Time) (*domain.RunQueueItem, error) {
	item, err := q.repo.ClaimNext(ctx, owner, now, q.leaseMs)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("claim next run: %w", err))
	}
	return item, nil
}

// MarkSucceeded transitions runID to its terminal succeeded state.
func (q *Queue) MarkSucceeded(ctx context.Context, runID string, now time.Time) error {
	if err := q.repo.MarkSucceeded(ctx, runID, now); err != nil {
		return apperr.Internal(fmt.Errorf("mark run succeeded: %w", err))
	}
	return nil
}

// MarkCanceled transitions runID to its terminal canceled state.
func (q *Queue) MarkCanceled(ctx context.Context, runID string, now time.Time, reason string) error {
	if err := q.repo.MarkCanceled(ctx, runID, now, reason); err != nil {
		return apperr.Internal(fmt.Errorf("mark run canceled: %w", err))
	}
	return nil
}

// MarkRetryOrFailed returns runID to queued with a backoff delay, or to the
// terminal failed state once maxAttempts has been reached.
func (q *Queue) MarkRetryOrFailed(ctx context.Context, runID string, now time.Time, errorMessage string) (*domain.RunQueueItem, error) {
	item, err := q.repo.MarkRetryOrFailed(ctx, runID, now, q.retryDelayMs, errorMessage)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("mark retry or failed: %w", err))
	}
	return item, nil
}

// MarkFailed transitions runID straight to the terminal failed state,
// bypassing the retry path entirely — for callers like the human-loop
// timeout sweep where spec.md requires an unconditional failure rather
// than another attempt.
func (q *Queue) MarkFailed(ctx context.Context, runID string, now time.Time, errorMessage string) error {
	if err := q.repo.MarkFailed(ctx, runID, now, errorMessage); err != nil {
		return apperr.Internal(fmt.Errorf("mark run failed: %w", err))
	}
	return nil
}

// FindByRunID returns the current queue row for runID, or nil if absent.
func (q *Queue) FindByRunID(ctx context.Context, runID string) (*domain.RunQueueItem, error) {
	item, err := q.repo.FindByRunID(ctx, runID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("find run: %w", err))
	}
	return item, nil
}

// FindStaleClaims returns claimed items whose lease expired before now, for
// the stale-claim reconciler sweep (spec.md 4.F).
func (q *Queue) FindStaleClaims(ctx context.Context, now time.Time, limit int) ([]*domain.RunQueueItem, error) {
	items, err := q.repo.FindStaleClaims(ctx, now, limit)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("find stale claims: %w", err))
	}
	return items, nil
}
