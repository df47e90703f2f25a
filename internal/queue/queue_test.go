package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentctl/runctl/internal/domain"
)

type fakeQueueRepo struct {
	mu    sync.Mutex
	items map[string]*domain.RunQueueItem
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{items: make(map[string]*domain.RunQueueItem)}
}

func (f *fakeQueueRepo) Insert(_ context.Context, item *domain.RunQueueItem) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[item.RunID]; ok {
		return false, nil
	}
	copy := *item
	f.items[item.RunID] = &copy
	return true, nil
}

func (f *fakeQueueRepo) FindByRunID(_ context.Context, runID string) (*domain.RunQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[runID]
	if !ok {
		return nil, nil
	}
	copy := *item
	return &copy, nil
}

func (f *fakeQueueRepo) ClaimNext(_ context.Context, owner string, now time.Time, leaseMs int64) (*domain.RunQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.RunQueueItem
	for _, item := range f.items {
		if !item.IsClaimable(now) {
			continue
		}
		if best == nil || item.CreatedAt.Before(best.CreatedAt) {
			best = item
		}
	}
	if best == nil {
		return nil, nil
	}
	lease := now.Add(time.Duration(leaseMs) * time.Millisecond)
	best.Status = domain.RunClaimed
	best.LockOwner = owner
	best.LockExpiresAt = &lease
	best.Attempts++
	best.UpdatedAt = now
	copy := *best
	return &copy, nil
}

func (f *fakeQueueRepo) MarkSucceeded(_ context.Context, runID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[runID]; ok {
		item.Status = domain.RunSucceeded
		item.UpdatedAt = now
	}
	return nil
}

func (f *fakeQueueRepo) MarkCanceled(_ context.Context, runID string, now time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[runID]; ok {
		item.Status = domain.RunCanceled
		item.ErrorMessage = reason
		item.UpdatedAt = now
	}
	return nil
}

func (f *fakeQueueRepo) MarkRetryOrFailed(_ context.Context, runID string, now time.Time, retryDelayMs int64, errorMessage string) (*domain.RunQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[runID]
	if !ok {
		return nil, nil
	}
	if item.Attempts >= item.MaxAttempts {
		item.Status = domain.RunFailed
	} else {
		available := now.Add(time.Duration(retryDelayMs) * time.Millisecond)
		item.Status = domain.RunQueued
		item.LockOwner = ""
		item.LockExpiresAt = nil
		item.AvailableAt = &available
	}
	item.ErrorMessage = errorMessage
	item.UpdatedAt = now
	copy := *item
	return &copy, nil
}

func (f *fakeQueueRepo) MarkFailed(_ context.Context, runID string, now time.Time, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[runID]; ok {
		item.Status = domain.RunFailed
		item.ErrorMessage = errorMessage
		item.UpdatedAt = now
	}
	return nil
}

func (f *fakeQueueRepo) FindStaleClaims(_ context.Context, now time.Time, limit int) ([]*domain.RunQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.RunQueueItem
	for _, item := range f.items {
		if item.Status == domain.RunClaimed && item.LockExpiresAt != nil && !item.LockExpiresAt.After(now) {
			copy := *item
			out = append(out, &copy)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func TestEnqueueIsIdempotent(t *testing.T) {
	repo := newFakeQueueRepo()
	q := New(repo, 60_000, 2_000, 3)
	now := time.Now()

	first, err := q.Enqueue(context.Background(), "run-1", "sess-1", "claude", []byte(`{}`), now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(context.Background(), "run-1", "sess-other", "codex", []byte(`{"x":1}`), now.Add(time.Second))
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("duplicate enqueue returned a different item: got session %q, want %q", second.SessionID, first.SessionID)
	}
}

func TestClaimNextRespectsLease(t *testing.T) {
	repo := newFakeQueueRepo()
	q := New(repo, 1_000, 2_000, 3)
	now := time.Now()

	if _, err := q.Enqueue(context.Background(), "run-1", "sess-1", "claude", nil, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := q.ClaimNext(context.Background(), "worker-a", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimable item")
	}

	again, err := q.ClaimNext(context.Background(), "worker-b", now.Add(100*time.Millisecond))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no claimable item while lease is held, got %+v", again)
	}

	afterLease, err := q.ClaimNext(context.Background(), "worker-b", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("claim after lease expiry: %v", err)
	}
	if afterLease == nil {
		t.Fatal("expected the expired lease to become claimable again")
	}
	if afterLease.Attempts != 2 {
		t.Fatalf("expected attempts to increment across claims, got %d", afterLease.Attempts)
	}
}

func TestMarkRetryOrFailedRespectsMaxAttempts(t *testing.T) {
	repo := newFakeQueueRepo()
	q := New(repo, 1_000, 500, 2)
	now := time.Now()

	if _, err := q.Enqueue(context.Background(), "run-1", "sess-1", "claude", nil, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ClaimNext(context.Background(), "worker-a", now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	retried, err := q.MarkRetryOrFailed(context.Background(), "run-1", now, "transient error")
	if err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if retried.Status != domain.RunQueued {
		t.Fatalf("expected requeue on first failure, got status %q", retried.Status)
	}

	if _, err := q.ClaimNext(context.Background(), "worker-a", now.Add(time.Second)); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	failed, err := q.MarkRetryOrFailed(context.Background(), "run-1", now.Add(time.Second), "permanent error")
	if err != nil {
		t.Fatalf("mark retry second time: %v", err)
	}
	if failed.Status != domain.RunFailed {
		t.Fatalf("expected terminal failed status after exhausting attempts, got %q", failed.Status)
	}
}

func TestMarkFailedIsUnconditional(t *testing.T) {
	repo := newFakeQueueRepo()
	q := New(repo, 1_000, 500, 3)
	now := time.Now()

	if _, err := q.Enqueue(context.Background(), "run-1", "sess-1", "claude", nil, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ClaimNext(context.Background(), "worker-a", now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := q.MarkFailed(context.Background(), "run-1", now, "human-loop request timed out"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	item, err := q.FindByRunID(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if item.Status != domain.RunFailed {
		t.Fatalf("expected failed despite attempts remaining below max, got %q", item.Status)
	}
	if item.ErrorMessage != "human-loop request timed out" {
		t.Fatalf("expected error message recorded, got %q", item.ErrorMessage)
	}
}
