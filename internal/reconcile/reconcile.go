// Package reconcile implements the three sweeps spec.md §4.F names: stale
// queue claims, stale workspace syncs, and human-loop request timeouts.
// Each sweep mirrors the teacher's TTL worker shape (find-expired then
// clean-up-each), generalized from one sweep to three independent ones.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/eventbus"
	"github.com/agentctl/runctl/internal/queue"
	"github.com/agentctl/runctl/internal/store"
	"github.com/agentctl/runctl/internal/worker"
)

// Reconciler owns the three sweeps and the store/queue/bus/worker handles
// each one needs.
type Reconciler struct {
	queue  *queue.Queue
	bus    *eventbus.Bus
	cb     store.CallbackRepository
	worker *worker.Manager

	claimLimit     int
	humanLoopLimit int

	mu            sync.Mutex
	lastClaims    StaleClaimsResult
	lastSyncs     StaleSyncsResult
	lastHumanLoop HumanLoopTimeoutResult
}

// New builds a Reconciler.
func New(q *queue.Queue, bus *eventbus.Bus, cb store.CallbackRepository, w *worker.Manager, claimLimit, humanLoopLimit int) *Reconciler {
	return &Reconciler{queue: q, bus: bus, cb: cb, worker: w, claimLimit: claimLimit, humanLoopLimit: humanLoopLimit}
}

// Metrics returns the result of the most recently completed pass of each
// sweep, for the GET /reconcile/metrics endpoint.
func (r *Reconciler) Metrics() (StaleClaimsResult, StaleSyncsResult, HumanLoopTimeoutResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastClaims, r.lastSyncs, r.lastHumanLoop
}

// StaleClaimsResult is the outcome of one SweepStaleClaims pass, matching
// spec.md §6's `POST /reconcile/runs` response shape.
type StaleClaimsResult struct {
	Total   int
	Retried int
	Failed  int
}

// StaleSyncsResult is the outcome of one SweepStaleSyncs pass, matching
// spec.md §6's `POST /reconcile/sync` response shape.
type StaleSyncsResult struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
}

// HumanLoopTimeoutResult is the outcome of one SweepHumanLoopTimeouts pass,
// matching spec.md §6's `POST /reconcile/human-loop-timeout` response shape.
type HumanLoopTimeoutResult struct {
	Pending    int
	Expired    int
	FailedRuns int
}

// SweepStaleClaims requeues (or terminally fails) run-queue items whose
// claim lease expired without the worker reporting completion.
func (r *Reconciler) SweepStaleClaims(ctx context.Context) (StaleClaimsResult, error) {
	now := time.Now()
	stale, err := r.queue.FindStaleClaims(ctx, now, r.claimLimit)
	if err != nil {
		return StaleClaimsResult{}, fmt.Errorf("find stale claims: %w", err)
	}
	if len(stale) == 0 {
		r.mu.Lock()
		r.lastClaims = StaleClaimsResult{}
		r.mu.Unlock()
		return StaleClaimsResult{}, nil
	}
	slog.Info("reconciler found stale claims", "count", len(stale))

	res := StaleClaimsResult{Total: len(stale)}
	for _, item := range stale {
		updated, err := r.queue.MarkRetryOrFailed(ctx, item.RunID, now, "reconciler_stale_claim_timeout")
		if err != nil {
			slog.Error("reconciler failed to requeue stale claim", "run_id", item.RunID, "error", err)
			continue
		}
		if updated.Status == domain.RunFailed {
			res.Failed++
		} else {
			res.Retried++
		}
		if _, err := r.bus.Publish(ctx, item.RunID, &domain.RunEvent{
			Kind: domain.EventRunStatus, TS: now,
			Payload: domain.RunStatusPayload{Status: "requeued", Detail: "reconciler_stale_claim_timeout"},
		}); err != nil {
			slog.Debug("reconciler publish to closed stream ignored", "run_id", item.RunID, "error", err)
		}
	}
	r.mu.Lock()
	r.lastClaims = res
	r.mu.Unlock()
	return res, nil
}

// SweepStaleSyncs re-triggers a workspace sync for workers whose last sync
// attempt has been running or stale past the configured cutoff. A worker
// whose container has already vanished is counted as skipped rather than
// failed.
func (r *Reconciler) SweepStaleSyncs(ctx context.Context, cutoff time.Duration, limit int, repo store.WorkerRepository) (StaleSyncsResult, error) {
	stale, err := repo.ListStaleSync(ctx, time.Now().Add(-cutoff), limit)
	if err != nil {
		return StaleSyncsResult{}, fmt.Errorf("list stale syncs: %w", err)
	}
	if len(stale) == 0 {
		r.mu.Lock()
		r.lastSyncs = StaleSyncsResult{}
		r.mu.Unlock()
		return StaleSyncsResult{}, nil
	}
	slog.Info("reconciler found stale workspace syncs", "count", len(stale))

	res := StaleSyncsResult{Total: len(stale)}
	for _, w := range stale {
		skipped, err := r.worker.SyncOrSkipIfMissing(ctx, domain.SyncSpec{
			SessionID: w.SessionID, Reason: domain.SyncReasonReconcile,
			Include: domain.DefaultSyncInclude, Exclude: domain.DefaultSyncExclude,
		})
		if err != nil {
			slog.Error("reconciler failed to re-sync stale worker", "session_id", w.SessionID, "error", err)
			res.Failed++
			continue
		}
		if skipped {
			res.Skipped++
			continue
		}
		res.Succeeded++
	}
	r.mu.Lock()
	r.lastSyncs = res
	r.mu.Unlock()
	return res, nil
}

// SweepHumanLoopTimeouts expires pending human-loop requests that have sat
// unanswered past their deadline, unblocking the run with a failure.
func (r *Reconciler) SweepHumanLoopTimeouts(ctx context.Context) (HumanLoopTimeoutResult, error) {
	now := time.Now()
	stale, err := r.cb.FindStalePendingHumanLoopRequests(ctx, now, r.humanLoopLimit)
	if err != nil {
		return HumanLoopTimeoutResult{}, fmt.Errorf("find stale human loop requests: %w", err)
	}
	if len(stale) == 0 {
		r.mu.Lock()
		r.lastHumanLoop = HumanLoopTimeoutResult{}
		r.mu.Unlock()
		return HumanLoopTimeoutResult{}, nil
	}
	slog.Info("reconciler found timed-out human loop requests", "count", len(stale))

	res := HumanLoopTimeoutResult{Pending: len(stale)}
	for _, req := range stale {
		if err := r.cb.ExpireHumanLoopRequest(ctx, req.QuestionID, now); err != nil {
			slog.Error("reconciler failed to expire human loop request", "question_id", req.QuestionID, "error", err)
			continue
		}
		res.Expired++
		if err := r.queue.MarkFailed(ctx, req.RunID, now, "human-loop request timed out"); err != nil {
			slog.Error("reconciler failed to fail run after human-loop timeout", "run_id", req.RunID, "error", err)
		} else {
			res.FailedRuns++
		}
		if _, err := r.bus.Publish(ctx, req.RunID, &domain.RunEvent{
			Kind: domain.EventRunClosed, TS: now,
			Payload: domain.RunClosedPayload{Reason: "human-loop request timed out"},
		}); err != nil {
			slog.Debug("reconciler publish to closed stream ignored", "run_id", req.RunID, "error", err)
		}
	}
	r.mu.Lock()
	r.lastHumanLoop = res
	r.mu.Unlock()
	return res, nil
}
