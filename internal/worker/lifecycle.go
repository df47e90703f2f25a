package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/metrics"
	"github.com/agentctl/runctl/internal/store"
)

// Config controls the idle/retention windows spec.md 4.E names for
// stopIdleWorkers and removeLongStoppedWorkers.
type Config struct {
	IdleTimeout      time.Duration
	StoppedRetention time.Duration
	SweepLimit       int
	S3PrefixFormat   string // fmt.Sprintf pattern taking the session id
	Env              map[string]string
}

// Manager implements the session-worker lifecycle (spec.md 4.E):
// activateSession, syncSessionWorkspace, stopIdleWorkers,
// removeLongStoppedWorkers.
type Manager struct {
	repo     store.WorkerRepository
	docker   DockerClient
	sync     WorkspaceSyncClient
	executor ExecutorClient
	cfg      Config
}

// New builds a Manager.
func New(repo store.WorkerRepository, docker DockerClient, syncClient WorkspaceSyncClient, executor ExecutorClient, cfg Config) *Manager {
	return &Manager{repo: repo, docker: docker, sync: syncClient, executor: executor, cfg: cfg}
}

// Get returns the current worker state for a session, or nil if none exists.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.SessionWorker, error) {
	w, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("get session worker: %w", err))
	}
	return w, nil
}

// ActivateSession ensures sessionID has a running worker, creating one if
// none exists, restarting a stopped one, or just touching LastActiveAt if
// already running.
func (m *Manager) ActivateSession(ctx context.Context, actx domain.ActivateContext) (*domain.SessionWorker, error) {
	now := time.Now()
	existing, err := m.repo.Get(ctx, actx.SessionID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("get session worker: %w", err))
	}

	if existing != nil && existing.State == domain.WorkerRunning {
		existing.LastActiveAt = now
		existing.UpdatedAt = now
		if err := m.repo.Upsert(ctx, existing); err != nil {
			return nil, apperr.Internal(fmt.Errorf("touch running worker: %w", err))
		}
		return existing, nil
	}

	if existing != nil && existing.State == domain.WorkerStopped {
		if err := m.docker.Start(ctx, existing.ContainerID); err != nil {
			return nil, apperr.Internal(fmt.Errorf("restart worker %s: %w", existing.ContainerID, err))
		}
		existing.State = domain.WorkerRunning
		existing.StoppedAt = nil
		existing.LastActiveAt = now
		existing.UpdatedAt = now
		if err := m.repo.Upsert(ctx, existing); err != nil {
			return nil, apperr.Internal(fmt.Errorf("persist restarted worker: %w", err))
		}
		slog.Info("session worker restarted", "session_id", actx.SessionID, "container_id", existing.ContainerID)
		return existing, nil
	}

	containerID, err := m.docker.CreateWorker(ctx, actx.SessionID, m.cfg.Env)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("create worker container: %w", err))
	}

	worker := &domain.SessionWorker{
		SessionID:         actx.SessionID,
		ContainerID:       containerID,
		WorkspaceS3Prefix: fmt.Sprintf(m.cfg.S3PrefixFormat, actx.SessionID),
		State:             domain.WorkerRunning,
		LastActiveAt:      now,
		LastSyncStatus:    domain.SyncNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.repo.Upsert(ctx, worker); err != nil {
		return nil, apperr.Internal(fmt.Errorf("persist new worker: %w", err))
	}
	slog.Info("session worker created", "session_id", actx.SessionID, "container_id", containerID)
	return worker, nil
}

// SyncSessionWorkspace exports /workspace from the session's container and
// uploads it to object storage, recording the outcome on the worker row
// regardless of success or failure.
func (m *Manager) SyncSessionWorkspace(ctx context.Context, spec domain.SyncSpec) error {
	w, err := m.repo.Get(ctx, spec.SessionID)
	if err != nil {
		return apperr.Internal(fmt.Errorf("get session worker: %w", err))
	}
	if w == nil {
		return apperr.NotFound(fmt.Sprintf("no worker for session %s", spec.SessionID))
	}

	now := time.Now()
	w.LastSyncStatus = domain.SyncRunning
	w.LastSyncAt = &now
	w.LastSyncError = ""
	w.UpdatedAt = now
	if err := m.repo.Upsert(ctx, w); err != nil {
		return apperr.Internal(fmt.Errorf("mark sync running: %w", err))
	}

	archive, err := m.docker.ExportWorkspace(ctx, w.ContainerID)
	syncErr := err
	if syncErr == nil {
		defer archive.Close()
		syncErr = m.sync.SyncWorkspace(ctx, spec, w.WorkspaceS3Prefix, archive)
	}

	finished := time.Now()
	w.LastSyncAt = &finished
	w.UpdatedAt = finished
	if syncErr != nil {
		w.LastSyncStatus = domain.SyncFailed
		w.LastSyncError = syncErr.Error()
	} else {
		w.LastSyncStatus = domain.SyncSuccess
		w.LastSyncError = ""
	}
	if err := m.repo.Upsert(ctx, w); err != nil {
		return apperr.Internal(fmt.Errorf("record sync outcome: %w", err))
	}
	if syncErr != nil {
		return apperr.Internal(fmt.Errorf("sync workspace for %s: %w", spec.SessionID, syncErr))
	}
	return nil
}

// StopIdleWorkers syncs (pre-stop) and stops workers that have been running
// without activity past cfg.IdleTimeout. A worker whose container has
// already vanished skips straight to deleted rather than paying for a
// doomed sync and stop call.
func (m *Manager) StopIdleWorkers(ctx context.Context) (stopped int, err error) {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	idle, err := m.repo.ListIdleSince(ctx, cutoff, m.cfg.SweepLimit)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("list idle workers: %w", err))
	}

	for _, w := range idle {
		exists, err := m.docker.Exists(ctx, w.ContainerID)
		if err != nil {
			slog.Error("failed to check idle worker container", "session_id", w.SessionID, "container_id", w.ContainerID, "error", err)
			continue
		}
		if !exists {
			if err := m.markDeleted(ctx, w); err != nil {
				slog.Error("failed to persist deleted worker", "session_id", w.SessionID, "error", err)
				continue
			}
			stopped++
			continue
		}

		if syncErr := m.SyncSessionWorkspace(ctx, domain.SyncSpec{
			SessionID: w.SessionID, Reason: domain.SyncReasonPreStop,
			Include: domain.DefaultSyncInclude, Exclude: domain.DefaultSyncExclude,
		}); syncErr != nil {
			slog.Warn("pre-stop workspace sync failed, stopping anyway", "session_id", w.SessionID, "error", syncErr)
		}

		if err := m.docker.Stop(ctx, w.ContainerID); err != nil {
			slog.Error("failed to stop idle worker", "session_id", w.SessionID, "container_id", w.ContainerID, "error", err)
			continue
		}

		now := time.Now()
		w.State = domain.WorkerStopped
		w.StoppedAt = &now
		w.UpdatedAt = now
		if err := m.repo.Upsert(ctx, w); err != nil {
			slog.Error("failed to persist stopped worker", "session_id", w.SessionID, "error", err)
			continue
		}
		stopped++
	}
	metrics.WorkersByState.WithLabelValues("stopped").Set(float64(stopped))
	return stopped, nil
}

// RemoveLongStoppedWorkers syncs (pre-remove), then removes containers and
// volumes for workers that have been stopped past cfg.StoppedRetention. A
// worker whose container has already vanished skips straight to deleted.
func (m *Manager) RemoveLongStoppedWorkers(ctx context.Context) (removed int, err error) {
	cutoff := time.Now().Add(-m.cfg.StoppedRetention)
	stale, err := m.repo.ListStoppedSince(ctx, cutoff, m.cfg.SweepLimit)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("list stopped workers: %w", err))
	}

	for _, w := range stale {
		exists, err := m.docker.Exists(ctx, w.ContainerID)
		if err != nil {
			slog.Error("failed to check stopped worker container", "session_id", w.SessionID, "container_id", w.ContainerID, "error", err)
			continue
		}
		if !exists {
			if err := m.markDeleted(ctx, w); err != nil {
				slog.Error("failed to persist deleted worker", "session_id", w.SessionID, "error", err)
				continue
			}
			removed++
			continue
		}

		if syncErr := m.SyncSessionWorkspace(ctx, domain.SyncSpec{
			SessionID: w.SessionID, Reason: domain.SyncReasonPreRemove,
			Include: domain.DefaultSyncInclude, Exclude: domain.DefaultSyncExclude,
		}); syncErr != nil {
			slog.Warn("pre-remove workspace sync failed, removing anyway", "session_id", w.SessionID, "error", syncErr)
		}

		if err := m.docker.Remove(ctx, w.ContainerID); err != nil {
			slog.Error("failed to remove stopped worker", "session_id", w.SessionID, "container_id", w.ContainerID, "error", err)
			continue
		}

		if err := m.markDeleted(ctx, w); err != nil {
			slog.Error("failed to persist deleted worker", "session_id", w.SessionID, "error", err)
			continue
		}
		removed++
	}
	metrics.WorkersByState.WithLabelValues("deleted").Set(float64(removed))
	return removed, nil
}

// SyncOrSkipIfMissing re-syncs spec.SessionID's workspace, reporting skipped
// when the worker's container has already vanished rather than treating a
// doomed sync attempt as a failure.
func (m *Manager) SyncOrSkipIfMissing(ctx context.Context, spec domain.SyncSpec) (skipped bool, err error) {
	w, err := m.repo.Get(ctx, spec.SessionID)
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("get session worker: %w", err))
	}
	if w == nil {
		return true, nil
	}
	exists, err := m.docker.Exists(ctx, w.ContainerID)
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("check container exists: %w", err))
	}
	if !exists {
		return true, nil
	}
	return false, m.SyncSessionWorkspace(ctx, spec)
}

func (m *Manager) markDeleted(ctx context.Context, w *domain.SessionWorker) error {
	w.State = domain.WorkerDeleted
	w.UpdatedAt = time.Now()
	return m.repo.Upsert(ctx, w)
}
