package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentctl/runctl/internal/domain"
)

type sqliteWorkerRepo struct {
	s *SQLiteStore
}

func (r *sqliteWorkerRepo) Get(ctx context.Context, sessionID string) (*domain.SessionWorker, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at,
		       last_sync_status, last_sync_at, last_sync_error, created_at, updated_at
		FROM session_workers WHERE session_id = ?
	`, sessionID)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session worker: %w", err)
	}
	return w, nil
}

func (r *sqliteWorkerRepo) Upsert(ctx context.Context, w *domain.SessionWorker) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "worker.upsert", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO session_workers
				(session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at,
				 last_sync_status, last_sync_at, last_sync_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				container_id = excluded.container_id,
				workspace_s3_prefix = excluded.workspace_s3_prefix,
				state = excluded.state,
				last_active_at = excluded.last_active_at,
				stopped_at = excluded.stopped_at,
				last_sync_status = excluded.last_sync_status,
				last_sync_at = excluded.last_sync_at,
				last_sync_error = excluded.last_sync_error,
				updated_at = excluded.updated_at
		`,
			w.SessionID, w.ContainerID, w.WorkspaceS3Prefix, string(w.State),
			w.LastActiveAt.Unix(), nullTimeUnix(w.StoppedAt),
			string(w.LastSyncStatus), nullTimeUnix(w.LastSyncAt), w.LastSyncError,
			w.CreatedAt.Unix(), w.UpdatedAt.Unix(),
		)
		return err
	})
}

func (r *sqliteWorkerRepo) ListByState(ctx context.Context, state domain.WorkerState, limit int) ([]*domain.SessionWorker, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at,
		       last_sync_status, last_sync_at, last_sync_error, created_at, updated_at
		FROM session_workers WHERE state = ? ORDER BY last_active_at ASC LIMIT ?
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list workers by state: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (r *sqliteWorkerRepo) ListIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SessionWorker, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at,
		       last_sync_status, last_sync_at, last_sync_error, created_at, updated_at
		FROM session_workers WHERE state = 'running' AND last_active_at <= ?
		ORDER BY last_active_at ASC LIMIT ?
	`, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list idle workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (r *sqliteWorkerRepo) ListStoppedSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SessionWorker, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at,
		       last_sync_status, last_sync_at, last_sync_error, created_at, updated_at
		FROM session_workers WHERE state = 'stopped' AND stopped_at IS NOT NULL AND stopped_at <= ?
		ORDER BY stopped_at ASC LIMIT ?
	`, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stopped workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (r *sqliteWorkerRepo) ListStaleSync(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SessionWorker, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT session_id, container_id, workspace_s3_prefix, state, last_active_at, stopped_at,
		       last_sync_status, last_sync_at, last_sync_error, created_at, updated_at
		FROM session_workers
		WHERE state = 'running' AND last_sync_status = 'running' AND last_sync_at IS NOT NULL AND last_sync_at <= ?
		ORDER BY last_sync_at ASC LIMIT ?
	`, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sync workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func scanWorkers(rows *sql.Rows) ([]*domain.SessionWorker, error) {
	var out []*domain.SessionWorker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorker(row rowScanner) (*domain.SessionWorker, error) {
	var (
		w                                domain.SessionWorker
		state, syncStatus                string
		lastActiveAt                     int64
		stoppedAt, lastSyncAt            sql.NullInt64
		createdAt, updatedAt              int64
		lastSyncError                    sql.NullString
	)
	if err := row.Scan(
		&w.SessionID, &w.ContainerID, &w.WorkspaceS3Prefix, &state, &lastActiveAt, &stoppedAt,
		&syncStatus, &lastSyncAt, &lastSyncError, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	w.State = domain.WorkerState(state)
	w.LastActiveAt = time.Unix(lastActiveAt, 0).UTC()
	w.StoppedAt = scanNullUnix(stoppedAt)
	w.LastSyncStatus = domain.SyncStatus(syncStatus)
	w.LastSyncAt = scanNullUnix(lastSyncAt)
	w.LastSyncError = lastSyncError.String
	w.CreatedAt = time.Unix(createdAt, 0).UTC()
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &w, nil
}
