package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentctl/runctl/internal/domain"
)

type sqliteQueueRepo struct {
	s *SQLiteStore
}

func (r *sqliteQueueRepo) Insert(ctx context.Context, item *domain.RunQueueItem) (bool, error) {
	var accepted bool
	err := withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "queue.insert", func() error {
		res, execErr := r.s.db.ExecContext(ctx, `
			INSERT INTO run_queue
				(run_id, session_id, provider, status, lock_owner, lock_expires_at, available_at,
				 attempts, max_attempts, payload, error_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', NULL, ?, 0, ?, ?, '', ?, ?)
			ON CONFLICT(run_id) DO NOTHING
		`,
			item.RunID, item.SessionID, string(item.Provider), string(item.Status),
			nullTimeUnix(item.AvailableAt), item.MaxAttempts, item.Payload,
			item.CreatedAt.Unix(), item.UpdatedAt.Unix(),
		)
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		accepted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert run queue item: %w", err)
	}
	return accepted, nil
}

func (r *sqliteQueueRepo) FindByRunID(ctx context.Context, runID string) (*domain.RunQueueItem, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT run_id, session_id, provider, status, lock_owner, lock_expires_at, available_at,
		       attempts, max_attempts, payload, error_message, created_at, updated_at
		FROM run_queue WHERE run_id = ?
	`, runID)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find run queue item: %w", err)
	}
	return item, nil
}

func (r *sqliteQueueRepo) ClaimNext(ctx context.Context, owner string, now time.Time, leaseMs int64) (*domain.RunQueueItem, error) {
	var claimed *domain.RunQueueItem
	err := withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "queue.claimNext", func() error {
		tx, txErr := r.s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
			SELECT run_id, session_id, provider, status, lock_owner, lock_expires_at, available_at,
			       attempts, max_attempts, payload, error_message, created_at, updated_at
			FROM run_queue
			WHERE (status = 'queued' AND (available_at IS NULL OR available_at <= ?))
			   OR (status = 'claimed' AND lock_expires_at IS NOT NULL AND lock_expires_at <= ?)
			ORDER BY created_at ASC, run_id ASC
			LIMIT 1
		`, now.Unix(), now.Unix())

		item, scanErr := scanQueueItem(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return scanErr
		}

		lease := now.Add(time.Duration(leaseMs) * time.Millisecond)
		res, execErr := tx.ExecContext(ctx, `
			UPDATE run_queue
			SET status = 'claimed', lock_owner = ?, lock_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE run_id = ? AND status = ?
		`, owner, lease.Unix(), now.Unix(), item.RunID, string(item.Status))
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// lost the race to another claimer; ClaimNext reports nothing
			// claimed (nil, nil) and does not retry.
			return nil
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return commitErr
		}

		item.Status = domain.RunClaimed
		item.LockOwner = owner
		item.LockExpiresAt = &lease
		item.Attempts++
		item.UpdatedAt = now
		claimed = item
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next run queue item: %w", err)
	}
	return claimed, nil
}

func (r *sqliteQueueRepo) MarkSucceeded(ctx context.Context, runID string, now time.Time) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "queue.markSucceeded", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			UPDATE run_queue SET status = 'succeeded', updated_at = ? WHERE run_id = ?
		`, now.Unix(), runID)
		return err
	})
}

func (r *sqliteQueueRepo) MarkCanceled(ctx context.Context, runID string, now time.Time, reason string) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "queue.markCanceled", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			UPDATE run_queue SET status = 'canceled', error_message = ?, updated_at = ? WHERE run_id = ?
		`, reason, now.Unix(), runID)
		return err
	})
}

func (r *sqliteQueueRepo) MarkRetryOrFailed(ctx context.Context, runID string, now time.Time, retryDelayMs int64, errorMessage string) (*domain.RunQueueItem, error) {
	var result *domain.RunQueueItem
	err := withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "queue.markRetryOrFailed", func() error {
		tx, txErr := r.s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
			SELECT run_id, session_id, provider, status, lock_owner, lock_expires_at, available_at,
			       attempts, max_attempts, payload, error_message, created_at, updated_at
			FROM run_queue WHERE run_id = ?
		`, runID)
		item, scanErr := scanQueueItem(row)
		if scanErr != nil {
			return scanErr
		}

		if item.Attempts >= item.MaxAttempts {
			_, execErr := tx.ExecContext(ctx, `
				UPDATE run_queue SET status = 'failed', error_message = ?, updated_at = ? WHERE run_id = ?
			`, errorMessage, now.Unix(), runID)
			if execErr != nil {
				return execErr
			}
			item.Status = domain.RunFailed
			item.ErrorMessage = errorMessage
		} else {
			availableAt := now.Add(time.Duration(retryDelayMs) * time.Millisecond)
			_, execErr := tx.ExecContext(ctx, `
				UPDATE run_queue
				SET status = 'queued', lock_owner = '', lock_expires_at = NULL, available_at = ?,
				    error_message = ?, updated_at = ?
				WHERE run_id = ?
			`, availableAt.Unix(), errorMessage, now.Unix(), runID)
			if execErr != nil {
				return execErr
			}
			item.Status = domain.RunQueued
			item.LockOwner = ""
			item.LockExpiresAt = nil
			item.AvailableAt = &availableAt
			item.ErrorMessage = errorMessage
		}
		item.UpdatedAt = now

		if commitErr := tx.Commit(); commitErr != nil {
			return commitErr
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark retry or failed: %w", err)
	}
	return result, nil
}

func (r *sqliteQueueRepo) MarkFailed(ctx context.Context, runID string, now time.Time, errorMessage string) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "queue.markFailed", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			UPDATE run_queue SET status = 'failed', error_message = ?, updated_at = ? WHERE run_id = ?
		`, errorMessage, now.Unix(), runID)
		return err
	})
}

func (r *sqliteQueueRepo) FindStaleClaims(ctx context.Context, now time.Time, limit int) ([]*domain.RunQueueItem, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT run_id, session_id, provider, status, lock_owner, lock_expires_at, available_at,
		       attempts, max_attempts, payload, error_message, created_at, updated_at
		FROM run_queue
		WHERE status = 'claimed' AND lock_expires_at IS NOT NULL AND lock_expires_at <= ?
		ORDER BY lock_expires_at ASC
		LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("find stale claims: %w", err)
	}
	defer rows.Close()

	var out []*domain.RunQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale claim: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*domain.RunQueueItem, error) {
	var (
		item                         domain.RunQueueItem
		provider, status, lockOwner  string
		lockExpiresAt, availableAt   sql.NullInt64
		payload                      []byte
		errorMessage                 string
		createdAt, updatedAt         int64
	)
	if err := row.Scan(
		&item.RunID, &item.SessionID, &provider, &status, &lockOwner, &lockExpiresAt, &availableAt,
		&item.Attempts, &item.MaxAttempts, &payload, &errorMessage, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	item.Provider = domain.Provider(provider)
	item.Status = domain.RunStatus(status)
	item.LockOwner = lockOwner
	item.LockExpiresAt = scanNullUnix(lockExpiresAt)
	item.AvailableAt = scanNullUnix(availableAt)
	item.Payload = payload
	item.ErrorMessage = errorMessage
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	item.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &item, nil
}
