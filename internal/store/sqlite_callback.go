package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentctl/runctl/internal/domain"
)

type sqliteCallbackRepo struct {
	s *SQLiteStore
}

func (r *sqliteCallbackRepo) BindRun(ctx context.Context, runID, sessionID string) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "callback.bindRun", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO run_bindings (run_id, session_id) VALUES (?, ?)
			ON CONFLICT(run_id) DO UPDATE SET session_id = excluded.session_id
		`, runID, sessionID)
		return err
	})
}

func (r *sqliteCallbackRepo) SessionForRun(ctx context.Context, runID string) (string, error) {
	var sessionID string
	err := r.s.db.QueryRowContext(ctx, `SELECT session_id FROM run_bindings WHERE run_id = ?`, runID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session for run: %w", err)
	}
	return sessionID, nil
}

func (r *sqliteCallbackRepo) RecordEventIfNew(ctx context.Context, runID, eventID, kind string, now time.Time) (bool, error) {
	var isNew bool
	err := withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "callback.recordEventIfNew", func() error {
		res, execErr := r.s.db.ExecContext(ctx, `
			INSERT INTO run_callbacks (run_id, event_id, kind, received_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, event_id) DO NOTHING
		`, runID, eventID, kind, now.Unix())
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		isNew = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record event if new: %w", err)
	}
	return isNew, nil
}

func (r *sqliteCallbackRepo) UpsertTodo(ctx context.Context, item *domain.TodoItem) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "callback.upsertTodo", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO todo_items (run_id, todo_id, status, content, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(run_id, todo_id) DO UPDATE SET
				status = excluded.status, content = excluded.content, updated_at = excluded.updated_at
		`, item.RunID, item.TodoID, item.Status, item.Content, item.UpdatedAt.Unix())
		return err
	})
}

func (r *sqliteCallbackRepo) AppendTodoEvent(ctx context.Context, ev *domain.TodoEvent) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "callback.appendTodoEvent", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO todo_events (run_id, seq, todo_id, kind, ts) VALUES (?, ?, ?, ?, ?)
		`, ev.RunID, ev.Seq, ev.TodoID, ev.Kind, ev.TS.Unix())
		return err
	})
}

func (r *sqliteCallbackRepo) ListTodos(ctx context.Context, runID string) ([]*domain.TodoItem, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT run_id, todo_id, status, content, updated_at FROM todo_items WHERE run_id = ? ORDER BY todo_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	var out []*domain.TodoItem
	for rows.Next() {
		var it domain.TodoItem
		var updatedAt int64
		if err := rows.Scan(&it.RunID, &it.TodoID, &it.Status, &it.Content, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		it.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (r *sqliteCallbackRepo) ListTodoEvents(ctx context.Context, runID string) ([]*domain.TodoEvent, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT run_id, seq, todo_id, kind, ts FROM todo_events WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list todo events: %w", err)
	}
	defer rows.Close()

	var out []*domain.TodoEvent
	for rows.Next() {
		var ev domain.TodoEvent
		var ts int64
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.TodoID, &ev.Kind, &ts); err != nil {
			return nil, fmt.Errorf("scan todo event: %w", err)
		}
		ev.TS = time.Unix(ts, 0).UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (r *sqliteCallbackRepo) InsertHumanLoopRequest(ctx context.Context, req *domain.HumanLoopRequest) (bool, error) {
	metaJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal human loop metadata: %w", err)
	}

	var inserted bool
	err = withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "callback.insertHumanLoopRequest", func() error {
		res, execErr := r.s.db.ExecContext(ctx, `
			INSERT INTO human_loop_requests
				(question_id, run_id, session_id, prompt, metadata_json, status, requested_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(question_id) DO NOTHING
		`, req.QuestionID, req.RunID, req.SessionID, req.Prompt, string(metaJSON),
			string(req.Status), req.RequestedAt.Unix())
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert human loop request: %w", err)
	}
	return inserted, nil
}

func (r *sqliteCallbackRepo) GetHumanLoopRequest(ctx context.Context, questionID string) (*domain.HumanLoopRequest, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT question_id, run_id, session_id, prompt, metadata_json, status, requested_at, resolved_at
		FROM human_loop_requests WHERE question_id = ?
	`, questionID)
	req, err := scanHumanLoopRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get human loop request: %w", err)
	}
	return req, nil
}

func (r *sqliteCallbackRepo) ResolveHumanLoopRequest(ctx context.Context, questionID string, now time.Time) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "callback.resolveHumanLoopRequest", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			UPDATE human_loop_requests SET status = 'resolved', resolved_at = ?
			WHERE question_id = ? AND status = 'pending'
		`, now.Unix(), questionID)
		return err
	})
}

func (r *sqliteCallbackRepo) ExpireHumanLoopRequest(ctx context.Context, questionID string, now time.Time) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "callback.expireHumanLoopRequest", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			UPDATE human_loop_requests SET status = 'expired', resolved_at = ?
			WHERE question_id = ? AND status = 'pending'
		`, now.Unix(), questionID)
		return err
	})
}

func (r *sqliteCallbackRepo) InsertHumanLoopResponse(ctx context.Context, resp *domain.HumanLoopResponse) (bool, error) {
	var inserted bool
	err := withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "callback.insertHumanLoopResponse", func() error {
		res, execErr := r.s.db.ExecContext(ctx, `
			INSERT INTO human_loop_responses (question_id, answer, responded_at) VALUES (?, ?, ?)
			ON CONFLICT(question_id) DO NOTHING
		`, resp.QuestionID, resp.Answer, resp.RespondedAt.Unix())
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert human loop response: %w", err)
	}
	return inserted, nil
}

func (r *sqliteCallbackRepo) ListPendingHumanLoopRequests(ctx context.Context, runID string, limit int) ([]*domain.HumanLoopRequest, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT question_id, run_id, session_id, prompt, metadata_json, status, requested_at, resolved_at
		FROM human_loop_requests WHERE run_id = ? AND status = 'pending'
		ORDER BY requested_at ASC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending human loop requests: %w", err)
	}
	defer rows.Close()
	return scanHumanLoopRequests(rows)
}

func (r *sqliteCallbackRepo) FindStalePendingHumanLoopRequests(ctx context.Context, now time.Time, limit int) ([]*domain.HumanLoopRequest, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT question_id, run_id, session_id, prompt, metadata_json, status, requested_at, resolved_at
		FROM human_loop_requests WHERE status = 'pending' AND requested_at <= ?
		ORDER BY requested_at ASC LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("find stale pending human loop requests: %w", err)
	}
	defer rows.Close()
	return scanHumanLoopRequests(rows)
}

func (r *sqliteCallbackRepo) FinalizeUsage(ctx context.Context, usage *domain.RunUsage) (bool, error) {
	var applied bool
	err := withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "callback.finalizeUsage", func() error {
		res, execErr := r.s.db.ExecContext(ctx, `
			INSERT INTO run_usage (run_id, input_tokens, output_tokens, finalized, finalized_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(run_id) DO NOTHING
		`, usage.RunID, usage.InputTokens, usage.OutputTokens, usage.FinalizedAt.Unix())
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		applied = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("finalize usage: %w", err)
	}
	return applied, nil
}

func (r *sqliteCallbackRepo) GetUsage(ctx context.Context, runID string) (*domain.RunUsage, error) {
	var usage domain.RunUsage
	var finalized int
	var finalizedAt sql.NullInt64
	err := r.s.db.QueryRowContext(ctx, `
		SELECT run_id, input_tokens, output_tokens, finalized, finalized_at FROM run_usage WHERE run_id = ?
	`, runID).Scan(&usage.RunID, &usage.InputTokens, &usage.OutputTokens, &finalized, &finalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	usage.Finalized = finalized != 0
	if finalizedAt.Valid {
		usage.FinalizedAt = time.Unix(finalizedAt.Int64, 0).UTC()
	}
	return &usage, nil
}

func scanHumanLoopRequests(rows *sql.Rows) ([]*domain.HumanLoopRequest, error) {
	var out []*domain.HumanLoopRequest
	for rows.Next() {
		req, err := scanHumanLoopRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan human loop request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanHumanLoopRequest(row rowScanner) (*domain.HumanLoopRequest, error) {
	var (
		req                    domain.HumanLoopRequest
		status, metaJSON       string
		requestedAt            int64
		resolvedAt             sql.NullInt64
	)
	if err := row.Scan(
		&req.QuestionID, &req.RunID, &req.SessionID, &req.Prompt, &metaJSON,
		&status, &requestedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}
	req.Status = domain.HumanLoopStatus(status)
	req.RequestedAt = time.Unix(requestedAt, 0).UTC()
	req.ResolvedAt = scanNullUnix(resolvedAt)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &req.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal human loop metadata: %w", err)
		}
	}
	return &req, nil
}
