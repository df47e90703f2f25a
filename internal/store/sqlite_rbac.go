package store

import (
	"context"
	"fmt"

	"github.com/agentctl/runctl/internal/domain"
)

type sqliteRBACRepo struct {
	s *SQLiteStore
}

func (r *sqliteRBACRepo) PoliciesForUser(ctx context.Context, userID string) ([]*domain.RBACPolicy, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT user_id, path_prefix, can_read, can_write FROM rbac_policies WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("policies for user: %w", err)
	}
	defer rows.Close()

	var out []*domain.RBACPolicy
	for rows.Next() {
		var p domain.RBACPolicy
		var canRead, canWrite int
		if err := rows.Scan(&p.UserID, &p.PathPrefix, &canRead, &canWrite); err != nil {
			return nil, fmt.Errorf("scan rbac policy: %w", err)
		}
		p.CanRead = canRead != 0
		p.CanWrite = canWrite != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *sqliteRBACRepo) PutPolicy(ctx context.Context, p *domain.RBACPolicy) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "rbac.putPolicy", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO rbac_policies (user_id, path_prefix, can_read, can_write) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, path_prefix) DO UPDATE SET
				can_read = excluded.can_read, can_write = excluded.can_write
		`, p.UserID, p.PathPrefix, boolToInt(p.CanRead), boolToInt(p.CanWrite))
		return err
	})
}

func (r *sqliteRBACRepo) InsertAudit(ctx context.Context, rec *domain.FileAuditRecord) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "rbac.insertAudit", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO file_audit (user_id, action, path, allowed, reason, ts) VALUES (?, ?, ?, ?, ?, ?)
		`, rec.UserID, string(rec.Action), rec.Path, boolToInt(rec.Allowed), rec.Reason, rec.TS.Unix())
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
