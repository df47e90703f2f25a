package store

import (
	"context"
	"fmt"
	"time"

	"github.com/agentctl/runctl/internal/domain"
)

type sqliteChatRepo struct {
	s *SQLiteStore
}

func (r *sqliteChatRepo) EnsureSession(ctx context.Context, userID, chatID string, now time.Time) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "chat.ensureSession", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO chat_sessions (chat_id, user_id, title, created_at, updated_at)
			VALUES (?, ?, '', ?, ?)
			ON CONFLICT(chat_id) DO NOTHING
		`, chatID, userID, now.Unix(), now.Unix())
		return err
	})
}

func (r *sqliteChatRepo) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	return withBusyRetry(ctx, r.s.maxRetries, r.s.retryBase, "chat.appendMessage", func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO chat_session_messages (chat_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ChatID, msg.Seq, msg.Role, msg.Content, msg.CreatedAt.Unix())
		if err != nil {
			return err
		}
		_, err = r.s.db.ExecContext(ctx, `
			UPDATE chat_sessions SET updated_at = ? WHERE chat_id = ?
		`, msg.CreatedAt.Unix(), msg.ChatID)
		return err
	})
}

func (r *sqliteChatRepo) ListMessages(ctx context.Context, chatID string) ([]*domain.ChatMessage, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT chat_id, seq, role, content, created_at FROM chat_session_messages
		WHERE chat_id = ? ORDER BY seq ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var createdAt int64
		if err := rows.Scan(&m.ChatID, &m.Seq, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}
