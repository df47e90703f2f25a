// Package chat implements the minimal chat-history store: a thin wrapper
// over store.ChatRepository. It is passed to the orchestrator as its
// ChatSink, but the orchestrator does not call it, so runs add no chat
// messages on their own.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/store"
)

// History wraps store.ChatRepository.
type History struct {
	repo store.ChatRepository
}

// New builds a History.
func New(repo store.ChatRepository) *History {
	return &History{repo: repo}
}

// EnsureSession creates chatID for userID if it does not already exist.
func (h *History) EnsureSession(ctx context.Context, userID, chatID string) error {
	if err := h.repo.EnsureSession(ctx, userID, chatID, time.Now()); err != nil {
		return apperr.Internal(fmt.Errorf("ensure chat session: %w", err))
	}
	return nil
}

// AppendAssembledMessage appends one role/content message to chatID.
func (h *History) AppendAssembledMessage(ctx context.Context, chatID, role, content string) error {
	if err := h.repo.AppendMessage(ctx, &domain.ChatMessage{
		ChatID: chatID, Role: role, Content: content, CreatedAt: time.Now(),
	}); err != nil {
		return apperr.Internal(fmt.Errorf("append chat message: %w", err))
	}
	return nil
}

// AppendMessage implements orchestrator.ChatSink directly, so History can
// be wired into Orchestrator.New as-is.
func (h *History) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if err := h.repo.AppendMessage(ctx, msg); err != nil {
		return apperr.Internal(fmt.Errorf("append chat message: %w", err))
	}
	return nil
}

// ListMessages returns chatID's messages in insertion order.
func (h *History) ListMessages(ctx context.Context, chatID string) ([]*domain.ChatMessage, error) {
	msgs, err := h.repo.ListMessages(ctx, chatID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list chat messages: %w", err))
	}
	return msgs, nil
}
