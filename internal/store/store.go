// Package store provides the durable persistence ports the rest of the
// control plane is built against, plus a SQLite-backed implementation of
// each one.
package store

import (
	"context"
	"time"

	"github.com/agentctl/runctl/internal/domain"
)

// QueueRepository persists RunQueueItem rows (spec.md 4.A).
type QueueRepository interface {
	Insert(ctx context.Context, item *domain.RunQueueItem) (accepted bool, err error)
	FindByRunID(ctx context.Context, runID string) (*domain.RunQueueItem, error)
	// ClaimNext atomically selects and claims the oldest claimable item.
	ClaimNext(ctx context.Context, owner string, now time.Time, leaseMs int64) (*domain.RunQueueItem, error)
	MarkSucceeded(ctx context.Context, runID string, now time.Time) error
	MarkCanceled(ctx context.Context, runID string, now time.Time, reason string) error
	MarkRetryOrFailed(ctx context.Context, runID string, now time.Time, retryDelayMs int64, errorMessage string) (*domain.RunQueueItem, error)
	// MarkFailed transitions runID straight to the terminal failed state,
	// regardless of remaining attempts, for callers (like the human-loop
	// timeout sweep) that must not retry.
	MarkFailed(ctx context.Context, runID string, now time.Time, errorMessage string) error
	// FindStaleClaims returns claimed items whose lease has expired, oldest first.
	FindStaleClaims(ctx context.Context, now time.Time, limit int) ([]*domain.RunQueueItem, error)
}

// CallbackRepository persists callback idempotency state, human-loop
// requests/responses, and finalize-once usage (spec.md 4.D).
type CallbackRepository interface {
	BindRun(ctx context.Context, runID, sessionID string) error
	SessionForRun(ctx context.Context, runID string) (string, error)

	// RecordEventIfNew inserts (runID, eventID, kind) iff not already present.
	// Returns false if the eventId was already seen (duplicate).
	RecordEventIfNew(ctx context.Context, runID, eventID, kind string, now time.Time) (isNew bool, err error)

	UpsertTodo(ctx context.Context, item *domain.TodoItem) error
	AppendTodoEvent(ctx context.Context, ev *domain.TodoEvent) error
	ListTodos(ctx context.Context, runID string) ([]*domain.TodoItem, error)
	ListTodoEvents(ctx context.Context, runID string) ([]*domain.TodoEvent, error)

	InsertHumanLoopRequest(ctx context.Context, req *domain.HumanLoopRequest) (inserted bool, err error)
	GetHumanLoopRequest(ctx context.Context, questionID string) (*domain.HumanLoopRequest, error)
	ResolveHumanLoopRequest(ctx context.Context, questionID string, now time.Time) error
	ExpireHumanLoopRequest(ctx context.Context, questionID string, now time.Time) error
	InsertHumanLoopResponse(ctx context.Context, resp *domain.HumanLoopResponse) (inserted bool, err error)
	ListPendingHumanLoopRequests(ctx context.Context, runID string, limit int) ([]*domain.HumanLoopRequest, error)
	FindStalePendingHumanLoopRequests(ctx context.Context, now time.Time, limit int) ([]*domain.HumanLoopRequest, error)

	// FinalizeUsage writes usage iff not already finalized for runID (first wins).
	FinalizeUsage(ctx context.Context, usage *domain.RunUsage) (applied bool, err error)
	GetUsage(ctx context.Context, runID string) (*domain.RunUsage, error)
}

// WorkerRepository persists SessionWorker rows (spec.md 4.E).
type WorkerRepository interface {
	Get(ctx context.Context, sessionID string) (*domain.SessionWorker, error)
	Upsert(ctx context.Context, w *domain.SessionWorker) error
	ListByState(ctx context.Context, state domain.WorkerState, limit int) ([]*domain.SessionWorker, error)
	ListIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SessionWorker, error)
	ListStoppedSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SessionWorker, error)
	ListStaleSync(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SessionWorker, error)
}

// ChatRepository persists ChatSession/ChatMessage rows (external collaborator).
type ChatRepository interface {
	EnsureSession(ctx context.Context, userID, chatID string, now time.Time) error
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error
	ListMessages(ctx context.Context, chatID string) ([]*domain.ChatMessage, error)
}

// RBACRepository persists RBAC policies and the file-gateway audit log.
type RBACRepository interface {
	PoliciesForUser(ctx context.Context, userID string) ([]*domain.RBACPolicy, error)
	PutPolicy(ctx context.Context, p *domain.RBACPolicy) error
	InsertAudit(ctx context.Context, rec *domain.FileAuditRecord) error
}

// Store aggregates every repository the service needs, mirroring the
// teacher's single-struct SQLiteStore but split into focused interfaces
// per concern so each component depends only on the port it actually uses.
type Store interface {
	Queue() QueueRepository
	Callbacks() CallbackRepository
	Workers() WorkerRepository
	Chat() ChatRepository
	RBAC() RBACRepository

	Ping(ctx context.Context) error
	Close() error
}
