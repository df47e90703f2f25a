// Package callback implements the callback ingestor (spec.md 4.D): an
// idempotent HTTP-facing sink for message.stop, todo.update,
// human_loop.requested/resolved, and run.finished events, plus the
// human-loop reply flow that resumes a paused run through
// orchestrator.Port.
package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/eventbus"
	"github.com/agentctl/runctl/internal/orchestrator"
	"github.com/agentctl/runctl/internal/queue"
	"github.com/agentctl/runctl/internal/store"
)

// EventAction is the caller-facing result of IngestCallback, matching
// spec.md 4.D's response shapes.
type EventAction string

const (
	ActionDuplicateIgnored  EventAction = "duplicate_ignored"
	ActionMessageStopSynced EventAction = "message_stop_synced"
	ActionTodoSynced        EventAction = "todo_synced"
	ActionHumanLoopRequested EventAction = "human_loop_requested"
	ActionHumanLoopResolved EventAction = "human_loop_resolved"
	ActionRunFinished       EventAction = "run_finished"
)

// CallbackEvent is the discriminated-union body POSTed to
// /runs/{runId}/callbacks.
type CallbackEvent struct {
	EventID      string
	Kind         string // "message.stop" | "todo.update" | "human_loop.requested" | "human_loop.resolved" | "run.finished"
	TodoID       string
	TodoStatus   string
	TodoContent  string
	QuestionID   string
	Prompt       string
	Metadata     map[string]any
	FinishStatus string // "succeeded" | "failed" | "canceled", for run.finished
	ErrorMessage string
	InputTokens  int64
	OutputTokens int64
}

// IngestResult is the response to a callback POST.
type IngestResult struct {
	Action    EventAction
	Duplicate bool
}

// Ingestor implements spec.md 4.D.
type Ingestor struct {
	repo  store.CallbackRepository
	bus   *eventbus.Bus
	queue *queue.Queue
}

// New builds an Ingestor.
func New(repo store.CallbackRepository, bus *eventbus.Bus, q *queue.Queue) *Ingestor {
	return &Ingestor{repo: repo, bus: bus, queue: q}
}

// ListTodos returns the current todo state for a run, as recorded by
// todo.update callbacks.
func (ing *Ingestor) ListTodos(ctx context.Context, runID string) ([]*domain.TodoItem, error) {
	items, err := ing.repo.ListTodos(ctx, runID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list todos: %w", err))
	}
	return items, nil
}

// ListTodoEvents returns the append-only history of todo.update callbacks
// for a run, in the order they were recorded.
func (ing *Ingestor) ListTodoEvents(ctx context.Context, runID string) ([]*domain.TodoEvent, error) {
	events, err := ing.repo.ListTodoEvents(ctx, runID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list todo events: %w", err))
	}
	return events, nil
}

// ListPendingHumanLoop returns human-loop requests still awaiting a reply,
// optionally scoped to a single run.
func (ing *Ingestor) ListPendingHumanLoop(ctx context.Context, runID string, limit int) ([]*domain.HumanLoopRequest, error) {
	reqs, err := ing.repo.ListPendingHumanLoopRequests(ctx, runID, limit)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list pending human loop requests: %w", err))
	}
	return reqs, nil
}

// BindRun records the run→session association. Repeated calls with the
// same arguments observe the same state (last write wins).
func (ing *Ingestor) BindRun(ctx context.Context, runID, sessionID string) error {
	if err := ing.repo.BindRun(ctx, runID, sessionID); err != nil {
		return apperr.Internal(fmt.Errorf("bind run: %w", err))
	}
	return nil
}

// IngestCallback applies ev to runID, enforcing per-(runID,eventID)
// idempotency before any other side effect runs.
func (ing *Ingestor) IngestCallback(ctx context.Context, runID string, ev CallbackEvent) (IngestResult, error) {
	now := time.Now()
	isNew, err := ing.repo.RecordEventIfNew(ctx, runID, ev.EventID, ev.Kind, now)
	if err != nil {
		return IngestResult{}, apperr.Internal(fmt.Errorf("record callback event: %w", err))
	}
	if !isNew {
		return IngestResult{Action: ActionDuplicateIgnored, Duplicate: true}, nil
	}

	switch ev.Kind {
	case "message.stop":
		ing.publish(ctx, runID, domain.EventRunStatus, domain.RunStatusPayload{Status: "message_stop"})
		return IngestResult{Action: ActionMessageStopSynced}, nil

	case "todo.update":
		if err := ing.repo.UpsertTodo(ctx, &domain.TodoItem{
			RunID: runID, TodoID: ev.TodoID, Status: ev.TodoStatus, Content: ev.TodoContent, UpdatedAt: now,
		}); err != nil {
			return IngestResult{}, apperr.Internal(fmt.Errorf("upsert todo: %w", err))
		}
		if err := ing.repo.AppendTodoEvent(ctx, &domain.TodoEvent{
			RunID: runID, TodoID: ev.TodoID, Kind: ev.TodoStatus, TS: now,
		}); err != nil {
			return IngestResult{}, apperr.Internal(fmt.Errorf("append todo event: %w", err))
		}
		ing.publish(ctx, runID, domain.EventTodoUpdate, domain.TodoUpdatePayload{
			TodoID: ev.TodoID, Status: ev.TodoStatus, Content: ev.TodoContent,
		})
		return IngestResult{Action: ActionTodoSynced}, nil

	case "human_loop.requested":
		inserted, err := ing.repo.InsertHumanLoopRequest(ctx, &domain.HumanLoopRequest{
			QuestionID: ev.QuestionID, RunID: runID, Prompt: ev.Prompt, Metadata: ev.Metadata,
			Status: domain.HumanLoopPending, RequestedAt: now,
		})
		if err != nil {
			return IngestResult{}, apperr.Internal(fmt.Errorf("insert human loop request: %w", err))
		}
		if inserted {
			ing.publish(ctx, runID, domain.EventRunStatus, domain.RunStatusPayload{Status: "waiting_human", Detail: ev.Prompt})
		}
		return IngestResult{Action: ActionHumanLoopRequested}, nil

	case "human_loop.resolved":
		if err := ing.repo.ResolveHumanLoopRequest(ctx, ev.QuestionID, now); err != nil {
			return IngestResult{}, apperr.Internal(fmt.Errorf("resolve human loop request: %w", err))
		}
		ing.publish(ctx, runID, domain.EventRunStatus, domain.RunStatusPayload{Status: "running"})
		return IngestResult{Action: ActionHumanLoopResolved}, nil

	case "run.finished":
		return ing.finishRun(ctx, runID, ev, now)

	default:
		return IngestResult{}, apperr.Validation(fmt.Sprintf("unknown callback kind %q", ev.Kind))
	}
}

func (ing *Ingestor) finishRun(ctx context.Context, runID string, ev CallbackEvent, now time.Time) (IngestResult, error) {
	applied, err := ing.repo.FinalizeUsage(ctx, &domain.RunUsage{
		RunID: runID, InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens, Finalized: true, FinalizedAt: now,
	})
	if err != nil {
		return IngestResult{}, apperr.Internal(fmt.Errorf("finalize usage: %w", err))
	}
	if !applied {
		// usage already recorded by a prior run.finished; still proceed to
		// close out the run so the queue/bus converge.
	}

	ing.publish(ctx, runID, domain.EventRunStatus, domain.RunStatusPayload{Status: "finished", Detail: ev.FinishStatus})
	ing.publish(ctx, runID, domain.EventRunClosed, domain.RunClosedPayload{Reason: ev.ErrorMessage})

	switch ev.FinishStatus {
	case string(domain.RunSucceeded):
		if err := ing.queue.MarkSucceeded(ctx, runID, now); err != nil {
			return IngestResult{}, err
		}
	case string(domain.RunCanceled):
		if err := ing.queue.MarkCanceled(ctx, runID, now, ev.ErrorMessage); err != nil {
			return IngestResult{}, err
		}
	default:
		if _, err := ing.queue.MarkRetryOrFailed(ctx, runID, now, ev.ErrorMessage); err != nil {
			return IngestResult{}, err
		}
	}

	return IngestResult{Action: ActionRunFinished}, nil
}

func (ing *Ingestor) publish(ctx context.Context, runID string, kind domain.EventKind, payload any) {
	if _, err := ing.bus.Publish(ctx, runID, &domain.RunEvent{Kind: kind, TS: time.Now(), Payload: payload}); err != nil {
		// the run's stream may already be closed (e.g. a late-arriving
		// callback after run.closed); this is expected and not an error
		// the caller needs to see.
		_ = err
	}
}

// ReplyHumanLoopInput is the HTTP /human-loop/reply body.
type ReplyHumanLoopInput struct {
	RunID      string
	QuestionID string
	Answer     string
}

// ReplyHumanLoopResult mirrors spec.md 4.D's reply response shape.
type ReplyHumanLoopResult struct {
	OK        bool
	Duplicate bool
	Status    domain.HumanLoopStatus
}

// ReplyHumanLoop implements the /human-loop/reply contract: look up the
// request, short-circuit if already resolved, else invoke the orchestrator
// port and persist the response only if accepted.
func (ing *Ingestor) ReplyHumanLoop(ctx context.Context, port orchestrator.Port, in ReplyHumanLoopInput) (ReplyHumanLoopResult, error) {
	req, err := ing.repo.GetHumanLoopRequest(ctx, in.QuestionID)
	if err != nil {
		return ReplyHumanLoopResult{}, apperr.Internal(fmt.Errorf("get human loop request: %w", err))
	}
	if req == nil || req.RunID != in.RunID {
		return ReplyHumanLoopResult{}, apperr.NotFound("human loop question not found for this run")
	}
	if req.Status != domain.HumanLoopPending {
		return ReplyHumanLoopResult{OK: true, Duplicate: true, Status: req.Status}, nil
	}

	result, err := port.ReplyHumanLoop(ctx, in.RunID, in.QuestionID, in.Answer)
	if err != nil {
		return ReplyHumanLoopResult{}, apperr.Internal(fmt.Errorf("orchestrator reply human loop: %w", err))
	}
	if !result.Accepted {
		return ReplyHumanLoopResult{}, apperr.Conflict(result.Reason)
	}

	now := time.Now()
	if _, err := ing.repo.InsertHumanLoopResponse(ctx, &domain.HumanLoopResponse{
		QuestionID: in.QuestionID, Answer: in.Answer, RespondedAt: now,
	}); err != nil {
		return ReplyHumanLoopResult{}, apperr.Internal(fmt.Errorf("insert human loop response: %w", err))
	}
	if err := ing.repo.ResolveHumanLoopRequest(ctx, in.QuestionID, now); err != nil {
		return ReplyHumanLoopResult{}, apperr.Internal(fmt.Errorf("resolve human loop request: %w", err))
	}
	ing.publish(ctx, in.RunID, domain.EventRunStatus, domain.RunStatusPayload{Status: "running"})

	return ReplyHumanLoopResult{OK: true, Status: domain.HumanLoopResolved}, nil
}
