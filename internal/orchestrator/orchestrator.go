package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/eventbus"
	"github.com/agentctl/runctl/internal/provider"
	"github.com/agentctl/runctl/internal/queue"
	"github.com/agentctl/runctl/internal/tracing"
	"github.com/google/uuid"
)

// StartInput is the run-start payload spec.md 4.C names.
type StartInput struct {
	RunID            string
	SessionID        string
	Provider         domain.Provider
	RequireHumanLoop bool
	Payload          []byte
}

// runHandle tracks the state the orchestrator needs to manage one in-flight
// run: the cancel func for its consumer goroutine and whether it is
// currently paused on a human-loop question.
type runHandle struct {
	mu         sync.Mutex
	cancel     context.CancelFunc
	pausedFor  string // questionId, empty when not paused
}

// Orchestrator implements spec.md 4.C: run start, provider dispatch, event
// shaping, stop/cancel, and human-loop resume.
type Orchestrator struct {
	queue      *queue.Queue
	bus        *eventbus.Bus
	registry   *provider.Registry
	ownerID    string
	usageSink  UsageSink
	todoSink   TodoSink
	chatSink   ChatSink

	mu     sync.Mutex
	active map[string]*runHandle
}

// UsageSink finalizes run usage exactly once, matching
// store.CallbackRepository's finalize-once FinalizeUsage, so the
// orchestrator's usage chunks and the callback ingestor's run.finished path
// go through the same first-wins write.
type UsageSink interface {
	FinalizeUsage(ctx context.Context, usage *domain.RunUsage) (applied bool, err error)
}

// TodoSink records todo.update chunks into durable storage.
type TodoSink interface {
	UpsertTodo(ctx context.Context, item *domain.TodoItem) error
	AppendTodoEvent(ctx context.Context, ev *domain.TodoEvent) error
}

// ChatSink is the chat-history port New accepts and the Orchestrator holds.
// No code path in this package calls it: message.delta text is published to
// the event bus only and is not appended to chat history.
type ChatSink interface {
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error
}

// New builds an Orchestrator. ownerID identifies this process as a queue
// claim owner.
func New(q *queue.Queue, bus *eventbus.Bus, registry *provider.Registry, ownerID string, usage UsageSink, todos TodoSink, chat ChatSink) *Orchestrator {
	return &Orchestrator{
		queue:     q,
		bus:       bus,
		registry:  registry,
		ownerID:   ownerID,
		usageSink: usage,
		todoSink:  todos,
		chatSink:  chat,
		active:    make(map[string]*runHandle),
	}
}

// Start implements the run-start path: synthesize a runId, enqueue, claim
// immediately, and dispatch the provider in the background. The caller
// subscribes to the returned runId's event stream separately via Subscribe.
func (o *Orchestrator) Start(ctx context.Context, in StartInput) (*domain.RunQueueItem, error) {
	now := time.Now()
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	adapter, ok := o.registry.Get(in.Provider)
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unknown provider %q", in.Provider))
	}

	if in.RequireHumanLoop && !adapter.Capabilities().SupportsHumanLoop {
		item, err := o.queue.Enqueue(ctx, runID, in.SessionID, in.Provider, in.Payload, now)
		if err != nil {
			return nil, err
		}
		o.publishBlocked(ctx, runID, "provider does not support human-loop")
		if err := o.queue.MarkFailed(ctx, runID, now, "provider does not support human-loop"); err != nil {
			slog.Error("mark non-retryable failure", "run_id", runID, "error", err)
		}
		return item, nil
	}

	item, err := o.queue.Enqueue(ctx, runID, in.SessionID, in.Provider, in.Payload, now)
	if err != nil {
		return nil, err
	}

	claimed, err := o.queue.ClaimNext(ctx, o.ownerID, now)
	if err != nil {
		return nil, err
	}
	if claimed == nil || claimed.RunID != runID {
		// another owner won the race; the caller still gets a valid
		// subscription, the dispatch loop for this run runs wherever it
		// was actually claimed.
		return item, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{cancel: cancel}
	o.mu.Lock()
	o.active[runID] = handle
	o.mu.Unlock()

	go o.consume(runCtx, adapter, claimed)

	return claimed, nil
}

// Subscribe opens a subscriber on runID's event bus stream from afterSeq.
func (o *Orchestrator) Subscribe(runID string, afterSeq int64) *eventbus.Subscriber {
	return o.bus.Subscribe(runID, afterSeq)
}

// Stop cancels runID's provider task and marks it canceled.
func (o *Orchestrator) Stop(ctx context.Context, runID string) error {
	o.mu.Lock()
	handle, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		handle.cancel()
	}

	now := time.Now()
	o.publishTerminal(ctx, runID, "canceled", "")
	if err := o.queue.MarkCanceled(ctx, runID, now, "canceled by caller"); err != nil {
		return apperr.Internal(fmt.Errorf("mark run canceled: %w", err))
	}
	return nil
}

// ReplyHumanLoop implements the Port the callback ingestor calls to resume
// a paused run.
func (o *Orchestrator) ReplyHumanLoop(ctx context.Context, runID, questionID, answer string) (ReplyResult, error) {
	o.mu.Lock()
	handle, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return ReplyResult{Accepted: false, Reason: "run is not active"}, nil
	}

	handle.mu.Lock()
	paused := handle.pausedFor
	handle.mu.Unlock()
	if paused != questionID {
		return ReplyResult{Accepted: false, Reason: "run is not waiting on this question"}, nil
	}

	item, err := o.queue.FindByRunID(ctx, runID)
	if err != nil {
		return ReplyResult{}, apperr.Internal(fmt.Errorf("reply human loop: find run: %w", err))
	}
	if item == nil {
		return ReplyResult{Accepted: false, Reason: "run not found"}, nil
	}
	adapter, ok := o.registry.Get(item.Provider)
	if !ok {
		return ReplyResult{Accepted: false, Reason: "provider adapter unavailable"}, nil
	}

	if err := adapter.ReplyHumanLoop(ctx, runID, questionID, answer); err != nil {
		return ReplyResult{Accepted: false, Reason: err.Error()}, nil
	}

	handle.mu.Lock()
	handle.pausedFor = ""
	handle.mu.Unlock()

	o.publishStatus(ctx, runID, "running", "")
	return ReplyResult{Accepted: true}, nil
}

// consume drains adapter.Dispatch(item) and republishes each chunk as an
// ordered event, implementing spec.md 4.C's event-mapping table.
func (o *Orchestrator) consume(ctx context.Context, adapter provider.Adapter, item *domain.RunQueueItem) {
	defer func() {
		o.mu.Lock()
		delete(o.active, item.RunID)
		o.mu.Unlock()
	}()

	spanCtx, span := tracing.StartSpan(ctx, "orchestrator.dispatch", "run_id", item.RunID, "provider", string(item.Provider))
	defer span.End()

	o.publishStatus(spanCtx, item.RunID, "running", "")

	var finished bool
	for chunk, err := range adapter.Dispatch(spanCtx, item) {
		if err != nil {
			o.handleDispatchError(spanCtx, item.RunID, err)
			return
		}
		if o.handleChunk(spanCtx, item, chunk) {
			finished = true
			break
		}
	}

	if !finished && spanCtx.Err() != nil {
		// canceled via Stop(); terminal state already published there.
		return
	}
	if !finished {
		// adapter stream ended without an explicit done chunk; treat as success.
		o.finishRun(spanCtx, item.RunID, "succeeded", nil)
	}
}

// handleChunk maps one provider chunk to a bus event and durable side
// effect, returning true when the run has reached a terminal chunk.
func (o *Orchestrator) handleChunk(ctx context.Context, item *domain.RunQueueItem, chunk provider.Chunk) bool {
	switch chunk.Kind {
	case provider.ChunkMessageDelta:
		o.publish(ctx, item.RunID, domain.EventMessageDelta, domain.MessageDeltaPayload{Text: chunk.Text})
		return false

	case provider.ChunkTodoUpdate:
		now := time.Now()
		if o.todoSink != nil {
			if err := o.todoSink.UpsertTodo(ctx, &domain.TodoItem{
				RunID: item.RunID, TodoID: chunk.TodoID, Status: chunk.TodoStatus, Content: chunk.TodoContent, UpdatedAt: now,
			}); err != nil {
				slog.Error("upsert todo from provider chunk", "run_id", item.RunID, "error", err)
			}
		}
		o.publish(ctx, item.RunID, domain.EventTodoUpdate, domain.TodoUpdatePayload{
			TodoID: chunk.TodoID, Status: chunk.TodoStatus, Content: chunk.TodoContent,
		})
		return false

	case provider.ChunkHumanLoop:
		o.mu.Lock()
		if h, ok := o.active[item.RunID]; ok {
			h.mu.Lock()
			h.pausedFor = chunk.QuestionID
			h.mu.Unlock()
		}
		o.mu.Unlock()
		o.publishStatus(ctx, item.RunID, "waiting_human", chunk.Prompt)
		return false

	case provider.ChunkWarning:
		o.publish(ctx, item.RunID, domain.EventRunWarning, domain.RunWarningPayload{Message: chunk.Message})
		return false

	case provider.ChunkUsage:
		o.finalizeUsage(ctx, item.RunID, chunk.InputTokens, chunk.OutputTokens)
		return false

	case provider.ChunkDone:
		o.finishRun(ctx, item.RunID, "succeeded", nil)
		return true

	default:
		slog.Warn("unknown provider chunk kind", "run_id", item.RunID, "kind", chunk.Kind)
		return false
	}
}

func (o *Orchestrator) handleDispatchError(ctx context.Context, runID string, dispatchErr error) {
	now := time.Now()
	o.finishRun(ctx, runID, "failed", dispatchErr)
	if _, err := o.queue.MarkRetryOrFailed(ctx, runID, now, dispatchErr.Error()); err != nil {
		slog.Error("mark retry or failed after dispatch error", "run_id", runID, "error", err)
	}
}

// finishRun publishes the terminal run.status+run.closed pair and transitions
// the queue item, unless the caller (handleDispatchError) already will.
func (o *Orchestrator) finishRun(ctx context.Context, runID, status string, causeErr error) {
	detail := ""
	if causeErr != nil {
		detail = causeErr.Error()
	}
	o.publishTerminal(ctx, runID, status, detail)

	if causeErr == nil {
		if err := o.queue.MarkSucceeded(ctx, runID, time.Now()); err != nil {
			slog.Error("mark run succeeded", "run_id", runID, "error", err)
		}
	}
}

func (o *Orchestrator) publishBlocked(ctx context.Context, runID, detail string) {
	o.publishTerminal(ctx, runID, "blocked", detail)
}

func (o *Orchestrator) publishTerminal(ctx context.Context, runID, status, detail string) {
	o.publishStatus(ctx, runID, status, detail)
	o.publish(ctx, runID, domain.EventRunClosed, domain.RunClosedPayload{Reason: detail})
}

func (o *Orchestrator) publishStatus(ctx context.Context, runID, status, detail string) {
	o.publish(ctx, runID, domain.EventRunStatus, domain.RunStatusPayload{Status: status, Detail: detail})
}

func (o *Orchestrator) publish(ctx context.Context, runID string, kind domain.EventKind, payload any) {
	_, err := o.bus.Publish(ctx, runID, &domain.RunEvent{Kind: kind, TS: time.Now(), Payload: payload})
	if err != nil {
		slog.Warn("publish event", "run_id", runID, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) finalizeUsage(ctx context.Context, runID string, input, output int64) {
	if o.usageSink == nil {
		return
	}
	applied, err := o.usageSink.FinalizeUsage(ctx, &domain.RunUsage{
		RunID: runID, InputTokens: input, OutputTokens: output, Finalized: true, FinalizedAt: time.Now(),
	})
	if err != nil {
		slog.Error("finalize usage", "run_id", runID, "error", err)
		return
	}
	if !applied {
		slog.Debug("usage already finalized, ignoring late report", "run_id", runID)
	}
}
