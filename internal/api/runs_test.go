package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentctl/runctl/internal/callback"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/eventbus"
	"github.com/agentctl/runctl/internal/orchestrator"
	"github.com/agentctl/runctl/internal/provider"
	"github.com/agentctl/runctl/internal/queue"
	"github.com/agentctl/runctl/internal/store"
	"github.com/agentctl/runctl/internal/validate"
	"github.com/go-chi/chi/v5"
)

// fakeQueueRepo is a minimal in-memory store.QueueRepository.
type fakeQueueRepo struct {
	mu    sync.Mutex
	items map[string]*domain.RunQueueItem
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{items: make(map[string]*domain.RunQueueItem)}
}

func (r *fakeQueueRepo) Insert(_ context.Context, item *domain.RunQueueItem) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.RunID]; ok {
		return false, nil
	}
	cp := *item
	r.items[item.RunID] = &cp
	return true, nil
}

func (r *fakeQueueRepo) FindByRunID(_ context.Context, runID string) (*domain.RunQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[runID]; ok {
		cp := *it
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeQueueRepo) ClaimNext(_ context.Context, owner string, now time.Time, leaseMs int64) (*domain.RunQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.Status == domain.RunQueued {
			it.Status = domain.RunClaimed
			it.LockOwner = owner
			exp := now.Add(time.Duration(leaseMs) * time.Millisecond)
			it.LockExpiresAt = &exp
			cp := *it
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeQueueRepo) MarkSucceeded(_ context.Context, runID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[runID]; ok {
		it.Status = domain.RunSucceeded
	}
	return nil
}

func (r *fakeQueueRepo) MarkCanceled(_ context.Context, runID string, _ time.Time, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[runID]; ok {
		it.Status = domain.RunCanceled
	}
	return nil
}

func (r *fakeQueueRepo) MarkRetryOrFailed(_ context.Context, runID string, _ time.Time, _ int64, errorMessage string) (*domain.RunQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[runID]
	if !ok {
		return nil, nil
	}
	it.Status = domain.RunFailed
	it.ErrorMessage = errorMessage
	return it, nil
}

func (r *fakeQueueRepo) MarkFailed(_ context.Context, runID string, _ time.Time, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[runID]; ok {
		it.Status = domain.RunFailed
		it.ErrorMessage = errorMessage
	}
	return nil
}

func (r *fakeQueueRepo) FindStaleClaims(_ context.Context, now time.Time, limit int) ([]*domain.RunQueueItem, error) {
	return nil, nil
}

var _ store.QueueRepository = (*fakeQueueRepo)(nil)

// fakeCallbackRepo is a minimal in-memory store.CallbackRepository.
type fakeCallbackRepo struct {
	mu    sync.Mutex
	todos map[string]*domain.TodoItem
}

func newFakeCallbackRepo() *fakeCallbackRepo {
	return &fakeCallbackRepo{todos: make(map[string]*domain.TodoItem)}
}

func (r *fakeCallbackRepo) BindRun(_ context.Context, _, _ string) error { return nil }
func (r *fakeCallbackRepo) SessionForRun(_ context.Context, _ string) (string, error) {
	return "", nil
}
func (r *fakeCallbackRepo) RecordEventIfNew(_ context.Context, _, _, _ string, _ time.Time) (bool, error) {
	return true, nil
}
func (r *fakeCallbackRepo) UpsertTodo(_ context.Context, item *domain.TodoItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.todos[item.TodoID] = item
	return nil
}
func (r *fakeCallbackRepo) AppendTodoEvent(_ context.Context, _ *domain.TodoEvent) error { return nil }
func (r *fakeCallbackRepo) ListTodos(_ context.Context, _ string) ([]*domain.TodoItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.TodoItem, 0, len(r.todos))
	for _, t := range r.todos {
		out = append(out, t)
	}
	return out, nil
}
func (r *fakeCallbackRepo) ListTodoEvents(_ context.Context, _ string) ([]*domain.TodoEvent, error) {
	return nil, nil
}
func (r *fakeCallbackRepo) InsertHumanLoopRequest(_ context.Context, _ *domain.HumanLoopRequest) (bool, error) {
	return true, nil
}
func (r *fakeCallbackRepo) GetHumanLoopRequest(_ context.Context, _ string) (*domain.HumanLoopRequest, error) {
	return nil, nil
}
func (r *fakeCallbackRepo) ResolveHumanLoopRequest(_ context.Context, _ string, _ time.Time) error {
	return nil
}
func (r *fakeCallbackRepo) ExpireHumanLoopRequest(_ context.Context, _ string, _ time.Time) error {
	return nil
}
func (r *fakeCallbackRepo) InsertHumanLoopResponse(_ context.Context, _ *domain.HumanLoopResponse) (bool, error) {
	return true, nil
}
func (r *fakeCallbackRepo) ListPendingHumanLoopRequests(_ context.Context, _ string, _ int) ([]*domain.HumanLoopRequest, error) {
	return nil, nil
}
func (r *fakeCallbackRepo) FindStalePendingHumanLoopRequests(_ context.Context, _ time.Time, _ int) ([]*domain.HumanLoopRequest, error) {
	return nil, nil
}
func (r *fakeCallbackRepo) FinalizeUsage(_ context.Context, _ *domain.RunUsage) (bool, error) {
	return true, nil
}
func (r *fakeCallbackRepo) GetUsage(_ context.Context, _ string) (*domain.RunUsage, error) {
	return nil, nil
}

var _ store.CallbackRepository = (*fakeCallbackRepo)(nil)

// fakeChatSink satisfies orchestrator.ChatSink without touching durable storage.
type fakeChatSink struct{}

func (fakeChatSink) AppendMessage(_ context.Context, _ *domain.ChatMessage) error { return nil }

func newTestRunsHandler(t *testing.T) (*RunsHandler, *fakeQueueRepo) {
	t.Helper()
	qrepo := newFakeQueueRepo()
	q := queue.New(qrepo, 60_000, 1000, 3)
	bus := eventbus.New(64, 5*time.Second, 16)
	cbrepo := newFakeCallbackRepo()

	script := []provider.Chunk{
		{Kind: provider.ChunkMessageDelta, Text: "hello"},
		{Kind: provider.ChunkDone},
	}
	adapter := provider.NewStubAdapter(domain.Provider("stub"), provider.Capabilities{}, script)
	registry := provider.NewRegistry(adapter)

	orch := orchestrator.New(q, bus, registry, "test-owner", cbrepo, cbrepo, fakeChatSink{})
	cb := callback.New(cbrepo, bus, q)
	val, err := validate.New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	base := NewHandler(q, orch, bus, cb, nil, nil, nil, nil, val)
	return NewRunsHandler(base), qrepo
}

func TestStartRunRejectsMissingProvider(t *testing.T) {
	h, _ := newTestRunsHandler(t)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/runs/", strings.NewReader(`{"sessionId":"s1"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStartRunAcceptsWellFormedPayload(t *testing.T) {
	h, qrepo := newTestRunsHandler(t)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	body := `{"runId":"run-1","sessionId":"s1","provider":"stub","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/runs/", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var got domain.RunQueueItem
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RunID != "run-1" {
		t.Fatalf("expected run-1, got %q", got.RunID)
	}

	// give the orchestrator's consume goroutine a moment to finish the
	// scripted run before asserting queue state.
	time.Sleep(50 * time.Millisecond)
	item, _ := qrepo.FindByRunID(context.Background(), "run-1")
	if item == nil {
		t.Fatalf("expected run-1 to be persisted")
	}
}

func TestStreamRunDeliversEventsAsSSE(t *testing.T) {
	h, _ := newTestRunsHandler(t)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	startBody := `{"runId":"run-2","sessionId":"s1","provider":"stub","messages":[{"role":"user","content":"hi"}]}`
	startReq := httptest.NewRequest(http.MethodPost, "/runs/", strings.NewReader(startBody))
	startW := httptest.NewRecorder()
	r.ServeHTTP(startW, startReq)
	if startW.Code != http.StatusAccepted {
		t.Fatalf("start run: expected 202, got %d: %s", startW.Code, startW.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	streamReq := httptest.NewRequest(http.MethodGet, "/runs/run-2/stream", nil).WithContext(ctx)
	streamW := httptest.NewRecorder()
	r.ServeHTTP(streamW, streamReq)

	if streamW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", streamW.Code)
	}
	scanner := bufio.NewScanner(strings.NewReader(streamW.Body.String()))
	sawEvent := false
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event:") {
			sawEvent = true
			break
		}
	}
	if !sawEvent {
		t.Fatalf("expected at least one SSE event, got body %q", streamW.Body.String())
	}
}
