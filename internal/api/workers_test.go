package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/store"
	"github.com/agentctl/runctl/internal/worker"
	"github.com/go-chi/chi/v5"
)

type fakeWorkerRepo struct {
	mu      sync.Mutex
	workers map[string]*domain.SessionWorker
}

func newFakeWorkerRepo() *fakeWorkerRepo {
	return &fakeWorkerRepo{workers: make(map[string]*domain.SessionWorker)}
}

func (r *fakeWorkerRepo) Get(_ context.Context, sessionID string) (*domain.SessionWorker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r *fakeWorkerRepo) Upsert(_ context.Context, w *domain.SessionWorker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.workers[w.SessionID] = &cp
	return nil
}

func (r *fakeWorkerRepo) ListByState(_ context.Context, state domain.WorkerState, _ int) ([]*domain.SessionWorker, error) {
	return nil, nil
}
func (r *fakeWorkerRepo) ListIdleSince(_ context.Context, _ time.Time, _ int) ([]*domain.SessionWorker, error) {
	return nil, nil
}
func (r *fakeWorkerRepo) ListStoppedSince(_ context.Context, _ time.Time, _ int) ([]*domain.SessionWorker, error) {
	return nil, nil
}
func (r *fakeWorkerRepo) ListStaleSync(_ context.Context, _ time.Time, _ int) ([]*domain.SessionWorker, error) {
	return nil, nil
}

var _ store.WorkerRepository = (*fakeWorkerRepo)(nil)

type fakeDocker struct {
	mu      sync.Mutex
	nextID  int
	created map[string]string
}

func newFakeDocker() *fakeDocker { return &fakeDocker{created: make(map[string]string)} }

func (d *fakeDocker) CreateWorker(_ context.Context, sessionID string, _ map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := fmt.Sprintf("container-%d", d.nextID)
	d.created[sessionID] = id
	return id, nil
}
func (d *fakeDocker) Start(_ context.Context, _ string) error { return nil }
func (d *fakeDocker) Stop(_ context.Context, _ string) error  { return nil }
func (d *fakeDocker) Remove(_ context.Context, _ string) error { return nil }
func (d *fakeDocker) Exists(_ context.Context, _ string) (bool, error) { return true, nil }
func (d *fakeDocker) ExportWorkspace(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("fake-tar-bytes")), nil
}

var _ worker.DockerClient = (*fakeDocker)(nil)

type fakeSync struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSync) SyncWorkspace(_ context.Context, _ domain.SyncSpec, _ string, read io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	_, err := io.Copy(io.Discard, read)
	return err
}

var _ worker.WorkspaceSyncClient = (*fakeSync)(nil)

func newTestWorkersHandler() (*WorkersHandler, *fakeWorkerRepo, *fakeSync) {
	repo := newFakeWorkerRepo()
	docker := newFakeDocker()
	sync := &fakeSync{}
	mgr := worker.New(repo, docker, sync, nil, worker.Config{
		IdleTimeout:      time.Minute,
		StoppedRetention: time.Hour,
		SweepLimit:       100,
		S3PrefixFormat:   "workspaces/%s",
	})
	base := NewHandler(nil, nil, nil, nil, mgr, nil, nil, nil, nil)
	return NewWorkersHandler(base), repo, sync
}

func TestActivateWorkerCreatesThenReuses(t *testing.T) {
	h, _, _ := newTestWorkersHandler()
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/worker/activate", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var first domain.SessionWorker
	if err := json.NewDecoder(w.Body).Decode(&first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.State != domain.WorkerRunning {
		t.Fatalf("expected running, got %s", first.State)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/sessions/sess-1/worker/", nil)
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d: %s", getW.Code, getW.Body.String())
	}
	var second domain.SessionWorker
	if err := json.NewDecoder(getW.Body).Decode(&second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.ContainerID != first.ContainerID {
		t.Fatalf("expected same container id, got %q vs %q", second.ContainerID, first.ContainerID)
	}
}

func TestGetWorkerMissingReturnsNotFound(t *testing.T) {
	h, _, _ := newTestWorkersHandler()
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/sessions/unknown/worker/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSyncWorkerInvokesWorkspaceSync(t *testing.T) {
	h, _, syncClient := newTestWorkersHandler()
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	activateReq := httptest.NewRequest(http.MethodPost, "/sessions/sess-3/worker/activate", strings.NewReader(`{}`))
	activateW := httptest.NewRecorder()
	r.ServeHTTP(activateW, activateReq)
	if activateW.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", activateW.Code)
	}

	syncReq := httptest.NewRequest(http.MethodPost, "/sessions/sess-3/worker/sync", nil)
	syncW := httptest.NewRecorder()
	r.ServeHTTP(syncW, syncReq)
	if syncW.Code != http.StatusOK {
		t.Fatalf("sync: expected 200, got %d: %s", syncW.Code, syncW.Body.String())
	}
	if syncClient.calls != 1 {
		t.Fatalf("expected 1 sync call, got %d", syncClient.calls)
	}
}
