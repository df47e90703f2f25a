package reconcile

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/eventbus"
	"github.com/agentctl/runctl/internal/queue"
	"github.com/agentctl/runctl/internal/store"
	"github.com/agentctl/runctl/internal/worker"
)

// fakeQueueRepo is a minimal in-memory store.QueueRepository, scoped to what
// the reconciler sweeps exercise.
type fakeQueueRepo struct {
	mu    sync.Mutex
	items map[string]*domain.RunQueueItem
}

func newFakeQueueRepo() *fakeQueueRepo { return &fakeQueueRepo{items: make(map[string]*domain.RunQueueItem)} }

func (r *fakeQueueRepo) Insert(ctx context.Context, item *domain.RunQueueItem) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.RunID]; ok {
		return false, nil
	}
	cp := *item
	r.items[item.RunID] = &cp
	return true, nil
}

func (r *fakeQueueRepo) FindByRunID(ctx context.Context, runID string) (*domain.RunQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[runID]; ok {
		cp := *it
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeQueueRepo) ClaimNext(ctx context.Context, owner string, now time.Time, leaseMs int64) (*domain.RunQueueItem, error) {
	return nil, nil
}

func (r *fakeQueueRepo) MarkSucceeded(ctx context.Context, runID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[runID]; ok {
		it.Status = domain.RunSucceeded
	}
	return nil
}

func (r *fakeQueueRepo) MarkCanceled(ctx context.Context, runID string, now time.Time, reason string) error {
	return nil
}

func (r *fakeQueueRepo) MarkRetryOrFailed(ctx context.Context, runID string, now time.Time, retryDelayMs int64, errorMessage string) (*domain.RunQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[runID]
	if !ok {
		return nil, nil
	}
	it.Status = domain.RunQueued
	it.ErrorMessage = errorMessage
	return it, nil
}

func (r *fakeQueueRepo) MarkFailed(ctx context.Context, runID string, now time.Time, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[runID]; ok {
		it.Status = domain.RunFailed
		it.ErrorMessage = errorMessage
	}
	return nil
}

func (r *fakeQueueRepo) FindStaleClaims(ctx context.Context, now time.Time, limit int) ([]*domain.RunQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.RunQueueItem
	for _, it := range r.items {
		if it.Status == domain.RunClaimed && it.LockExpiresAt != nil && it.LockExpiresAt.Before(now) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeCallbackRepo is a minimal in-memory store.CallbackRepository, scoped
// to the human-loop sweep path.
type fakeCallbackRepo struct {
	mu       sync.Mutex
	humanReq map[string]*domain.HumanLoopRequest
}

func newFakeCallbackRepo() *fakeCallbackRepo {
	return &fakeCallbackRepo{humanReq: make(map[string]*domain.HumanLoopRequest)}
}

func (r *fakeCallbackRepo) BindRun(ctx context.Context, runID, sessionID string) error { return nil }
func (r *fakeCallbackRepo) SessionForRun(ctx context.Context, runID string) (string, error) {
	return "", nil
}
func (r *fakeCallbackRepo) RecordEventIfNew(ctx context.Context, runID, eventID, kind string, now time.Time) (bool, error) {
	return true, nil
}
func (r *fakeCallbackRepo) UpsertTodo(ctx context.Context, item *domain.TodoItem) error { return nil }
func (r *fakeCallbackRepo) AppendTodoEvent(ctx context.Context, ev *domain.TodoEvent) error {
	return nil
}
func (r *fakeCallbackRepo) ListTodos(ctx context.Context, runID string) ([]*domain.TodoItem, error) {
	return nil, nil
}
func (r *fakeCallbackRepo) ListTodoEvents(ctx context.Context, runID string) ([]*domain.TodoEvent, error) {
	return nil, nil
}
func (r *fakeCallbackRepo) InsertHumanLoopRequest(ctx context.Context, req *domain.HumanLoopRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.humanReq[req.QuestionID] = req
	return true, nil
}
func (r *fakeCallbackRepo) GetHumanLoopRequest(ctx context.Context, questionID string) (*domain.HumanLoopRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.humanReq[questionID], nil
}
func (r *fakeCallbackRepo) ResolveHumanLoopRequest(ctx context.Context, questionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.humanReq[questionID]; ok {
		req.Status = domain.HumanLoopResolved
	}
	return nil
}
func (r *fakeCallbackRepo) ExpireHumanLoopRequest(ctx context.Context, questionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.humanReq[questionID]; ok {
		req.Status = domain.HumanLoopExpired
	}
	return nil
}
func (r *fakeCallbackRepo) InsertHumanLoopResponse(ctx context.Context, resp *domain.HumanLoopResponse) (bool, error) {
	return true, nil
}
func (r *fakeCallbackRepo) ListPendingHumanLoopRequests(ctx context.Context, runID string, limit int) ([]*domain.HumanLoopRequest, error) {
	return nil, nil
}
func (r *fakeCallbackRepo) FindStalePendingHumanLoopRequests(ctx context.Context, now time.Time, limit int) ([]*domain.HumanLoopRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.HumanLoopRequest
	for _, req := range r.humanReq {
		if req.Status == domain.HumanLoopPending && req.RequestedAt.Before(now) {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (r *fakeCallbackRepo) FinalizeUsage(ctx context.Context, usage *domain.RunUsage) (bool, error) {
	return true, nil
}
func (r *fakeCallbackRepo) GetUsage(ctx context.Context, runID string) (*domain.RunUsage, error) {
	return nil, nil
}

var _ store.CallbackRepository = (*fakeCallbackRepo)(nil)
var _ store.QueueRepository = (*fakeQueueRepo)(nil)

// fakeWorkerRepo is a minimal in-memory store.WorkerRepository, scoped to
// the stale-sync sweep path.
type fakeWorkerRepo struct {
	mu      sync.Mutex
	workers map[string]*domain.SessionWorker
}

func newFakeWorkerRepo() *fakeWorkerRepo {
	return &fakeWorkerRepo{workers: make(map[string]*domain.SessionWorker)}
}

func (r *fakeWorkerRepo) Get(ctx context.Context, sessionID string) (*domain.SessionWorker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r *fakeWorkerRepo) Upsert(ctx context.Context, w *domain.SessionWorker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.workers[w.SessionID] = &cp
	return nil
}

func (r *fakeWorkerRepo) ListByState(ctx context.Context, state domain.WorkerState, limit int) ([]*domain.SessionWorker, error) {
	return nil, nil
}

func (r *fakeWorkerRepo) ListIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SessionWorker, error) {
	return nil, nil
}

func (r *fakeWorkerRepo) ListStoppedSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SessionWorker, error) {
	return nil, nil
}

func (r *fakeWorkerRepo) ListStaleSync(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SessionWorker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SessionWorker
	for _, w := range r.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

var _ store.WorkerRepository = (*fakeWorkerRepo)(nil)

// fakeDocker is a minimal worker.DockerClient, scoped to the stale-sync
// sweep path: every container exists except those listed in missing.
type fakeDocker struct {
	mu      sync.Mutex
	missing map[string]bool
	synced  []string
}

func (d *fakeDocker) CreateWorker(ctx context.Context, sessionID string, env map[string]string) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (d *fakeDocker) Start(ctx context.Context, containerID string) error { return nil }
func (d *fakeDocker) Stop(ctx context.Context, containerID string) error { return nil }
func (d *fakeDocker) Remove(ctx context.Context, containerID string) error { return nil }
func (d *fakeDocker) Exists(ctx context.Context, containerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.missing[containerID], nil
}
func (d *fakeDocker) ExportWorkspace(ctx context.Context, containerID string) (io.ReadCloser, error) {
	d.mu.Lock()
	d.synced = append(d.synced, containerID)
	d.mu.Unlock()
	return io.NopCloser(strings.NewReader("tar-bytes")), nil
}

type fakeSyncClient struct{}

func (fakeSyncClient) SyncWorkspace(ctx context.Context, spec domain.SyncSpec, s3Prefix string, read io.Reader) error {
	_, err := io.Copy(io.Discard, read)
	return err
}

func TestSweepStaleClaimsRequeues(t *testing.T) {
	qrepo := newFakeQueueRepo()
	q := queue.New(qrepo, 1000, 1000, 3)
	bus := eventbus.New(64, time.Second, 16)
	cbrepo := newFakeCallbackRepo()
	rec := New(q, bus, cbrepo, nil, 100, 100)

	past := time.Now().Add(-time.Minute)
	_, _ = qrepo.Insert(context.Background(), &domain.RunQueueItem{
		RunID: "run-1", Status: domain.RunClaimed, LockExpiresAt: &past, CreatedAt: past,
	})

	res, err := rec.SweepStaleClaims(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Total != 1 || res.Retried != 1 || res.Failed != 0 {
		t.Fatalf("expected total=1 retried=1 failed=0, got %+v", res)
	}

	item, _ := qrepo.FindByRunID(context.Background(), "run-1")
	if item.Status != domain.RunQueued {
		t.Fatalf("expected requeued status, got %s", item.Status)
	}
}

func TestSweepHumanLoopTimeoutsExpiresAndFails(t *testing.T) {
	qrepo := newFakeQueueRepo()
	q := queue.New(qrepo, 1000, 1000, 3)
	bus := eventbus.New(64, time.Second, 16)
	cbrepo := newFakeCallbackRepo()
	rec := New(q, bus, cbrepo, nil, 100, 100)

	past := time.Now().Add(-time.Hour)
	_, _ = qrepo.Insert(context.Background(), &domain.RunQueueItem{RunID: "run-2", Status: domain.RunClaimed, CreatedAt: past})
	_, _ = cbrepo.InsertHumanLoopRequest(context.Background(), &domain.HumanLoopRequest{
		QuestionID: "q-1", RunID: "run-2", Status: domain.HumanLoopPending, RequestedAt: past,
	})

	res, err := rec.SweepHumanLoopTimeouts(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Pending != 1 || res.Expired != 1 || res.FailedRuns != 1 {
		t.Fatalf("expected pending=1 expired=1 failedRuns=1, got %+v", res)
	}
	if cbrepo.humanReq["q-1"].Status != domain.HumanLoopExpired {
		t.Fatalf("expected request expired, got %s", cbrepo.humanReq["q-1"].Status)
	}
	item, _ := qrepo.FindByRunID(context.Background(), "run-2")
	if item.Status != domain.RunFailed {
		t.Fatalf("expected run failed after human-loop timeout, got %s", item.Status)
	}
}

func TestSweepStaleSyncsSkipsMissingContainer(t *testing.T) {
	qrepo := newFakeQueueRepo()
	q := queue.New(qrepo, 1000, 1000, 3)
	bus := eventbus.New(64, time.Second, 16)
	cbrepo := newFakeCallbackRepo()

	wrepo := newFakeWorkerRepo()
	docker := &fakeDocker{missing: map[string]bool{"container-gone": true}}
	mgr := worker.New(wrepo, docker, fakeSyncClient{}, nil, worker.Config{S3PrefixFormat: "workspaces/%s"})

	past := time.Now().Add(-time.Hour)
	_ = wrepo.Upsert(context.Background(), &domain.SessionWorker{
		SessionID: "sess-present", ContainerID: "container-present", State: domain.WorkerRunning,
		LastSyncAt: &past, CreatedAt: past, UpdatedAt: past,
	})
	_ = wrepo.Upsert(context.Background(), &domain.SessionWorker{
		SessionID: "sess-gone", ContainerID: "container-gone", State: domain.WorkerRunning,
		LastSyncAt: &past, CreatedAt: past, UpdatedAt: past,
	})

	rec := New(q, bus, cbrepo, mgr, 100, 100)
	res, err := rec.SweepStaleSyncs(context.Background(), time.Minute, 100, wrepo)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Total != 2 || res.Succeeded != 1 || res.Skipped != 1 || res.Failed != 0 {
		t.Fatalf("expected total=2 succeeded=1 skipped=1 failed=0, got %+v", res)
	}
	if len(docker.synced) != 1 || docker.synced[0] != "container-present" {
		t.Fatalf("expected only the present container to be synced, got %v", docker.synced)
	}
}
