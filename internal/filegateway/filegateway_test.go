package filegateway

import (
	"context"
	"sync"
	"testing"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/rbac"
	"github.com/agentctl/runctl/internal/store"
)

type fakeRBACRepo struct {
	mu       sync.Mutex
	policies map[string][]*domain.RBACPolicy
	audits   []*domain.FileAuditRecord
}

func newFakeRBACRepo() *fakeRBACRepo {
	return &fakeRBACRepo{policies: make(map[string][]*domain.RBACPolicy)}
}

func (r *fakeRBACRepo) PoliciesForUser(ctx context.Context, userID string) ([]*domain.RBACPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policies[userID], nil
}

func (r *fakeRBACRepo) PutPolicy(ctx context.Context, p *domain.RBACPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.UserID] = append(r.policies[p.UserID], p)
	return nil
}

func (r *fakeRBACRepo) InsertAudit(ctx context.Context, rec *domain.FileAuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, rec)
	return nil
}

var _ store.RBACRepository = (*fakeRBACRepo)(nil)

func TestGatewayDeniesWithoutPolicy(t *testing.T) {
	repo := newFakeRBACRepo()
	checker := rbac.New(repo)
	backend := NewLocalBackend(t.TempDir())
	gw := New(backend, checker, repo)

	_, err := gw.ReadFile(context.Background(), "alice", "/secret.txt", 0, 0)
	if apperr.HTTPStatus(err) != 403 {
		t.Fatalf("expected 403, got %v (%v)", apperr.HTTPStatus(err), err)
	}
	if len(repo.audits) != 1 || repo.audits[0].Allowed {
		t.Fatalf("expected one denied audit record, got %+v", repo.audits)
	}
}

func TestGatewayAllowsWithPolicyAndAudits(t *testing.T) {
	repo := newFakeRBACRepo()
	checker := rbac.New(repo)
	backend := NewLocalBackend(t.TempDir())
	gw := New(backend, checker, repo)

	if err := checker.PutPolicy(context.Background(), "alice", "/", true, true); err != nil {
		t.Fatalf("put policy: %v", err)
	}

	if err := gw.WriteFile(context.Background(), "alice", "/notes.txt", []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := gw.ReadFile(context.Background(), "alice", "/notes.txt", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(res.Data) != "hello" {
		t.Fatalf("expected hello, got %q", res.Data)
	}
	if res.Truncated {
		t.Fatalf("expected full read to report untruncated")
	}

	partial, err := gw.ReadFile(context.Background(), "alice", "/notes.txt", 0, 2)
	if err != nil {
		t.Fatalf("partial read: %v", err)
	}
	if string(partial.Data) != "he" {
		t.Fatalf("expected first 2 bytes \"he\", got %q", partial.Data)
	}
	if !partial.Truncated || partial.NextOffset != 2 {
		t.Fatalf("expected truncated read with nextOffset=2, got truncated=%v nextOffset=%d", partial.Truncated, partial.NextOffset)
	}

	allowedCount := 0
	for _, rec := range repo.audits {
		if rec.Allowed {
			allowedCount++
		}
	}
	if allowedCount != 3 {
		t.Fatalf("expected 3 allowed audit records, got %d", allowedCount)
	}
}
