package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentctl/runctl/internal/filegateway"
	"github.com/agentctl/runctl/internal/identity"
	"github.com/agentctl/runctl/internal/rbac"
	"github.com/go-chi/chi/v5"
)

func newTestFilesRouter(t *testing.T) (*chi.Mux, *fakeRBACRepo, *rbac.Checker) {
	t.Helper()
	repo := newFakeRBACRepo()
	checker := rbac.New(repo)
	backend := filegateway.NewLocalBackend(t.TempDir())
	gw := filegateway.New(backend, checker, repo)

	base := NewHandler(nil, nil, nil, nil, nil, checker, gw, nil, nil)
	h := NewFilesHandler(base)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)
	return r, repo, checker
}

// mintActorCookie issues a throwaway request to learn the anonymous actor
// id the identity middleware assigns, so subsequent requests in the test
// can carry it and be granted an RBAC policy under the same id.
func mintActorCookie(t *testing.T, r *chi.Mux) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/files/tree", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.Name == identity.AnonCookieName {
			return c
		}
	}
	t.Fatalf("expected actor cookie to be set")
	return nil
}

func TestFilesEndpointDeniesWithoutPolicy(t *testing.T) {
	r, repo, _ := newTestFilesRouter(t)
	cookie := mintActorCookie(t, r)

	req := httptest.NewRequest(http.MethodGet, "/files/tree", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if len(repo.audits) == 0 {
		t.Fatalf("expected an audit record for the denied access")
	}
}

func TestFilesEndpointsRoundTripWithPolicy(t *testing.T) {
	r, _, checker := newTestFilesRouter(t)
	cookie := mintActorCookie(t, r)

	if err := checker.PutPolicy(context.Background(), cookie.Value, "/", true, true); err != nil {
		t.Fatalf("put policy: %v", err)
	}

	writeReq := httptest.NewRequest(http.MethodPut, "/files/content?path=/notes.txt", strings.NewReader("hello"))
	writeReq.AddCookie(cookie)
	writeW := httptest.NewRecorder()
	r.ServeHTTP(writeW, writeReq)
	if writeW.Code != http.StatusOK {
		t.Fatalf("write: expected 200, got %d: %s", writeW.Code, writeW.Body.String())
	}

	readReq := httptest.NewRequest(http.MethodGet, "/files/content?path=/notes.txt", nil)
	readReq.AddCookie(cookie)
	readW := httptest.NewRecorder()
	r.ServeHTTP(readW, readReq)
	if readW.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d: %s", readW.Code, readW.Body.String())
	}
	if readW.Body.String() != "hello" {
		t.Fatalf("expected hello, got %q", readW.Body.String())
	}

	mkdirReq := httptest.NewRequest(http.MethodPost, "/files/mkdir", strings.NewReader(`{"path":"/sub"}`))
	mkdirReq.AddCookie(cookie)
	mkdirW := httptest.NewRecorder()
	r.ServeHTTP(mkdirW, mkdirReq)
	if mkdirW.Code != http.StatusOK {
		t.Fatalf("mkdir: expected 200, got %d: %s", mkdirW.Code, mkdirW.Body.String())
	}

	treeReq := httptest.NewRequest(http.MethodGet, "/files/tree", nil)
	treeReq.AddCookie(cookie)
	treeW := httptest.NewRecorder()
	r.ServeHTTP(treeW, treeReq)
	if treeW.Code != http.StatusOK {
		t.Fatalf("tree: expected 200, got %d: %s", treeW.Code, treeW.Body.String())
	}
	if !strings.Contains(treeW.Body.String(), "notes.txt") {
		t.Fatalf("expected tree to contain notes.txt, got %s", treeW.Body.String())
	}
}
