// Package api provides HTTP handlers for the control plane API.
package api

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/agentctl/runctl/internal/callback"
	"github.com/agentctl/runctl/internal/chat"
	"github.com/agentctl/runctl/internal/eventbus"
	"github.com/agentctl/runctl/internal/filegateway"
	"github.com/agentctl/runctl/internal/orchestrator"
	"github.com/agentctl/runctl/internal/queue"
	"github.com/agentctl/runctl/internal/rbac"
	"github.com/agentctl/runctl/internal/reconcile"
	"github.com/agentctl/runctl/internal/store"
	"github.com/agentctl/runctl/internal/validate"
	"github.com/agentctl/runctl/internal/worker"
)

// Handler carries the dependencies every run-facing endpoint needs.
type Handler struct {
	queue      *queue.Queue
	orch       *orchestrator.Orchestrator
	bus        *eventbus.Bus
	cb         *callback.Ingestor
	workers    *worker.Manager
	rbac       *rbac.Checker
	files      *filegateway.Gateway
	chat       *chat.History
	val        *validate.Validator
	rec        *reconcile.Reconciler
	workerRepo store.WorkerRepository
}

// NewHandler builds a Handler with every dependency the route handlers
// across this package share.
func NewHandler(
	q *queue.Queue,
	orch *orchestrator.Orchestrator,
	bus *eventbus.Bus,
	cb *callback.Ingestor,
	workers *worker.Manager,
	checker *rbac.Checker,
	files *filegateway.Gateway,
	history *chat.History,
	val *validate.Validator,
) *Handler {
	return &Handler{
		queue:   q,
		orch:    orch,
		bus:     bus,
		cb:      cb,
		workers: workers,
		rbac:    checker,
		files:   files,
		chat:    history,
		val:     val,
	}
}

// WithReconciler attaches the reconciler and the worker repository its sync
// sweep needs, for the /reconcile endpoints. Kept as a separate setter
// rather than another NewHandler parameter so every existing call site
// (tests included) stays untouched.
func (h *Handler) WithReconciler(rec *reconcile.Reconciler, workerRepo store.WorkerRepository) *Handler {
	h.rec = rec
	h.workerRepo = workerRepo
	return h
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// isDevelopment mirrors the teacher's env-based dev-mode switch. Nothing
// calls it; cmd/runctld makes the same APP_ENV check inline when deciding
// whether identity cookies require Secure.
func isDevelopment() bool {
	return os.Getenv("APP_ENV") == "development"
}
