package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/go-chi/chi/v5"
)

// WorkersHandler implements the session-worker endpoints: activate,
// status, and manual workspace sync.
type WorkersHandler struct {
	*Handler
}

// NewWorkersHandler builds a WorkersHandler.
func NewWorkersHandler(base *Handler) *WorkersHandler {
	return &WorkersHandler{Handler: base}
}

// RegisterRoutes registers every /sessions/{sessionId}/worker endpoint.
func (h *WorkersHandler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions/{sessionId}/worker", func(r chi.Router) {
		r.Post("/activate", h.Activate)
		r.Get("/", h.Get)
		r.Post("/sync", h.Sync)
	})
}

type activateRequest struct {
	AppID          string `json:"appId"`
	ProjectName    string `json:"projectName"`
	UserLoginName  string `json:"userLoginName"`
	RuntimeVersion string `json:"runtimeVersion"`
}

// Activate implements POST /sessions/{sessionId}/worker/activate.
func (h *WorkersHandler) Activate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req activateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "malformed json")
			return
		}
	}

	worker, err := h.workers.ActivateSession(r.Context(), domain.ActivateContext{
		SessionID:      sessionID,
		AppID:          req.AppID,
		ProjectName:    req.ProjectName,
		UserLoginName:  req.UserLoginName,
		RuntimeVersion: req.RuntimeVersion,
	})
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, worker)
}

// Get implements GET /sessions/{sessionId}/worker.
func (h *WorkersHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	worker, err := h.workers.Get(r.Context(), sessionID)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	if worker == nil {
		Error(w, http.StatusNotFound, "no worker for session")
		return
	}
	JSON(w, http.StatusOK, worker)
}

// Sync implements POST /sessions/{sessionId}/worker/sync: a manual
// workspace sync outside the idle/stop sweeps.
func (h *WorkersHandler) Sync(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	err := h.workers.SyncSessionWorkspace(r.Context(), domain.SyncSpec{
		SessionID: sessionID,
		Reason:    domain.SyncReasonManual,
		Include:   domain.DefaultSyncInclude,
		Exclude:   domain.DefaultSyncExclude,
	})
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "synced"})
}
