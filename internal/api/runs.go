package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/callback"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/eventbus"
	"github.com/agentctl/runctl/internal/identity"
	"github.com/agentctl/runctl/internal/metrics"
	"github.com/agentctl/runctl/internal/orchestrator"
	"github.com/go-chi/chi/v5"
)

// RunsHandler implements the run lifecycle endpoints: start, stream, stop,
// bind, callbacks, todos, and human-loop reply.
type RunsHandler struct {
	*Handler
}

// NewRunsHandler builds a RunsHandler.
func NewRunsHandler(base *Handler) *RunsHandler {
	return &RunsHandler{Handler: base}
}

// RegisterRoutes registers every /runs endpoint.
func (h *RunsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.StartRun)
		r.Route("/{runId}", func(r chi.Router) {
			r.Get("/stream", h.StreamRun)
			r.Post("/stop", h.StopRun)
			r.Post("/bind", h.BindRun)
			r.Post("/callbacks", h.PostCallback)
			r.Get("/todos", h.ListTodos)
			r.Get("/todos/events", h.ListTodoEvents)
		})
	})
	r.Post("/human-loop/reply", h.ReplyHumanLoop)
	r.Get("/human-loop/pending", h.ListPendingHumanLoop)
}

type startRunRequest struct {
	RunID            string          `json:"runId"`
	SessionID        string          `json:"sessionId"`
	Provider         string          `json:"provider"`
	RequireHumanLoop bool            `json:"requireHumanLoop"`
	Messages         json.RawMessage `json:"messages"`
}

// StartRun implements POST /runs: validates the payload against the
// run-start schema, then hands it to the orchestrator to enqueue and
// dispatch.
func (h *RunsHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := h.val.ValidateRunStart(body); err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}

	var req startRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed json")
		return
	}
	if req.RunID == "" {
		req.RunID = identity.SessionIDFromContext(r.Context()) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	item, err := h.orch.Start(r.Context(), orchestrator.StartInput{
		RunID:            req.RunID,
		SessionID:        req.SessionID,
		Provider:         domain.Provider(req.Provider),
		RequireHumanLoop: req.RequireHumanLoop,
		Payload:          body,
	})
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	metrics.RunsStarted.WithLabelValues(req.Provider).Inc()
	JSON(w, http.StatusAccepted, item)
}

// StreamRun implements GET /runs/{runId}/stream: an SSE feed of the run's
// ordered event log, resumable via Last-Event-ID / after query param.
func (h *RunsHandler) StreamRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	afterSeq := int64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			afterSeq = n
		}
	} else if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			afterSeq = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = eventbus.WriteSSERetry(w, 2000)
	flusher.Flush()

	sub := h.bus.Subscribe(runID, afterSeq)
	defer h.bus.Unsubscribe(runID, sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := eventbus.WriteSSEEvent(w, ev.Seq, string(ev.Kind), ev.Payload); err != nil {
				return
			}
			flusher.Flush()
			if ev.Kind == domain.EventRunClosed {
				return
			}
		}
	}
}

// StopRun implements POST /runs/{runId}/stop.
func (h *RunsHandler) StopRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if err := h.orch.Stop(r.Context(), runID); err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

type bindRunRequest struct {
	SessionID string `json:"sessionId"`
}

// BindRun implements POST /runs/{runId}/bind: records the run→session
// association a worker callback needs before it can post further events.
func (h *RunsHandler) BindRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	var req bindRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed json")
		return
	}
	if err := h.cb.BindRun(r.Context(), runID, req.SessionID); err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "bound"})
}

type callbackRequest struct {
	EventID      string          `json:"eventId"`
	Kind         string          `json:"kind"`
	TodoID       string          `json:"todoId"`
	TodoStatus   string          `json:"todoStatus"`
	TodoContent  string          `json:"todoContent"`
	QuestionID   string          `json:"questionId"`
	Prompt       string          `json:"prompt"`
	Metadata     map[string]any  `json:"metadata"`
	FinishStatus string          `json:"finishStatus"`
	ErrorMessage string          `json:"errorMessage"`
	InputTokens  int64           `json:"inputTokens"`
	OutputTokens int64           `json:"outputTokens"`
}

// PostCallback implements POST /runs/{runId}/callbacks.
func (h *RunsHandler) PostCallback(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := h.val.ValidateCallback(body); err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}

	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed json")
		return
	}

	result, err := h.cb.IngestCallback(r.Context(), runID, callback.CallbackEvent{
		EventID:      req.EventID,
		Kind:         req.Kind,
		TodoID:       req.TodoID,
		TodoStatus:   req.TodoStatus,
		TodoContent:  req.TodoContent,
		QuestionID:   req.QuestionID,
		Prompt:       req.Prompt,
		Metadata:     req.Metadata,
		FinishStatus: req.FinishStatus,
		ErrorMessage: req.ErrorMessage,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
	})
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	metrics.CallbacksIngested.WithLabelValues(req.Kind, strconv.FormatBool(result.Duplicate)).Inc()
	JSON(w, http.StatusOK, result)
}

// ListTodos implements GET /runs/{runId}/todos.
func (h *RunsHandler) ListTodos(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	items, err := h.cb.ListTodos(r.Context(), runID)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, items)
}

// ListTodoEvents implements GET /runs/{runId}/todos/events.
func (h *RunsHandler) ListTodoEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	events, err := h.cb.ListTodoEvents(r.Context(), runID)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, events)
}

// ListPendingHumanLoop implements GET /human-loop/pending?runId=&limit=.
func (h *RunsHandler) ListPendingHumanLoop(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	reqs, err := h.cb.ListPendingHumanLoop(r.Context(), runID, limit)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, reqs)
}

type humanLoopReplyRequest struct {
	RunID      string `json:"runId"`
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// ReplyHumanLoop implements POST /human-loop/reply.
func (h *RunsHandler) ReplyHumanLoop(w http.ResponseWriter, r *http.Request) {
	var req humanLoopReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed json")
		return
	}

	result, err := h.cb.ReplyHumanLoop(r.Context(), orchestrator.Port(h.orch), callback.ReplyHumanLoopInput{
		RunID:      req.RunID,
		QuestionID: req.QuestionID,
		Answer:     req.Answer,
	})
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, result)
}
