package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReconcileHandler implements the reconcile sweep and metrics endpoints
// spec.md §6 names, on top of the same sweeps internal/sched schedules on
// cron.
type ReconcileHandler struct {
	*Handler
}

// NewReconcileHandler builds a ReconcileHandler. base must have been built
// via Handler.WithReconciler.
func NewReconcileHandler(base *Handler) *ReconcileHandler {
	return &ReconcileHandler{Handler: base}
}

// RegisterRoutes registers every /reconcile endpoint.
func (h *ReconcileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/reconcile", func(r chi.Router) {
		r.Post("/runs", h.SweepRuns)
		r.Post("/sync", h.SweepSync)
		r.Post("/human-loop-timeout", h.SweepHumanLoopTimeout)
		r.Get("/metrics", h.Metrics)
		r.Handle("/metrics/prometheus", promhttp.Handler())
	})
}

type sweepRunsRequest struct {
	Limit        int   `json:"limit"`
	RetryDelayMs int64 `json:"retryDelayMs"`
}

// SweepRuns implements POST /reconcile/runs — spec.md §4.F's stale-claims
// sweep. The request's limit/retryDelayMs fields are accepted for parity
// with the wire contract; the sweep itself is configured at Reconciler
// construction time.
func (h *ReconcileHandler) SweepRuns(w http.ResponseWriter, r *http.Request) {
	var req sweepRunsRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	res, err := h.rec.SweepStaleClaims(r.Context())
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]int{
		"total": res.Total, "retried": res.Retried, "failed": res.Failed,
	})
}

type sweepSyncRequest struct {
	StaleAfterMs int64 `json:"staleAfterMs"`
	Limit        int   `json:"limit"`
}

// SweepSync implements POST /reconcile/sync — spec.md §4.F's stale-syncs
// sweep.
func (h *ReconcileHandler) SweepSync(w http.ResponseWriter, r *http.Request) {
	var req sweepSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed json")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	res, err := h.rec.SweepStaleSyncs(r.Context(), time.Duration(req.StaleAfterMs)*time.Millisecond, limit, h.workerRepo)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]int{
		"total": res.Total, "succeeded": res.Succeeded, "skipped": res.Skipped, "failed": res.Failed,
	})
}

type sweepHumanLoopTimeoutRequest struct {
	TimeoutMs int64 `json:"timeoutMs"`
	Limit     int   `json:"limit"`
}

// SweepHumanLoopTimeout implements POST /reconcile/human-loop-timeout —
// spec.md §4.F's human-loop-timeout sweep.
func (h *ReconcileHandler) SweepHumanLoopTimeout(w http.ResponseWriter, r *http.Request) {
	var req sweepHumanLoopTimeoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	res, err := h.rec.SweepHumanLoopTimeouts(r.Context())
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]int{
		"pending": res.Pending, "expired": res.Expired, "failedRuns": res.FailedRuns,
	})
}

// Metrics implements GET /reconcile/metrics?alertLimit=: the result of the
// most recently completed pass of each sweep, plus an alert note when the
// human-loop backlog exceeds alertLimit.
func (h *ReconcileHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	claims, syncs, humanLoop := h.rec.Metrics()

	resp := map[string]any{
		"staleClaims": map[string]int{"total": claims.Total, "retried": claims.Retried, "failed": claims.Failed},
		"staleSyncs":  map[string]int{"total": syncs.Total, "succeeded": syncs.Succeeded, "skipped": syncs.Skipped, "failed": syncs.Failed},
		"humanLoop":   map[string]int{"pending": humanLoop.Pending, "expired": humanLoop.Expired, "failedRuns": humanLoop.FailedRuns},
	}

	if alertLimit := int64Param(r, "alertLimit", 0); alertLimit > 0 && int64(humanLoop.Pending) >= alertLimit {
		resp["alerts"] = []string{"human-loop pending backlog at or above alertLimit"}
	}
	JSON(w, http.StatusOK, resp)
}
