package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/identity"
	"github.com/agentctl/runctl/internal/metrics"
	"github.com/go-chi/chi/v5"
)

func observeFileOp(action string, err error) {
	allowed := err == nil || apperr.HTTPStatus(err) != http.StatusForbidden
	metrics.FileOperations.WithLabelValues(action, boolLabel(allowed)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// FilesHandler implements the RBAC-checked, audited file browser endpoints.
type FilesHandler struct {
	*Handler
}

// NewFilesHandler builds a FilesHandler.
func NewFilesHandler(base *Handler) *FilesHandler {
	return &FilesHandler{Handler: base}
}

// RegisterRoutes registers every /files endpoint.
func (h *FilesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Get("/tree", h.ListTree)
		r.Get("/download", h.Download)
		r.Get("/content", h.ReadFile)
		r.Put("/content", h.WriteFile)
		r.Post("/rename", h.Rename)
		r.Delete("/", h.Delete)
		r.Post("/mkdir", h.Mkdir)
	})
}

func pathParam(r *http.Request) string {
	if p := r.URL.Query().Get("path"); p != "" {
		return p
	}
	return "/"
}

// ListTree implements GET /files/tree?path=.
func (h *FilesHandler) ListTree(w http.ResponseWriter, r *http.Request) {
	userID := identity.ActorIDFromContext(r.Context())
	entries, err := h.files.ListTree(r.Context(), userID, pathParam(r))
	observeFileOp("list_tree", err)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, entries)
}

// Download implements GET /files/download?path=.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	userID := identity.ActorIDFromContext(r.Context())
	rc, err := h.files.Download(r.Context(), userID, pathParam(r))
	observeFileOp("download", err)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

func int64Param(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// ReadFile implements GET /files/content?path=&offset=&limit=.
func (h *FilesHandler) ReadFile(w http.ResponseWriter, r *http.Request) {
	userID := identity.ActorIDFromContext(r.Context())
	offset := int64Param(r, "offset", 0)
	limit := int64Param(r, "limit", 0)
	res, err := h.files.ReadFile(r.Context(), userID, pathParam(r), offset, limit)
	observeFileOp("read", err)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	w.Header().Set("X-Next-Offset", strconv.FormatInt(res.NextOffset, 10))
	w.Header().Set("X-Truncated", strconv.FormatBool(res.Truncated))
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(res.Data)
}

// WriteFile implements PUT /files/content?path=.
func (h *FilesHandler) WriteFile(w http.ResponseWriter, r *http.Request) {
	userID := identity.ActorIDFromContext(r.Context())
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	err = h.files.WriteFile(r.Context(), userID, pathParam(r), data)
	observeFileOp("write", err)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "written"})
}

type renameRequest struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

// Rename implements POST /files/rename.
func (h *FilesHandler) Rename(w http.ResponseWriter, r *http.Request) {
	userID := identity.ActorIDFromContext(r.Context())
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed json")
		return
	}
	err := h.files.Rename(r.Context(), userID, req.OldPath, req.NewPath)
	observeFileOp("rename", err)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

// Delete implements DELETE /files?path=.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := identity.ActorIDFromContext(r.Context())
	err := h.files.Delete(r.Context(), userID, pathParam(r))
	observeFileOp("delete", err)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type mkdirRequest struct {
	Path string `json:"path"`
}

// Mkdir implements POST /files/mkdir.
func (h *FilesHandler) Mkdir(w http.ResponseWriter, r *http.Request) {
	userID := identity.ActorIDFromContext(r.Context())
	var req mkdirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed json")
		return
	}
	err := h.files.Mkdir(r.Context(), userID, req.Path)
	observeFileOp("mkdir", err)
	if err != nil {
		Error(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "created"})
}
