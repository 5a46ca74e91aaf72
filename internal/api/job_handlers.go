package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/proxpanel/bulkops/internal/bulkops"
)

const bulkOpsPrefix = "/api/bulk-ops/"

// JobHandlers serves the bulk operation submission and polling contract.
type JobHandlers struct {
	manager *bulkops.Manager
}

// NewJobHandlers creates handlers backed by the given manager.
func NewJobHandlers(manager *bulkops.Manager) *JobHandlers {
	return &JobHandlers{manager: manager}
}

// HandleSubmit handles POST /api/bulk-ops/{kind}. Validation failures are
// synchronous 400s; acceptance is a 202 with the job id, after which the
// caller polls.
func (h *JobHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	kind := strings.TrimPrefix(r.URL.Path, bulkOpsPrefix)
	if kind == "" || strings.Contains(kind, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var req bulkops.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	job, err := h.manager.Submit(r.Context(), kind, req)
	if err != nil {
		switch {
		case errors.Is(err, bulkops.ErrUnknownKind),
			errors.Is(err, bulkops.ErrNoTargets),
			errors.Is(err, bulkops.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Str("kind", kind).Msg("Bulk operation submission failed")
			writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}

	log.Info().Str("job", job.ID).Str("kind", string(job.Kind)).
		Int("targets", len(job.Results)).Msg("Bulk operation accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     job.ID,
		"status": string(job.Status),
	})
}

// HandleGet handles GET /api/bulk-ops/{id}: the polling endpoint. Unknown
// ids are 404s so callers stop polling.
func (h *JobHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, bulkOpsPrefix)
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	job, err := h.manager.Store().Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown job id")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleList handles GET /api/bulk-ops, newest first. The optional limit
// query bounds the response.
func (h *JobHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.manager.Store().List(limit))
}
