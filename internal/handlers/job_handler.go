// -----------------------------------------------------------------------
// Job Handler - user-facing job status and lifecycle control
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	store  interfaces.JobStorage
	events interfaces.EventService
	logger arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(store interfaces.JobStorage, events interfaces.EventService, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		store:  store,
		events: events,
		logger: logger,
	}
}

// ListJobsHandler returns a paginated list of jobs, newest first
// GET /jobs?username=jdoe&limit=50&offset=0
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	username := r.URL.Query().Get("username")
	limit := 50
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	jobs, total, err := h.store.ListJobs(r.Context(), username, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        jobs,
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
	})
}

// GetJobHandler returns one job with status, progress, and related links
// GET /jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, interfaces.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("jobID", jobID).Msg("Failed to get job")
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// CancelJobHandler cancels a job; its outstanding items sweep to canceled
// in the same transaction.
// POST /jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, models.JobStatusCanceled, "Canceled by user request")
}

// PauseJobHandler pauses a running job
// POST /jobs/{id}/pause
func (h *JobHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, models.JobStatusPaused, "")
}

// ResumeJobHandler resumes a paused job
// POST /jobs/{id}/resume
func (h *JobHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, models.JobStatusRunning, "")
}

func (h *JobHandler) transitionHandler(w http.ResponseWriter, r *http.Request, to models.JobStatus, message string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.store.TransitionJob(r.Context(), jobID, to, message)
	if errors.Is(err, interfaces.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		// The status machine rejected the move (terminal job, backward
		// transition, resume of a non-paused job)
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	if to == models.JobStatusCanceled {
		if err := h.store.DeleteUserWorkForJob(r.Context(), jobID); err != nil {
			h.logger.Warn().Err(err).Str("jobID", jobID).Msg("Failed to clear user work after cancel")
		}
	}

	h.events.Publish(r.Context(), interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		JobID:   jobID,
		Payload: job,
	})

	WriteJSON(w, http.StatusOK, job)
}

// SetLabelsHandler replaces the user's labels on a job
// PUT /jobs/{id}/labels body: {"username": "...", "labels": ["..."]}
func (h *JobHandler) SetLabelsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	var req struct {
		Username string   `json:"username"`
		Labels   []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		WriteError(w, http.StatusBadRequest, "username and labels are required")
		return
	}

	if err := h.store.SetLabelsForJob(r.Context(), jobID, req.Username, req.Labels); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("jobID", jobID).Msg("Failed to set labels")
		WriteError(w, http.StatusInternalServerError, "Failed to set labels")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// jobIDFromPath extracts the id segment from /jobs/{id}[/action]
func jobIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "jobs" {
		return ""
	}
	return parts[1]
}
