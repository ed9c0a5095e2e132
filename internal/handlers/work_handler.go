// -----------------------------------------------------------------------
// Work Handler - the worker-facing coordinator surface
// -----------------------------------------------------------------------

package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/coordinator"
	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
)

// WorkHandler serves the pod-facing endpoints: work claims, completion
// reports, queue metrics, and deployment callbacks.
type WorkHandler struct {
	coordinator  *coordinator.Coordinator
	validate     *validator.Validate
	cookieSecret string
	logger       arbor.ILogger
}

// NewWorkHandler creates a work handler
func NewWorkHandler(coord *coordinator.Coordinator, cookieSecret string, logger arbor.ILogger) *WorkHandler {
	return &WorkHandler{
		coordinator:  coord,
		validate:     validator.New(),
		cookieSecret: cookieSecret,
		logger:       logger,
	}
}

// GetWorkHandler hands out the next work item for a polling pod
// GET /service/work?serviceID=...&podName=...
func (h *WorkHandler) GetWorkHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	serviceID := r.URL.Query().Get("serviceID")
	podName := r.URL.Query().Get("podName")
	if serviceID == "" {
		WriteError(w, http.StatusBadRequest, "serviceID is required")
		return
	}

	claimed, err := h.coordinator.GetWork(r.Context(), serviceID, podName)
	if err != nil {
		h.logger.Error().Err(err).Str("serviceID", serviceID).Msg("Failed to claim work")
		WriteError(w, http.StatusInternalServerError, "Failed to claim work")
		return
	}
	if claimed == nil {
		WriteError(w, http.StatusNotFound, "No work available")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workItem":       claimed.Item,
		"maxCmrGranules": claimed.MaxCmrGranules,
	})
}

// CompleteWorkHandler accepts a completion report for one item
// PUT /service/work/{id}
func (h *WorkHandler) CompleteWorkHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/service/work/")
	itemID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid work item id")
		return
	}

	var update models.WorkItemUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid completion payload")
		return
	}
	if err := h.validate.Struct(&update); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid completion payload: "+err.Error())
		return
	}

	err = h.coordinator.CompleteWork(r.Context(), itemID, &update)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Work item not found")
	case errors.Is(err, interfaces.ErrAlreadyTerminal):
		WriteError(w, http.StatusConflict, "Work item already has a terminal result")
	case err != nil:
		h.logger.Error().Err(err).Int64("workItemID", itemID).Msg("Failed to apply completion")
		WriteError(w, http.StatusInternalServerError, "Failed to apply completion")
	default:
		WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// MetricsHandler reports the ready queue depth for a service
// POST /service/metrics body: {"serviceID": "..."}
func (h *WorkHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req struct {
		ServiceID string `json:"serviceID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServiceID == "" {
		WriteError(w, http.StatusBadRequest, "serviceID is required")
		return
	}

	available, err := h.coordinator.Metrics(r.Context(), req.ServiceID)
	if err != nil {
		h.logger.Error().Err(err).Str("serviceID", req.ServiceID).Msg("Failed to read queue metrics")
		WriteError(w, http.StatusInternalServerError, "Failed to read queue metrics")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]int{"availableWorkItems": available})
}

// DeploymentCallbackHandler refreshes the in-memory service image map when
// a new service version deploys.
// POST /service/deployment-callback, guarded by the shared cookie secret
func (h *WorkHandler) DeploymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	secret := r.Header.Get("cookie-secret")
	if h.cookieSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(h.cookieSecret)) != 1 {
		WriteError(w, http.StatusUnauthorized, "Invalid deployment secret")
		return
	}

	var req struct {
		DeployService    string            `json:"deployService"`
		Image            string            `json:"image"`
		ServiceQueueUrls map[string]string `json:"serviceQueueUrls,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeployService == "" || req.Image == "" {
		WriteError(w, http.StatusBadRequest, "deployService and image are required")
		return
	}

	if err := h.coordinator.UpdateServiceImage(req.DeployService, req.Image); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info().Str("service", req.DeployService).Str("image", req.Image).Msg("Service image updated from deployment callback")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
