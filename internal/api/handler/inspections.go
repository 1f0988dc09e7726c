// Package handler contains the HTTP handlers for the CloudVet API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cloudvet/cloudvet/internal/api/middleware"
	"github.com/cloudvet/cloudvet/internal/api/response"
	"github.com/cloudvet/cloudvet/internal/cache"
	"github.com/cloudvet/cloudvet/internal/orchestrator"
	"github.com/cloudvet/cloudvet/internal/store"
	"github.com/cloudvet/cloudvet/pkg/models"
)

const jobStatusTTL = 30 * time.Minute

// Inspections handles submission, polling and cancellation of inspection
// jobs.
type Inspections struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
	Cache        cache.Cache
}

type submitRequest struct {
	ServiceType string `json:"service_type"`
	ItemID      string `json:"item_id"`
	RoleRef     string `json:"role_ref"`
}

type submitResponse struct {
	JobID  uuid.UUID        `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// Submit starts a new inspection and returns 202 with the job id. The job
// itself runs asynchronously; progress arrives over the WebSocket feed or
// by polling.
func (h *Inspections) Submit(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.GetCustomerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing customer context", nil)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", nil)
		return
	}

	jobID, err := h.Orchestrator.Submit(r.Context(), orchestrator.SubmitRequest{
		CustomerID:  customerID,
		ServiceType: req.ServiceType,
		ItemID:      req.ItemID,
		RoleRef:     req.RoleRef,
	})
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	_ = h.Cache.SetJobStatus(r.Context(), jobID, string(models.JobStatusPending), jobStatusTTL)

	response.Accepted(w, submitResponse{JobID: jobID, Status: models.JobStatusPending})
}

// Get returns the live registry snapshot of a job, falling back to the
// cheap cached status for jobs already swept from the registry.
func (h *Inspections) Get(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	customerID, _ := middleware.GetCustomerID(r)

	job, err := h.Orchestrator.Get(jobID)
	if err == nil {
		if job.CustomerID != customerID {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Inspection not found", nil)
			return
		}
		response.JSON(w, job)
		return
	}

	if status, found, _ := h.Cache.GetJobStatus(r.Context(), jobID); found {
		response.JSON(w, map[string]any{"id": jobID, "status": status})
		return
	}
	response.Error(w, http.StatusNotFound, "NOT_FOUND", "Inspection not found", nil)
}

type resultResponse struct {
	Summary *store.JobSummary     `json:"summary"`
	Items   []store.ItemBreakdown `json:"items"`
}

// Result returns the durable stored record for a job: the source of truth
// for consumers needing strict consistency rather than the broadcast.
func (h *Inspections) Result(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	customerID, _ := middleware.GetCustomerID(r)

	summary, err := h.Store.GetJobSummary(r.Context(), customerID, jobID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "No stored result for inspection", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load result", nil)
		return
	}

	items, err := h.Store.ListItemBreakdowns(r.Context(), customerID, jobID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load breakdowns", nil)
		return
	}
	response.JSON(w, resultResponse{Summary: summary, Items: items})
}

// Cancel requests cooperative cancellation of a running job.
func (h *Inspections) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	customerID, _ := middleware.GetCustomerID(r)

	job, err := h.Orchestrator.Get(jobID)
	if err != nil || job.CustomerID != customerID {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Inspection not found", nil)
		return
	}

	switch err := h.Orchestrator.Cancel(jobID, "cancelled via API"); {
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		response.Error(w, http.StatusConflict, "ALREADY_TERMINAL", "Inspection already finished", nil)
	case err != nil:
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Inspection not found", nil)
	default:
		response.JSON(w, map[string]any{"id": jobID, "status": models.JobStatusCancelled})
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "Job id must be a UUID", nil)
		return uuid.Nil, false
	}
	return jobID, true
}
