package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/pipeline"
	"compass-pipeline/internal/queue"
	"compass-pipeline/internal/store"
)

// Submitter enqueues a request for the worker pool
type Submitter interface {
	Submit(ctx context.Context, req model.Request) (string, error)
}

// RunReader reads persisted runs
type RunReader interface {
	ListRuns(ctx context.Context) ([]model.RunSummary, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	GetRunErrors(ctx context.Context, runID string) ([]model.RunError, error)
	GetStageProgress(ctx context.Context, runID string) ([]model.StageProgress, error)
}

// Handler serves the workflow API
type Handler struct {
	submitter Submitter
	runs      RunReader
	logger    *zap.Logger
}

func New(submitter Submitter, runs RunReader, logger *zap.Logger) *Handler {
	return &Handler{submitter: submitter, runs: runs, logger: logger}
}

// SubmitResponse is returned when a workflow is accepted
type SubmitResponse struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// ErrorResponse carries a failure message
type ErrorResponse struct {
	Error string `json:"error"`
}

const workflowsPrefix = "/workflows/"

// CreateWorkflow submits a workflow run
// @Summary Submit a workflow
// @Description Queue a workflow run (etl_v1, custom_v1, summary_v1) with a flat payload
// @Tags workflows
// @Accept json
// @Produce json
// @Param request body model.Request true "Workflow name and payload"
// @Success 202 {object} SubmitResponse "Run accepted"
// @Failure 400 {object} ErrorResponse "Invalid request payload"
// @Failure 503 {object} ErrorResponse "Queue unavailable"
// @Router /workflows [post]
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req model.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if !pipeline.Known(req.Name) {
		writeError(w, http.StatusBadRequest, "Unknown workflow "+req.Name+", expected one of "+strings.Join(pipeline.Workflows(), ", "))
		return
	}
	if req.Payload == nil {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	req.ID = uuid.New().String()
	id, err := h.submitter.Submit(r.Context(), req)
	switch {
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("submit workflow", zap.String("workflow", req.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to queue workflow")
		return
	}

	h.logger.Info("workflow queued", zap.String("run_id", id), zap.String("workflow", req.Name))
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		RunID:     id,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	})
}

// ListWorkflows lists runs, newest first
// @Summary List runs
// @Tags workflows
// @Produce json
// @Success 200 {array} model.RunSummary
// @Failure 500 {object} ErrorResponse
// @Router /workflows [get]
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context())
	if err != nil {
		h.logger.Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetWorkflow returns one run with its flattened context
// @Summary Get run
// @Tags workflows
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.Run
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /workflows/{id} [get]
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r.URL.Path, "")
	if !ok {
		return
	}
	run, err := h.runs.GetRun(r.Context(), runID)
	if h.failed(w, runID, err) {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetWorkflowErrors returns the errors recorded for a run
// @Summary Get run errors
// @Tags workflows
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {array} model.RunError
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /workflows/{id}/errors [get]
func (h *Handler) GetWorkflowErrors(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r.URL.Path, "/errors")
	if !ok {
		return
	}
	if _, err := h.runs.GetRun(r.Context(), runID); h.failed(w, runID, err) {
		return
	}
	errs, err := h.runs.GetRunErrors(r.Context(), runID)
	if h.failed(w, runID, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"errors": errs,
	})
}

// GetWorkflowStages returns the stage progress of a run
// @Summary Get run stages
// @Tags workflows
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {array} model.StageProgress
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /workflows/{id}/stages [get]
func (h *Handler) GetWorkflowStages(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r.URL.Path, "/stages")
	if !ok {
		return
	}
	if _, err := h.runs.GetRun(r.Context(), runID); h.failed(w, runID, err) {
		return
	}
	stages, err := h.runs.GetStageProgress(r.Context(), runID)
	if h.failed(w, runID, err) {
		return
	}
	writeJSON(w, http.StatusOK, stages)
}

// runIDFromPath extracts the id between /workflows/ and suffix
func runIDFromPath(w http.ResponseWriter, path, suffix string) (string, bool) {
	if !strings.HasPrefix(path, workflowsPrefix) || !strings.HasSuffix(path, suffix) {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return "", false
	}
	runID := strings.TrimSuffix(strings.TrimPrefix(path, workflowsPrefix), suffix)
	if runID == "" || strings.Contains(runID, "/") {
		writeError(w, http.StatusBadRequest, "Run ID is required")
		return "", false
	}
	return runID, true
}

func (h *Handler) failed(w http.ResponseWriter, runID string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Run not found")
	default:
		h.logger.Error("read run", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to read run")
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
