package handlers

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/model"
)

// SnippetExecutor runs code in the sandbox lane.
type SnippetExecutor interface {
	Execute(ctx context.Context, requestID, code string, timeoutSeconds int) (model.ExecutionOutcome, error)
}

// JobCreator submits heavy code to the cluster.
type JobCreator interface {
	CreateJob(ctx context.Context, req model.ExecutionRequest) (model.JobHandle, error)
}

// ExecuteSnippetRequest is the body of POST /api/v1/execute_snippet.
type ExecuteSnippetRequest struct {
	Code      string `json:"code"`
	Timeout   int    `json:"timeout,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// CreateHeavyJobRequest is the body of POST /api/v1/create_heavy_job.
type CreateHeavyJobRequest struct {
	Code      string                `json:"code"`
	RequestID string                `json:"requestId,omitempty"`
	Limits    *model.ResourceLimits `json:"limits,omitempty"`
}

// ExecutorAPI serves the direct execution endpoints of the executor-service.
// jobs may be nil when no cluster is reachable; heavy job creation then
// answers 503.
type ExecutorAPI struct {
	sandbox  SnippetExecutor
	jobs     JobCreator
	timeout  int
	inflight *atomic.Int64
}

// NewExecutorAPI wires the execution endpoints. timeoutSeconds is the default
// applied when a request omits it.
func NewExecutorAPI(sandbox SnippetExecutor, jobs JobCreator, timeoutSeconds int, inflight *atomic.Int64) *ExecutorAPI {
	return &ExecutorAPI{
		sandbox:  sandbox,
		jobs:     jobs,
		timeout:  timeoutSeconds,
		inflight: inflight,
	}
}

// HandleExecuteSnippet runs one snippet in the sandbox and returns its
// outcome. Spawn failures surface as 500; timeouts and non-zero exits are
// ordinary outcomes.
func (a *ExecutorAPI) HandleExecuteSnippet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteSnippetRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if req.RequestID == "" {
			req.RequestID = requestIDFrom(r)
		}
		if req.Timeout == 0 {
			req.Timeout = a.timeout
		}
		exec := model.ExecutionRequest{RequestID: req.RequestID, Code: req.Code, Timeout: req.Timeout}
		if err := exec.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, "Invalid execution request", err)
			return
		}

		a.inflight.Add(1)
		defer a.inflight.Add(-1)

		log := logging.From(r.Context())
		log.Info("executing snippet",
			zap.String("snippet_request_id", exec.RequestID),
			zap.Int("code_length", len(exec.Code)),
			zap.Int("timeout", exec.Timeout))

		outcome, err := a.sandbox.Execute(r.Context(), exec.RequestID, exec.Code, exec.Timeout)
		if err != nil {
			log.Error("snippet execution failed", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "Execution failed", err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

// HandleCreateHeavyJob submits a cluster job for resource-intensive code.
func (a *ExecutorAPI) HandleCreateHeavyJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateHeavyJobRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if a.jobs == nil {
			writeError(w, r, http.StatusServiceUnavailable,
				"Kubernetes Job creation not available", nil)
			return
		}
		if req.Code == "" {
			writeError(w, r, http.StatusBadRequest, "code must not be empty", nil)
			return
		}
		if req.RequestID == "" {
			req.RequestID = requestIDFrom(r)
		}
		if req.Limits != nil {
			if err := req.Limits.Validate(); err != nil {
				writeError(w, r, http.StatusBadRequest, "Invalid resource limits", err)
				return
			}
		}

		limits := model.DefaultResourceLimits()
		if req.Limits != nil {
			limits = *req.Limits
		}
		handle, err := a.jobs.CreateJob(r.Context(), model.ExecutionRequest{
			RequestID: req.RequestID,
			Code:      req.Code,
			Timeout:   limits.TimeoutSeconds,
			Limits:    &limits,
		})
		if err != nil {
			logging.From(r.Context()).Error("heavy job creation failed", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "Job creation failed", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"jobId":     handle.JobID,
			"status":    handle.Status,
			"createdAt": handle.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
}

// requestIDFrom reuses the correlation id bound by the middleware, minting a
// fresh one only when none exists.
func requestIDFrom(r *http.Request) string {
	if id := logging.RequestID(r.Context()); id != "" {
		return id
	}
	return "req-" + uuid.New().String()
}
