package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/codexec/backend/internal/dispatch"
	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/model"
	"github.com/codexec/backend/internal/orchestrate"
	"github.com/codexec/backend/internal/validator"
)

// QueryFlow runs the generate-validate-correct pipeline.
type QueryFlow interface {
	Execute(ctx context.Context, query string, maxRetries int) orchestrate.State
}

// Dispatcher routes approved code to an execution lane.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.ExecutionRequest) (dispatch.Result, error)
}

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	Query      string `json:"query"`
	MaxRetries *int   `json:"maxRetries,omitempty"`
	Timeout    int    `json:"timeout,omitempty"`
}

// QueryVerdict is the validation section of a query response.
type QueryVerdict struct {
	validator.Verdict
	Classification model.Complexity `json:"classification,omitempty"`
}

// QueryResponse is the body of POST /api/v1/query. Execution is present only
// when the pipeline reached the routed state and the code was run.
type QueryResponse struct {
	RequestID          string           `json:"requestId"`
	GeneratedCode      string           `json:"generatedCode"`
	ExecutionResult    QueryVerdict     `json:"executionResult"`
	Status             string           `json:"status"`
	Classification     model.Complexity `json:"classification,omitempty"`
	ValidationAttempts int              `json:"validationAttempts"`
	Execution          *dispatch.Result `json:"execution,omitempty"`
	Error              string           `json:"error,omitempty"`
}

// QueryAPI serves the natural-language query pipeline.
type QueryAPI struct {
	flow       QueryFlow
	dispatcher Dispatcher
	maxRetries int
	timeout    int
	inflight   *atomic.Int64
}

// NewQueryAPI wires the pipeline behind the query endpoint. maxRetries and
// timeoutSeconds are the defaults applied when a request omits them.
func NewQueryAPI(flow QueryFlow, dispatcher Dispatcher, maxRetries, timeoutSeconds int, inflight *atomic.Int64) *QueryAPI {
	return &QueryAPI{
		flow:       flow,
		dispatcher: dispatcher,
		maxRetries: maxRetries,
		timeout:    timeoutSeconds,
		inflight:   inflight,
	}
}

// HandleQuery runs the pipeline for one query and, when the code is approved,
// executes it synchronously on the classified lane.
func (a *QueryAPI) HandleQuery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			writeError(w, r, http.StatusBadRequest, "query must not be empty", nil)
			return
		}

		a.inflight.Add(1)
		defer a.inflight.Add(-1)

		ctx := r.Context()
		log := logging.From(ctx)
		requestID := logging.RequestID(ctx)

		maxRetries := a.maxRetries
		if req.MaxRetries != nil {
			if *req.MaxRetries < 1 || *req.MaxRetries > 10 {
				writeError(w, r, http.StatusBadRequest, "maxRetries must be in [1, 10]", nil)
				return
			}
			maxRetries = *req.MaxRetries
		}

		state := a.flow.Execute(ctx, req.Query, maxRetries)
		resp := QueryResponse{
			RequestID:     requestID,
			GeneratedCode: state.GeneratedCode,
			ExecutionResult: QueryVerdict{
				Verdict:        state.Verdict,
				Classification: state.Classification,
			},
			Status:             state.Status,
			Classification:     state.Classification,
			ValidationAttempts: state.ValidationAttempts,
			Error:              state.Err,
		}

		switch state.Status {
		case orchestrate.StatusError:
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		case orchestrate.StatusMaxRetries:
			writeJSON(w, http.StatusOK, resp)
			return
		}

		timeout := req.Timeout
		if timeout <= 0 {
			timeout = a.timeout
		}
		result, err := a.dispatcher.Dispatch(ctx, model.ExecutionRequest{
			RequestID:  requestID,
			Code:       state.GeneratedCode,
			Timeout:    timeout,
			MaxRetries: maxRetries,
		})
		if err != nil {
			log.Error("dispatch after routing failed", zap.Error(err))
			status := http.StatusInternalServerError
			if errors.Is(err, dispatch.ErrNoJobManager) {
				status = http.StatusServiceUnavailable
			}
			resp.Error = err.Error()
			writeJSON(w, status, resp)
			return
		}

		resp.Execution = &result
		resp.Classification = result.Classification
		resp.ExecutionResult.Classification = result.Classification
		writeJSON(w, http.StatusOK, resp)
	}
}
