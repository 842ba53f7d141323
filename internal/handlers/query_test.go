package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codexec/backend/internal/dispatch"
	"github.com/codexec/backend/internal/metrics"
	"github.com/codexec/backend/internal/model"
	"github.com/codexec/backend/internal/orchestrate"
	"github.com/codexec/backend/internal/validator"
)

type fakeFlow struct {
	state      orchestrate.State
	lastQuery  string
	maxRetries int
	calls      int
}

func (f *fakeFlow) Execute(_ context.Context, query string, maxRetries int) orchestrate.State {
	f.calls++
	f.lastQuery = query
	f.maxRetries = maxRetries
	return f.state
}

type fakeDispatcher struct {
	result  dispatch.Result
	err     error
	calls   int
	lastReq model.ExecutionRequest
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req model.ExecutionRequest) (dispatch.Result, error) {
	f.calls++
	f.lastReq = req
	return f.result, f.err
}

func newLLMTestRouter(flow QueryFlow, d Dispatcher) http.Handler {
	reg := prometheus.NewRegistry()
	var inflight atomic.Int64
	api := NewQueryAPI(flow, d, 3, 30, &inflight)
	return NewLLMRouter(api, nil, zap.NewNop(), metrics.New(reg), reg, &inflight, nil)
}

func postQuery(t *testing.T, router http.Handler, body any, requestID string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewReader(raw))
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestQueryRoutedLightweightExecutes(t *testing.T) {
	flow := &fakeFlow{state: orchestrate.State{
		GeneratedCode:  "total = sum(range(1, 101))\nprint(total)\n",
		Verdict:        validator.Verdict{OK: true},
		Classification: model.Lightweight,
		Status:         orchestrate.StatusRouted,
	}}
	d := &fakeDispatcher{result: dispatch.Result{
		Classification: model.Lightweight,
		Outcome: &model.ExecutionOutcome{
			RequestID: "req-s1",
			Stdout:    "5050\n",
			ExitCode:  0,
			Status:    model.StatusSuccess,
		},
	}}
	router := newLLMTestRouter(flow, d)

	rr := postQuery(t, router, QueryRequest{Query: "sum the numbers from 1 to 100"}, "req-s1")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "req-s1", resp.RequestID)
	assert.Equal(t, orchestrate.StatusRouted, resp.Status)
	assert.True(t, resp.ExecutionResult.OK)
	assert.Equal(t, model.Lightweight, resp.Classification)
	require.NotNil(t, resp.Execution)
	require.NotNil(t, resp.Execution.Outcome)
	assert.Equal(t, "5050\n", resp.Execution.Outcome.Stdout)

	assert.Equal(t, 1, d.calls)
	assert.Equal(t, "req-s1", d.lastReq.RequestID)
	assert.Equal(t, flow.state.GeneratedCode, d.lastReq.Code)
	assert.Equal(t, 30, d.lastReq.Timeout, "default timeout applies when omitted")
}

func TestQueryMaxRetriesSkipsExecution(t *testing.T) {
	flow := &fakeFlow{state: orchestrate.State{
		GeneratedCode: "import socket\n",
		Verdict: validator.Verdict{
			Errors: []string{"Unauthorized import detected: socket"},
		},
		ValidationAttempts: 2,
		Status:             orchestrate.StatusMaxRetries,
	}}
	d := &fakeDispatcher{}
	router := newLLMTestRouter(flow, d)

	rr := postQuery(t, router, QueryRequest{Query: "open a socket"}, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "validation_failed_max_retries", resp.Status)
	assert.Equal(t, 2, resp.ValidationAttempts)
	assert.False(t, resp.ExecutionResult.OK)
	assert.Nil(t, resp.Execution)
	assert.Equal(t, 0, d.calls, "rejected code must never be executed")
}

func TestQueryGenerationError(t *testing.T) {
	flow := &fakeFlow{state: orchestrate.State{
		Status: orchestrate.StatusError,
		Err:    "model unavailable",
	}}
	router := newLLMTestRouter(flow, &fakeDispatcher{})

	rr := postQuery(t, router, QueryRequest{Query: "anything"}, "")
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, orchestrate.StatusError, resp.Status)
	assert.Equal(t, "model unavailable", resp.Error)
}

func TestQueryEmptyRejected(t *testing.T) {
	router := newLLMTestRouter(&fakeFlow{}, &fakeDispatcher{})

	rr := postQuery(t, router, QueryRequest{Query: "   "}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQueryMalformedBodyRejected(t *testing.T) {
	router := newLLMTestRouter(&fakeFlow{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", bytes.NewReader([]byte("not json {")))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQueryHeavyWithoutClusterIs503(t *testing.T) {
	flow := &fakeFlow{state: orchestrate.State{
		GeneratedCode:  "import pandas as pd\n",
		Verdict:        validator.Verdict{OK: true},
		Classification: model.Heavy,
		Status:         orchestrate.StatusRouted,
	}}
	d := &fakeDispatcher{err: dispatch.ErrNoJobManager}
	router := newLLMTestRouter(flow, d)

	rr := postQuery(t, router, QueryRequest{Query: "crunch a dataframe"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestQueryForwardsMaxRetriesOverride(t *testing.T) {
	flow := &fakeFlow{state: orchestrate.State{
		GeneratedCode:  "print(1)\n",
		Verdict:        validator.Verdict{OK: true},
		Classification: model.Lightweight,
		Status:         orchestrate.StatusRouted,
	}}
	d := &fakeDispatcher{result: dispatch.Result{
		Classification: model.Lightweight,
		Outcome:        &model.ExecutionOutcome{Status: model.StatusSuccess},
	}}
	router := newLLMTestRouter(flow, d)

	two := 2
	rr := postQuery(t, router, QueryRequest{Query: "print one", MaxRetries: &two}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, flow.maxRetries)
}

func TestQueryRejectsMaxRetriesOutOfRange(t *testing.T) {
	flow := &fakeFlow{}
	d := &fakeDispatcher{}
	router := newLLMTestRouter(flow, d)

	for _, retries := range []int{0, -1, 11} {
		rr := postQuery(t, router, QueryRequest{Query: "print one", MaxRetries: &retries}, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, "maxRetries=%d", retries)
	}
	assert.Equal(t, 0, flow.calls, "out-of-range maxRetries must not start the pipeline")
	assert.Equal(t, 0, d.calls)
}
