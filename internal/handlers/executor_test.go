package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codexec/backend/internal/metrics"
	"github.com/codexec/backend/internal/model"
)

type fakeSandbox struct {
	outcome     model.ExecutionOutcome
	err         error
	calls       int
	lastTimeout int
}

func (f *fakeSandbox) Execute(_ context.Context, requestID, _ string, timeoutSeconds int) (model.ExecutionOutcome, error) {
	f.calls++
	f.lastTimeout = timeoutSeconds
	if f.err != nil {
		return model.ExecutionOutcome{}, f.err
	}
	out := f.outcome
	out.RequestID = requestID
	return out, nil
}

type fakeJobCreator struct {
	handle  model.JobHandle
	err     error
	calls   int
	lastReq model.ExecutionRequest
}

func (f *fakeJobCreator) CreateJob(_ context.Context, req model.ExecutionRequest) (model.JobHandle, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return model.JobHandle{}, f.err
	}
	return f.handle, nil
}

func newExecutorTestRouter(sandbox SnippetExecutor, jobs JobCreator) (http.Handler, *atomic.Int64) {
	reg := prometheus.NewRegistry()
	inflight := &atomic.Int64{}
	api := NewExecutorAPI(sandbox, jobs, 30, inflight)
	return NewExecutorRouter(api, nil, zap.NewNop(), metrics.New(reg), reg, inflight, nil), inflight
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
	return rr
}

func TestExecuteSnippetReturnsOutcome(t *testing.T) {
	sandbox := &fakeSandbox{outcome: model.ExecutionOutcome{
		Stdout:     "5050\n",
		ExitCode:   0,
		DurationMS: 12,
		Status:     model.StatusSuccess,
	}}
	router, _ := newExecutorTestRouter(sandbox, nil)

	rr := postJSON(t, router, "/api/v1/execute_snippet", ExecuteSnippetRequest{
		Code:      "total = sum(range(1, 101))\nprint(total)\n",
		Timeout:   10,
		RequestID: "req-snippet-1",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var out model.ExecutionOutcome
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, "req-snippet-1", out.RequestID)
	assert.Equal(t, "5050\n", out.Stdout)
	assert.Equal(t, model.StatusSuccess, out.Status)
	assert.Equal(t, 10, sandbox.lastTimeout)
}

func TestExecuteSnippetDefaultsTimeout(t *testing.T) {
	sandbox := &fakeSandbox{outcome: model.ExecutionOutcome{Status: model.StatusSuccess}}
	router, _ := newExecutorTestRouter(sandbox, nil)

	rr := postJSON(t, router, "/api/v1/execute_snippet", ExecuteSnippetRequest{Code: "print(1)"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 30, sandbox.lastTimeout)
}

func TestExecuteSnippetRejectsEmptyCode(t *testing.T) {
	sandbox := &fakeSandbox{}
	router, _ := newExecutorTestRouter(sandbox, nil)

	rr := postJSON(t, router, "/api/v1/execute_snippet", ExecuteSnippetRequest{Code: ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 0, sandbox.calls)
}

func TestExecuteSnippetRejectsOutOfRangeTimeout(t *testing.T) {
	router, _ := newExecutorTestRouter(&fakeSandbox{}, nil)

	rr := postJSON(t, router, "/api/v1/execute_snippet", ExecuteSnippetRequest{
		Code:    "print(1)",
		Timeout: 301,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExecuteSnippetSpawnFailure(t *testing.T) {
	sandbox := &fakeSandbox{err: errors.New("no such interpreter")}
	router, _ := newExecutorTestRouter(sandbox, nil)

	rr := postJSON(t, router, "/api/v1/execute_snippet", ExecuteSnippetRequest{Code: "print(1)"})
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Execution failed", body["error"])
	assert.Contains(t, body["detail"], "no such interpreter")
}

func TestExecuteSnippetTimeoutIsAnOutcome(t *testing.T) {
	sandbox := &fakeSandbox{outcome: model.ExecutionOutcome{
		ExitCode: -1,
		Stderr:   "\nExecution timed out after 1 seconds",
		Status:   model.StatusTimeout,
	}}
	router, _ := newExecutorTestRouter(sandbox, nil)

	rr := postJSON(t, router, "/api/v1/execute_snippet", ExecuteSnippetRequest{
		Code:    "import time\ntime.sleep(10)\n",
		Timeout: 1,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var out model.ExecutionOutcome
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, model.StatusTimeout, out.Status)
	assert.Equal(t, -1, out.ExitCode)
}

func TestCreateHeavyJob(t *testing.T) {
	created := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	jobs := &fakeJobCreator{handle: model.JobHandle{
		JobID:     "heavy-executor-job-r9",
		Status:    "created",
		CreatedAt: created,
	}}
	router, _ := newExecutorTestRouter(&fakeSandbox{}, jobs)

	rr := postJSON(t, router, "/api/v1/create_heavy_job", CreateHeavyJobRequest{
		Code:      "import polars as pl\n",
		RequestID: "r9",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "heavy-executor-job-r9", body["jobId"])
	assert.Equal(t, "created", body["status"])
	assert.Equal(t, "2026-08-25T12:00:00Z", body["createdAt"])

	assert.Equal(t, "r9", jobs.lastReq.RequestID)
	require.NotNil(t, jobs.lastReq.Limits)
	assert.Equal(t, model.DefaultResourceLimits(), *jobs.lastReq.Limits)
}

func TestCreateHeavyJobWithoutCluster(t *testing.T) {
	router, _ := newExecutorTestRouter(&fakeSandbox{}, nil)

	rr := postJSON(t, router, "/api/v1/create_heavy_job", CreateHeavyJobRequest{Code: "import dask\n"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCreateHeavyJobInvalidLimits(t *testing.T) {
	jobs := &fakeJobCreator{}
	router, _ := newExecutorTestRouter(&fakeSandbox{}, jobs)

	rr := postJSON(t, router, "/api/v1/create_heavy_job", CreateHeavyJobRequest{
		Code: "import ray\n",
		Limits: &model.ResourceLimits{
			CPULimit:       "2",
			CPURequest:     "4",
			MemoryLimit:    "8Gi",
			MemoryRequest:  "4Gi",
			TimeoutSeconds: 300,
		},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 0, jobs.calls)
}

func TestHealthReportsInflight(t *testing.T) {
	router, inflight := newExecutorTestRouter(&fakeSandbox{}, nil)
	inflight.Add(2)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, int64(2), health.ActiveExecutions)
	assert.Equal(t, "executor-service", health.ServiceName)
}

func TestReadyAggregatesDependencyProbes(t *testing.T) {
	reg := prometheus.NewRegistry()
	inflight := &atomic.Int64{}
	api := NewExecutorAPI(&fakeSandbox{}, nil, 30, inflight)
	checks := map[string]ReadyCheck{
		"postgres": func(context.Context) error { return nil },
		"pubsub":   func(context.Context) error { return errors.New("topic unreachable") },
	}
	router := NewExecutorRouter(api, nil, zap.NewNop(), metrics.New(reg), reg, inflight, checks)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body struct {
		Ready        bool              `json:"ready"`
		Status       string            `json:"status"`
		ServiceName  string            `json:"serviceName"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "executor-service", body.ServiceName)
	assert.Equal(t, "ok", body.Dependencies["postgres"])
	assert.Contains(t, body.Dependencies["pubsub"], "topic unreachable")
}

func TestReadyAllDependenciesHealthy(t *testing.T) {
	reg := prometheus.NewRegistry()
	inflight := &atomic.Int64{}
	api := NewExecutorAPI(&fakeSandbox{}, nil, 30, inflight)
	checks := map[string]ReadyCheck{
		"postgres": func(context.Context) error { return nil },
	}
	router := NewExecutorRouter(api, nil, zap.NewNop(), metrics.New(reg), reg, inflight, checks)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Ready       bool   `json:"ready"`
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Ready)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "executor-service", body.ServiceName)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	router, _ := newExecutorTestRouter(&fakeSandbox{outcome: model.ExecutionOutcome{Status: model.StatusSuccess}}, nil)

	postJSON(t, router, "/api/v1/execute_snippet", ExecuteSnippetRequest{Code: "print(1)"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "codexec_requests_total")
}
