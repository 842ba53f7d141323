package handlers

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codexec/backend/internal/metrics"
	"github.com/codexec/backend/internal/middleware"
)

// newBaseRouter builds the chrome every service shares: correlation ids,
// panic recovery, instrumentation, health, readiness and the metrics
// endpoint.
func newBaseRouter(serviceName string, base *zap.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer, inflight *atomic.Int64, checks map[string]ReadyCheck) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID(base), middleware.Recover(base), middleware.Instrument(m))

	r.HandleFunc("/api/v1/health", Health(serviceName, inflight)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/ready", Ready(serviceName, base, m, checks)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// NewLLMRouter assembles the llm-service routes.
func NewLLMRouter(api *QueryAPI, store HistoryStore, base *zap.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer, inflight *atomic.Int64, checks map[string]ReadyCheck) *mux.Router {
	r := newBaseRouter("llm-service", base, m, gatherer, inflight, checks)
	r.HandleFunc("/api/v1/query", api.HandleQuery()).Methods(http.MethodPost)
	if store != nil {
		r.HandleFunc("/api/v1/job_history", ListJobHistory(store)).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/job_history/{requestId}", GetJobHistory(store)).Methods(http.MethodGet)
	}
	return r
}

// NewExecutorRouter assembles the executor-service routes.
func NewExecutorRouter(api *ExecutorAPI, store HistoryStore, base *zap.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer, inflight *atomic.Int64, checks map[string]ReadyCheck) *mux.Router {
	r := newBaseRouter("executor-service", base, m, gatherer, inflight, checks)
	r.HandleFunc("/api/v1/execute_snippet", api.HandleExecuteSnippet()).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/create_heavy_job", api.HandleCreateHeavyJob()).Methods(http.MethodPost)
	if store != nil {
		r.HandleFunc("/api/v1/job_history", ListJobHistory(store)).Methods(http.MethodGet)
		r.HandleFunc("/api/v1/job_history/{requestId}", GetJobHistory(store)).Methods(http.MethodGet)
	}
	return r
}
