// Package handlers implements the REST surface of the two services: the
// query pipeline on the llm-service and the execution endpoints on the
// executor-service, plus the health, readiness and history routes both share.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/metrics"
)

const apiVersion = "1.0.0"

// ReadyCheck probes one dependency. A nil error means reachable.
type ReadyCheck func(ctx context.Context) error

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	writeJSON(w, status, map[string]string{
		"requestId": logging.RequestID(r.Context()),
		"error":     message,
		"detail":    detail,
	})
}

// HealthResponse reports liveness and the in-flight execution count.
type HealthResponse struct {
	Status           string `json:"status"`
	ActiveExecutions int64  `json:"activeExecutions"`
	ServiceName      string `json:"serviceName"`
	Version          string `json:"version"`
}

// Health reports the service as healthy along with its in-flight work.
func Health(serviceName string, inflight *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:           "healthy",
			ActiveExecutions: inflight.Load(),
			ServiceName:      serviceName,
			Version:          apiVersion,
		})
	}
}

// Ready probes every registered dependency and reports per-dependency
// status. Any failing probe makes the whole response 503.
func Ready(serviceName string, base *zap.Logger, m *metrics.Metrics, checks map[string]ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		deps := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				base.Warn("dependency not ready", zap.String("dependency", name), zap.Error(err))
				deps[name] = err.Error()
				healthy = false
				if m != nil {
					m.ServiceHealth.WithLabelValues(name).Set(0)
				}
				continue
			}
			deps[name] = "ok"
			if m != nil {
				m.ServiceHealth.WithLabelValues(name).Set(1)
			}
		}

		status := http.StatusOK
		state := "ready"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "not_ready"
		}
		writeJSON(w, status, map[string]any{
			"ready":        healthy,
			"status":       state,
			"serviceName":  serviceName,
			"dependencies": deps,
		})
	}
}
