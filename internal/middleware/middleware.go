// Package middleware holds the HTTP cross-cutting layers shared by the
// services: request correlation, Prometheus instrumentation and panic
// recovery.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/metrics"
)

// RequestIDHeader carries the correlation id between services.
const RequestIDHeader = "X-Request-ID"

// RequestID adopts the caller's X-Request-ID or mints one, binds it to the
// request context and echoes it on the response.
func RequestID(base *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = "req-" + uuid.New().String()
			}
			ctx, _ := logging.WithRequestID(r.Context(), base, id)
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument records request counts and latency per route template.
func Instrument(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// Recover converts handler panics into a structured 500 response instead of
// tearing down the connection.
func Recover(base *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				requestID := logging.RequestID(r.Context())
				base.Error("handler panic",
					zap.String("request_id", requestID),
					zap.String("path", r.URL.Path),
					zap.Any("panic", p))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"request_id": requestID,
					"error":      "Internal server error",
					"detail":     fmt.Sprint(p),
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
