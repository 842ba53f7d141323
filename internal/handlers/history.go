package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/codexec/backend/internal/history"
	"github.com/codexec/backend/internal/logging"
)

// HistoryStore reads execution records.
type HistoryStore interface {
	GetByRequestID(ctx context.Context, requestID string) (*history.Record, error)
	List(ctx context.Context, opts history.ListOptions) ([]history.Record, error)
}

// maxHistoryLimit caps the page size of history listings.
const maxHistoryLimit = 1000

// ListJobHistory serves GET /api/v1/job_history with limit, offset, status,
// orderBy and order query parameters.
func ListJobHistory(store HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := history.ListOptions{
			Status:    q.Get("status"),
			OrderBy:   q.Get("orderBy"),
			Ascending: strings.EqualFold(q.Get("order"), "asc"),
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxHistoryLimit {
				writeError(w, r, http.StatusBadRequest, "limit must be an integer in [1, 1000]", err)
				return
			}
			opts.Limit = n
		}
		if raw := q.Get("offset"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer", err)
				return
			}
			opts.Offset = n
		}

		records, err := store.List(r.Context(), opts)
		if err != nil {
			logging.From(r.Context()).Error("job history listing failed", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "Failed to list job history", err)
			return
		}
		if records == nil {
			records = []history.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"records": records,
			"count":   len(records),
		})
	}
}

// GetJobHistory serves GET /api/v1/job_history/{requestId}.
func GetJobHistory(store HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := mux.Vars(r)["requestId"]
		rec, err := store.GetByRequestID(r.Context(), requestID)
		if err != nil {
			logging.From(r.Context()).Error("job history lookup failed", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "Failed to load job history", err)
			return
		}
		if rec == nil {
			writeError(w, r, http.StatusNotFound, "No execution recorded for request", nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}
