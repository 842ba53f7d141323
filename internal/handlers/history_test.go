package handlers

import (
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

	"github.com/codexec/backend/internal/history"
	"github.com/codexec/backend/internal/metrics"
)

type fakeHistory struct {
	records  []history.Record
	err      error
	lastOpts history.ListOptions
}

func (f *fakeHistory) GetByRequestID(_ context.Context, requestID string) (*history.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.records {
		if f.records[i].RequestID == requestID {
			return &f.records[i], nil
		}
	}
	return nil, nil
}

func (f *fakeHistory) List(_ context.Context, opts history.ListOptions) ([]history.Record, error) {
	f.lastOpts = opts
	return f.records, f.err
}

func newHistoryTestRouter(store HistoryStore) http.Handler {
	reg := prometheus.NewRegistry()
	inflight := &atomic.Int64{}
	api := NewExecutorAPI(&fakeSandbox{}, nil, 30, inflight)
	return NewExecutorRouter(api, store, zap.NewNop(), metrics.New(reg), reg, inflight, nil)
}

func TestListJobHistory(t *testing.T) {
	store := &fakeHistory{records: []history.Record{
		{ID: 1, RequestID: "r1", Status: "success", Timestamp: time.Now()},
		{ID: 2, RequestID: "r2", Status: "failed", Timestamp: time.Now()},
	}}
	router := newHistoryTestRouter(store)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet,
		"/api/v1/job_history?limit=10&offset=5&status=success&orderBy=duration_ms&order=asc", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Records []history.Record `json:"records"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	assert.Equal(t, history.ListOptions{
		Limit:     10,
		Offset:    5,
		Status:    "success",
		OrderBy:   "duration_ms",
		Ascending: true,
	}, store.lastOpts)
}

func TestListJobHistoryEmpty(t *testing.T) {
	router := newHistoryTestRouter(&fakeHistory{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/job_history", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Records []history.Record `json:"records"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotNil(t, body.Records)
	assert.Equal(t, 0, body.Count)
}

func TestListJobHistoryRejectsBadLimit(t *testing.T) {
	router := newHistoryTestRouter(&fakeHistory{})

	for _, raw := range []string{"zero", "0", "-1", "1001"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/job_history?limit="+raw, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, "limit=%s", raw)
	}
}

func TestListJobHistoryStoreError(t *testing.T) {
	router := newHistoryTestRouter(&fakeHistory{err: errors.New("db down")})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/job_history", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestGetJobHistory(t *testing.T) {
	store := &fakeHistory{records: []history.Record{
		{ID: 7, RequestID: "r7", Status: "timeout", ExitCode: -1},
	}}
	router := newHistoryTestRouter(store)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/job_history/r7", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var rec history.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "r7", rec.RequestID)
	assert.Equal(t, -1, rec.ExitCode)
}

func TestGetJobHistoryNotFound(t *testing.T) {
	router := newHistoryTestRouter(&fakeHistory{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/job_history/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
