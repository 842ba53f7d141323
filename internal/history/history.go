// Package history persists execution records in Postgres. One row per
// request id; repeated saves for the same request update the row in place.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/model"
)

// Schema creates the job_history table.
const Schema = `
CREATE TABLE IF NOT EXISTS job_history (
    id              BIGSERIAL PRIMARY KEY,
    request_id      TEXT NOT NULL UNIQUE,
    timestamp       TIMESTAMPTZ NOT NULL DEFAULT now(),
    status          TEXT NOT NULL,
    code            TEXT NOT NULL,
    stdout          TEXT NOT NULL DEFAULT '',
    stderr          TEXT NOT NULL DEFAULT '',
    exit_code       INTEGER NOT NULL DEFAULT 0,
    duration_ms     BIGINT NOT NULL DEFAULT 0,
    resource_usage  TEXT,
    classification  TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_job_history_status ON job_history (status);
CREATE INDEX IF NOT EXISTS idx_job_history_timestamp ON job_history (timestamp DESC);
`

// Record is one row of job_history.
type Record struct {
	ID             int64     `json:"id"`
	RequestID      string    `json:"requestId"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	Code           string    `json:"code"`
	Stdout         string    `json:"stdout"`
	Stderr         string    `json:"stderr"`
	ExitCode       int       `json:"exitCode"`
	DurationMS     int64     `json:"durationMs"`
	ResourceUsage  *string   `json:"resourceUsage,omitempty"`
	Classification *string   `json:"classification,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Repository wraps the job_history table.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repository on an open handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema applies the DDL. Safe to run on every startup.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply job_history schema: %w", err)
	}
	return nil
}

// Ping verifies the database connection, for readiness probes.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const upsertSQL = `
INSERT INTO job_history
    (request_id, timestamp, status, code, stdout, stderr, exit_code, duration_ms, resource_usage, classification)
VALUES ($1, now(), $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (request_id) DO UPDATE SET
    timestamp      = now(),
    status         = EXCLUDED.status,
    stdout         = EXCLUDED.stdout,
    stderr         = EXCLUDED.stderr,
    exit_code      = EXCLUDED.exit_code,
    duration_ms    = EXCLUDED.duration_ms,
    resource_usage = COALESCE(EXCLUDED.resource_usage, job_history.resource_usage),
    classification = COALESCE(EXCLUDED.classification, job_history.classification),
    updated_at     = now()
RETURNING id`

// SaveExecution records an outcome, keyed by request id. classification and
// resourceUsage are optional; an existing value is never overwritten with
// nothing.
func (r *Repository) SaveExecution(ctx context.Context, outcome model.ExecutionOutcome, code string, classification model.Complexity, resourceUsage map[string]any) (int64, error) {
	var usageJSON *string
	if resourceUsage != nil {
		raw, err := json.Marshal(resourceUsage)
		if err != nil {
			return 0, fmt.Errorf("encode resource usage: %w", err)
		}
		s := string(raw)
		usageJSON = &s
	}
	var class *string
	if classification != "" {
		s := string(classification)
		class = &s
	}

	var id int64
	err := r.db.QueryRowContext(ctx, upsertSQL,
		outcome.RequestID, string(outcome.Status), code,
		outcome.Stdout, outcome.Stderr, outcome.ExitCode, outcome.DurationMS,
		usageJSON, class,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save execution %s: %w", outcome.RequestID, err)
	}
	return id, nil
}

const selectColumns = `id, request_id, timestamp, status, code, stdout, stderr,
    exit_code, duration_ms, resource_usage, classification, created_at, updated_at`

// GetByRequestID fetches one record, or (nil, nil) when absent.
func (r *Repository) GetByRequestID(ctx context.Context, requestID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM job_history WHERE request_id = $1", requestID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job history %s: %w", requestID, err)
	}
	return rec, nil
}

// ListOptions controls List. Zero values select the defaults: limit 100,
// newest first by timestamp, no status filter.
type ListOptions struct {
	Limit     int
	Offset    int
	Status    string
	OrderBy   string
	Ascending bool
}

// orderColumns is the whitelist of sortable columns.
var orderColumns = map[string]bool{
	"timestamp":   true,
	"status":      true,
	"duration_ms": true,
}

// List returns records with pagination, optional status filter and ordering.
// Unknown order columns fall back to timestamp.
func (r *Repository) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	orderBy := opts.OrderBy
	if !orderColumns[orderBy] {
		orderBy = "timestamp"
	}
	direction := "DESC"
	if opts.Ascending {
		direction = "ASC"
	}

	var b strings.Builder
	b.WriteString("SELECT " + selectColumns + " FROM job_history")
	args := []any{}
	if opts.Status != "" {
		args = append(args, opts.Status)
		b.WriteString(" WHERE status = $1")
	}
	b.WriteString(fmt.Sprintf(" ORDER BY %s %s", orderBy, direction))
	args = append(args, opts.Limit, opts.Offset)
	b.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)))

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job history row: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// CountByStatus returns the number of records in the given status.
func (r *Repository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		"SELECT count(*) FROM job_history WHERE status = $1", status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count job history by status: %w", err)
	}
	return n, nil
}

// DeleteByRequestID removes a record, reporting whether one existed.
func (r *Repository) DeleteByRequestID(ctx context.Context, requestID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM job_history WHERE request_id = $1", requestID)
	if err != nil {
		return false, fmt.Errorf("delete job history %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneOlderThan deletes records whose timestamp is older than the cutoff.
func (r *Repository) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM job_history WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job history: %w", err)
	}
	n, _ := res.RowsAffected()
	logging.From(ctx).Info("pruned job history",
		zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var usage, class sql.NullString
	err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.Timestamp, &rec.Status, &rec.Code,
		&rec.Stdout, &rec.Stderr, &rec.ExitCode, &rec.DurationMS,
		&usage, &class, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if usage.Valid {
		rec.ResourceUsage = &usage.String
	}
	if class.Valid {
		rec.Classification = &class.String
	}
	return &rec, nil
}
