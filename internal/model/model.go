// Package model holds the shared types that flow between the orchestration,
// execution, and persistence layers.
package model

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Status is the terminal (or in-flight) state of one execution attempt.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Complexity is the routing tag assigned by the classifier. Lightweight code
// runs in the in-process sandbox; heavy code becomes a cluster job.
type Complexity string

const (
	Lightweight Complexity = "lightweight"
	Heavy       Complexity = "heavy"
)

// ResourceLimits bounds a heavy execution. Requests must not exceed limits
// componentwise and the timeout must fall in (0, 3600].
type ResourceLimits struct {
	CPULimit       string `json:"cpuLimit"`
	CPURequest     string `json:"cpuRequest"`
	MemoryLimit    string `json:"memoryLimit"`
	MemoryRequest  string `json:"memoryRequest"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	DiskLimit      string `json:"diskLimit"`
}

// DefaultResourceLimits returns the limits applied when a request omits them.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		CPULimit:       "4",
		CPURequest:     "2",
		MemoryLimit:    "8Gi",
		MemoryRequest:  "4Gi",
		TimeoutSeconds: 300,
		DiskLimit:      "10Gi",
	}
}

// Validate checks the request-vs-limit ordering and the timeout bound.
func (l ResourceLimits) Validate() error {
	if l.TimeoutSeconds <= 0 || l.TimeoutSeconds > 3600 {
		return fmt.Errorf("timeoutSeconds must be in (0, 3600], got %d", l.TimeoutSeconds)
	}
	pairs := []struct{ name, request, limit string }{
		{"cpu", l.CPURequest, l.CPULimit},
		{"memory", l.MemoryRequest, l.MemoryLimit},
	}
	for _, p := range pairs {
		req, err := resource.ParseQuantity(p.request)
		if err != nil {
			return fmt.Errorf("invalid %s request %q: %w", p.name, p.request, err)
		}
		lim, err := resource.ParseQuantity(p.limit)
		if err != nil {
			return fmt.Errorf("invalid %s limit %q: %w", p.name, p.limit, err)
		}
		if req.Cmp(lim) > 0 {
			return fmt.Errorf("%s request %s exceeds limit %s", p.name, p.request, p.limit)
		}
	}
	return nil
}

// ExecutionRequest is the unit of work on both the HTTP and the message-bus
// surfaces. The JSON field names are the wire contract of the
// code-execution-requests topic.
type ExecutionRequest struct {
	RequestID  string          `json:"requestId"`
	Code       string          `json:"code"`
	Timeout    int             `json:"timeout"`
	MaxRetries int             `json:"maxRetries"`
	Limits     *ResourceLimits `json:"limits,omitempty"`
}

// Validate enforces the fast-path invariants; heavy-path timeouts are checked
// against ResourceLimits instead.
func (r ExecutionRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("requestId is required")
	}
	if r.Code == "" {
		return fmt.Errorf("code must not be empty")
	}
	if r.Timeout < 1 || r.Timeout > 300 {
		return fmt.Errorf("timeout must be in [1, 300] seconds, got %d", r.Timeout)
	}
	return nil
}

// ExecutionOutcome is what an execution attempt produced, whichever lane ran
// it. Invariants: status==success iff exitCode==0; timeout implies
// exitCode==-1; durationMs >= 0.
type ExecutionOutcome struct {
	RequestID  string `json:"requestId"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
	Status     Status `json:"status"`
}

// JobHandle identifies a submitted cluster workload.
type JobHandle struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// CompletionEvent is published on the execution-results topic when a heavy
// job finishes.
type CompletionEvent struct {
	RequestID      string  `json:"requestId"`
	Status         Status  `json:"status"`
	ResultLocation string  `json:"resultLocation"`
	DurationMS     int64   `json:"durationMs"`
	ExitCode       int     `json:"exitCode"`
	Timestamp      float64 `json:"timestamp"`
}
