// Package dispatch routes an approved execution request to its lane:
// lightweight code runs in the sandbox under the retry policy, heavy code
// becomes a cluster job. Every terminal outcome is persisted; persistence
// failures are logged and never fail the request.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codexec/backend/internal/classifier"
	"github.com/codexec/backend/internal/k8sjob"
	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/metrics"
	"github.com/codexec/backend/internal/model"
	"github.com/codexec/backend/internal/retrypolicy"
)

// ErrNoJobManager means heavy code arrived but no cluster connection is
// configured.
var ErrNoJobManager = errors.New("job manager not available for heavy code execution")

// Sandbox runs lightweight code.
type Sandbox interface {
	Execute(ctx context.Context, requestID, code string, timeoutSeconds int) (model.ExecutionOutcome, error)
}

// JobManager submits heavy code to the cluster.
type JobManager interface {
	CreateJob(ctx context.Context, req model.ExecutionRequest) (model.JobHandle, error)
}

// JobMonitor follows a created job to its terminal state and cleans it up.
type JobMonitor interface {
	MonitorJob(ctx context.Context, jobID string, timeout time.Duration) k8sjob.MonitorOutcome
	DeleteJob(ctx context.Context, jobID string) error
}

// Recorder persists execution history.
type Recorder interface {
	SaveExecution(ctx context.Context, outcome model.ExecutionOutcome, code string, classification model.Complexity, resourceUsage map[string]any) (int64, error)
}

// Result is what a dispatch produced: exactly one of Outcome (lightweight)
// or Job (heavy) is set.
type Result struct {
	Classification model.Complexity        `json:"classification"`
	Outcome        *model.ExecutionOutcome `json:"result,omitempty"`
	Job            *model.JobHandle        `json:"job,omitempty"`
}

// Dispatcher owns the routing decision and the execution lanes.
type Dispatcher struct {
	classifier *classifier.Classifier
	sandbox    Sandbox
	retries    *retrypolicy.Coordinator
	jobs       JobManager
	history    Recorder
	metrics    *metrics.Metrics

	monitor       JobMonitor
	monitorWindow time.Duration
}

// New builds a dispatcher. jobs, history and m may be nil; a nil jobs makes
// heavy requests fail with ErrNoJobManager.
func New(sandbox Sandbox, maxRetries int, jobs JobManager, history Recorder, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		classifier: classifier.New(),
		sandbox:    sandbox,
		retries:    retrypolicy.New(maxRetries),
		jobs:       jobs,
		history:    history,
		metrics:    m,
	}
}

// WithJobMonitor makes heavy dispatches follow their jobs to a terminal
// state, record the result in history and delete unsuccessful jobs.
func (d *Dispatcher) WithJobMonitor(monitor JobMonitor, window time.Duration) *Dispatcher {
	d.monitor = monitor
	d.monitorWindow = window
	return d
}

// Dispatch classifies and runs the request.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.ExecutionRequest) (Result, error) {
	log := logging.From(ctx)

	complexity := d.classifier.Classify(ctx, req.Code)
	log.Info("code classified", zap.String("complexity", string(complexity)))
	if d.metrics != nil {
		d.metrics.ClassificationsTotal.WithLabelValues(string(complexity)).Inc()
	}

	if complexity == model.Heavy {
		return d.dispatchHeavy(ctx, req)
	}
	return d.dispatchLightweight(ctx, req)
}

func (d *Dispatcher) dispatchLightweight(ctx context.Context, req model.ExecutionRequest) (Result, error) {
	if d.metrics != nil {
		d.metrics.ExecutionsActive.Inc()
		defer d.metrics.ExecutionsActive.Dec()
	}

	start := time.Now()
	outcome := d.retries.Execute(ctx, req.RequestID, func(ctx context.Context) (model.ExecutionOutcome, error) {
		out, err := d.sandbox.Execute(ctx, req.RequestID, req.Code, req.Timeout)
		if err != nil {
			// Spawn failures are transient resource problems.
			return model.ExecutionOutcome{}, retrypolicy.Classify(retrypolicy.KindResourceExhausted, err)
		}
		return out, nil
	})

	if d.metrics != nil {
		d.metrics.ExecutionsTotal.WithLabelValues(string(outcome.Status)).Inc()
		d.metrics.ExecutionDuration.WithLabelValues("sandbox").Observe(time.Since(start).Seconds())
	}

	d.persist(ctx, outcome, req.Code, model.Lightweight)
	return Result{Classification: model.Lightweight, Outcome: &outcome}, nil
}

func (d *Dispatcher) dispatchHeavy(ctx context.Context, req model.ExecutionRequest) (Result, error) {
	log := logging.From(ctx)
	if d.jobs == nil {
		log.Error("cannot create cluster job, no job manager configured")
		return Result{Classification: model.Heavy}, ErrNoJobManager
	}

	handle, err := d.jobs.CreateJob(ctx, req)
	if err != nil {
		if d.metrics != nil {
			d.metrics.K8sJobsTotal.WithLabelValues("create_failed").Inc()
		}
		return Result{Classification: model.Heavy}, fmt.Errorf("create cluster job: %w", err)
	}
	if d.metrics != nil {
		d.metrics.K8sJobsTotal.WithLabelValues("created").Inc()
	}

	d.persist(ctx, model.ExecutionOutcome{
		RequestID: req.RequestID,
		Status:    model.StatusPending,
	}, req.Code, model.Heavy)

	if d.monitor != nil {
		go d.watchJob(context.WithoutCancel(ctx), req, handle.JobID)
	}
	return Result{Classification: model.Heavy, Job: &handle}, nil
}

// watchJob follows a created job, records its terminal state and removes
// jobs that did not succeed. Successful jobs are left to TTL cleanup.
func (d *Dispatcher) watchJob(ctx context.Context, req model.ExecutionRequest, jobID string) {
	log := logging.From(ctx)
	start := time.Now()
	monitored := d.monitor.MonitorJob(ctx, jobID, d.monitorWindow)

	if d.metrics != nil {
		d.metrics.K8sJobsTotal.WithLabelValues(monitored.Status).Inc()
		d.metrics.K8sJobDuration.Observe(time.Since(start).Seconds())
	}

	var status model.Status
	switch monitored.Status {
	case "success":
		status = model.StatusSuccess
	case "failed":
		status = model.StatusFailed
	case "timeout":
		status = model.StatusTimeout
	default:
		// API error or early watch close: the job may still be running.
		log.Warn("job monitoring inconclusive",
			zap.String("job_id", jobID),
			zap.String("monitor_status", monitored.Status))
		return
	}

	outcome := model.ExecutionOutcome{
		RequestID: req.RequestID,
		Status:    status,
	}
	if status != model.StatusSuccess {
		outcome.ExitCode = -1
		outcome.Stderr = monitored.Message
		if monitored.Reason != "" {
			outcome.Stderr = monitored.Reason + ": " + monitored.Message
		}
		if err := d.monitor.DeleteJob(ctx, jobID); err != nil {
			log.Error("failed job cleanup failed",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}
	d.persist(ctx, outcome, req.Code, model.Heavy)
}

func (d *Dispatcher) persist(ctx context.Context, outcome model.ExecutionOutcome, code string, complexity model.Complexity) {
	if d.history == nil {
		return
	}
	if _, err := d.history.SaveExecution(ctx, outcome, code, complexity, nil); err != nil {
		logging.From(ctx).Error("history save failed", zap.Error(err))
		if d.metrics != nil {
			d.metrics.ErrorsTotal.WithLabelValues("history", "save").Inc()
		}
	}
}
