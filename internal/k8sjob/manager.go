// Package k8sjob creates and supervises cluster jobs for heavy executions.
// Each job runs a single pod of the heavy-executor image with the code and
// request id injected through the environment; Kubernetes-level retries are
// disabled so the retry policy stays with the caller.
package k8sjob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/model"
)

const (
	jobIDPrefix   = "heavy-executor"
	containerName = "executor"
	appLabel      = "heavy-executor"
)

// Manager owns the lifecycle of heavy-executor jobs in one namespace.
type Manager struct {
	client        kubernetes.Interface
	namespace     string
	image         string
	ttlSeconds    int32
	maxJobRetries int32
}

// New builds a manager on an existing clientset.
func New(client kubernetes.Interface, namespace, image string, ttlSeconds int) *Manager {
	if namespace == "" {
		namespace = "default"
	}
	if image == "" {
		image = "heavy-executor:latest"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 3600
	}
	return &Manager{
		client:        client,
		namespace:     namespace,
		image:         image,
		ttlSeconds:    int32(ttlSeconds),
		maxJobRetries: 3,
	}
}

// NewClientset connects to the cluster, preferring in-cluster credentials
// and falling back to a kubeconfig path for development.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubernetes configuration: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}

// DeriveJobID maps a request id onto a valid job name: keep lowercase
// alphanumerics and hyphens, cap the cleaned part at 48 characters so the
// prefixed name stays within the 63-character limit, trim hyphens left at
// the edges by cleaning or truncation, and fall back to "job" when nothing
// survives. The result always matches the RFC 1123 label grammar.
func DeriveJobID(requestID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(requestID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if len(clean) > 48 {
		clean = clean[:48]
	}
	clean = strings.Trim(clean, "-")
	if clean == "" {
		clean = "job"
	}
	return jobIDPrefix + "-" + clean
}

// CreateJob submits a job for the request. Omitted limits take the
// defaults; limits are validated before anything reaches the cluster.
func (m *Manager) CreateJob(ctx context.Context, req model.ExecutionRequest) (model.JobHandle, error) {
	limits := model.DefaultResourceLimits()
	if req.Limits != nil {
		limits = *req.Limits
	}
	if err := limits.Validate(); err != nil {
		return model.JobHandle{}, fmt.Errorf("invalid resource limits: %w", err)
	}

	jobID := DeriveJobID(req.RequestID)
	log := logging.From(ctx)
	log.Info("creating kubernetes job",
		zap.String("job_id", jobID),
		zap.String("namespace", m.namespace))

	job, err := m.buildJob(jobID, req, limits)
	if err != nil {
		return model.JobHandle{}, err
	}

	if _, err := m.client.BatchV1().Jobs(m.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		log.Error("kubernetes job creation failed",
			zap.String("job_id", jobID), zap.Error(err))
		return model.JobHandle{}, fmt.Errorf("create job %s: %w", jobID, err)
	}

	log.Info("kubernetes job created", zap.String("job_id", jobID))
	return model.JobHandle{
		JobID:     jobID,
		Status:    "created",
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *Manager) buildJob(jobID string, req model.ExecutionRequest, limits model.ResourceLimits) (*batchv1.Job, error) {
	quantities := map[string]string{
		"cpu limit":      limits.CPULimit,
		"cpu request":    limits.CPURequest,
		"memory limit":   limits.MemoryLimit,
		"memory request": limits.MemoryRequest,
	}
	parsed := make(map[string]resource.Quantity, len(quantities))
	for name, raw := range quantities {
		q, err := resource.ParseQuantity(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s %q: %w", name, raw, err)
		}
		parsed[name] = q
	}

	labels := map[string]string{
		"app":        appLabel,
		"request_id": req.RequestID,
		"component":  "job-runner",
	}

	runAsNonRoot := true
	runAsUser := int64(1000)
	readOnlyRootFS := true
	allowEscalation := false
	backoffLimit := int32(0)
	ttl := m.ttlSeconds

	container := corev1.Container{
		Name:            containerName,
		Image:           m.image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Env: []corev1.EnvVar{
			{Name: "CODE", Value: req.Code},
			{Name: "REQUEST_ID", Value: req.RequestID},
			{Name: "TIMEOUT", Value: strconv.Itoa(limits.TimeoutSeconds)},
		},
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    parsed["cpu limit"],
				corev1.ResourceMemory: parsed["memory limit"],
			},
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    parsed["cpu request"],
				corev1.ResourceMemory: parsed["memory request"],
			},
		},
		SecurityContext: &corev1.SecurityContext{
			RunAsNonRoot:             &runAsNonRoot,
			RunAsUser:                &runAsUser,
			ReadOnlyRootFilesystem:   &readOnlyRootFS,
			AllowPrivilegeEscalation: &allowEscalation,
		},
		Lifecycle: &corev1.Lifecycle{
			PreStop: &corev1.LifecycleHandler{
				Exec: &corev1.ExecAction{
					Command: []string{"/bin/sh", "-c", "echo 'Graceful shutdown initiated'"},
				},
			},
		},
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobID,
			Namespace: m.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{container},
				},
			},
		},
	}, nil
}

// JobStatus summarizes the cluster's view of a job.
type JobStatus struct {
	JobID          string     `json:"jobId"`
	Active         int32      `json:"active"`
	Succeeded      int32      `json:"succeeded"`
	Failed         int32      `json:"failed"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`
}

// GetStatus reads the current job status. A missing job returns (nil, nil).
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := m.client.BatchV1().Jobs(m.namespace).Get(ctx, jobID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			logging.From(ctx).Warn("job not found", zap.String("job_id", jobID))
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	status := &JobStatus{
		JobID:     jobID,
		Active:    job.Status.Active,
		Succeeded: job.Status.Succeeded,
		Failed:    job.Status.Failed,
	}
	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		status.StartTime = &t
	}
	if job.Status.CompletionTime != nil {
		t := job.Status.CompletionTime.Time
		status.CompletionTime = &t
	}
	return status, nil
}

// DeleteJob removes a job; dependent pods are collected in the background.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	policy := metav1.DeletePropagationBackground
	err := m.client.BatchV1().Jobs(m.namespace).Delete(ctx, jobID, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil {
		logging.From(ctx).Error("job deletion failed",
			zap.String("job_id", jobID), zap.Error(err))
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	logging.From(ctx).Info("job deleted", zap.String("job_id", jobID))
	return nil
}

// MonitorOutcome is the terminal result of watching one job.
type MonitorOutcome struct {
	Status  string `json:"status"`
	JobID   string `json:"jobId"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// MonitorJob watches the job until it reaches a terminal state or the
// monitoring window closes. Status values: success, failed, timeout (window
// expired), error (API failure), running (watch ended early).
func (m *Manager) MonitorJob(ctx context.Context, jobID string, timeout time.Duration) MonitorOutcome {
	log := logging.From(ctx)
	log.Info("starting job monitoring",
		zap.String("job_id", jobID),
		zap.Duration("timeout", timeout))

	timeoutSeconds := int64(timeout.Seconds())
	watcher, err := m.client.BatchV1().Jobs(m.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector:  "metadata.name=" + jobID,
		TimeoutSeconds: &timeoutSeconds,
	})
	if err != nil {
		log.Error("job watch failed", zap.String("job_id", jobID), zap.Error(err))
		return MonitorOutcome{Status: "error", JobID: jobID, Message: err.Error()}
	}
	defer watcher.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return MonitorOutcome{Status: "timeout", JobID: jobID, Message: "Job monitoring timeout exceeded"}
		case <-deadline.C:
			log.Warn("job monitoring timeout exceeded", zap.String("job_id", jobID))
			return MonitorOutcome{Status: "timeout", JobID: jobID, Message: "Job monitoring timeout exceeded"}
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return MonitorOutcome{Status: "running", JobID: jobID}
			}
			job, isJob := event.Object.(*batchv1.Job)
			if !isJob {
				continue
			}
			if outcome, terminal := m.evaluate(ctx, jobID, job); terminal {
				return outcome
			}
		}
	}
}

func (m *Manager) evaluate(ctx context.Context, jobID string, job *batchv1.Job) (MonitorOutcome, bool) {
	log := logging.From(ctx)

	if job.Status.Succeeded > 0 {
		log.Info("job completed successfully", zap.String("job_id", jobID))
		return MonitorOutcome{Status: "success", JobID: jobID}, true
	}

	if job.Status.Failed >= m.maxJobRetries {
		reason := failureReason(job)
		log.Error("job exceeded maximum retry attempts",
			zap.String("job_id", jobID),
			zap.Int32("failed_count", job.Status.Failed),
			zap.String("reason", reason))
		return MonitorOutcome{
			Status:  "failed",
			JobID:   jobID,
			Reason:  reason,
			Message: "Job exceeded maximum retry attempts",
		}, true
	}

	for _, cond := range job.Status.Conditions {
		if cond.Type != batchv1.JobFailed || cond.Status != corev1.ConditionTrue {
			continue
		}
		log.Error("job failure condition detected",
			zap.String("job_id", jobID),
			zap.String("reason", cond.Reason),
			zap.String("failure_message", cond.Message))
		return MonitorOutcome{
			Status:  "failed",
			JobID:   jobID,
			Reason:  cond.Reason,
			Message: cond.Message,
		}, true
	}

	return MonitorOutcome{}, false
}

func failureReason(job *batchv1.Job) string {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Reason != "" {
			return cond.Reason
		}
	}
	return "Unknown"
}
