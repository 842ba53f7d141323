// Package sandbox runs Python code in an isolated child process. Isolation
// layers: a scrubbed environment, a throwaway working directory, deadline
// enforcement with process kill, and full output capture.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/model"
)

// restrictedEnv is the complete child environment. Nothing from the host
// environment leaks through.
var restrictedEnv = []string{
	"PYTHONHASHSEED=0",
	"PYTHONDONTWRITEBYTECODE=1",
	"PYTHONUNBUFFERED=1",
}

// Executor spawns interpreter child processes.
type Executor struct {
	pythonBin      string
	defaultTimeout time.Duration
	hostEnv        bool
	dirPrefix      string
}

// New creates an executor. timeoutSeconds is the fallback when a request
// does not carry its own timeout.
func New(pythonBin string, timeoutSeconds int) *Executor {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &Executor{
		pythonBin:      pythonBin,
		defaultTimeout: time.Duration(timeoutSeconds) * time.Second,
		dirPrefix:      "exec_%s_",
	}
}

// NewWithHostEnv creates an executor whose children inherit the full host
// environment. Meant for job pods, where the pod itself is the isolation
// boundary and the code needs its preinstalled libraries.
func NewWithHostEnv(pythonBin string, timeoutSeconds int) *Executor {
	e := New(pythonBin, timeoutSeconds)
	e.hostEnv = true
	e.dirPrefix = "heavy_job_%s_"
	return e
}

// RestrictedEnv returns a copy of the child environment.
func (e *Executor) RestrictedEnv() []string {
	return append([]string(nil), restrictedEnv...)
}

// Execute runs the code and returns its outcome. Timeouts and nonzero exits
// are outcomes, not errors; the error return is reserved for failures to
// start the child at all (those are candidates for retry upstream).
func (e *Executor) Execute(ctx context.Context, requestID, code string, timeoutSeconds int) (model.ExecutionOutcome, error) {
	timeout := e.defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	log := logging.From(ctx)

	workDir, err := os.MkdirTemp("", fmt.Sprintf(e.dirPrefix, requestID))
	if err != nil {
		return model.ExecutionOutcome{}, fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Error("temp directory cleanup failed",
				zap.String("work_dir", workDir), zap.Error(rmErr))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, e.pythonBin, "-c", code)
	cmd.Dir = workDir
	if e.hostEnv {
		cmd.Env = os.Environ()
	} else {
		cmd.Env = e.RestrictedEnv()
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Info("starting code execution",
		zap.Int("timeout_seconds", int(timeout.Seconds())),
		zap.Int("code_length", len(code)))

	start := time.Now()
	runErr := cmd.Run()
	durationMS := time.Since(start).Milliseconds()

	outcome := model.ExecutionOutcome{
		RequestID:  requestID,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: durationMS,
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.Status = model.StatusTimeout
		outcome.ExitCode = -1
		outcome.Stderr += fmt.Sprintf("\nExecution timed out after %d seconds", int(timeout.Seconds()))
		log.Warn("code execution timed out", zap.Int64("duration_ms", durationMS))
	case runErr == nil:
		outcome.Status = model.StatusSuccess
		outcome.ExitCode = 0
		log.Info("code execution completed",
			zap.String("status", string(outcome.Status)),
			zap.Int64("duration_ms", durationMS))
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The interpreter never started.
			return model.ExecutionOutcome{}, fmt.Errorf("spawn %s: %w", e.pythonBin, runErr)
		}
		outcome.Status = model.StatusFailed
		outcome.ExitCode = exitErr.ExitCode()
		log.Info("code execution completed",
			zap.String("status", string(outcome.Status)),
			zap.Int("exit_code", outcome.ExitCode),
			zap.Int64("duration_ms", durationMS))
	}

	return outcome, nil
}
