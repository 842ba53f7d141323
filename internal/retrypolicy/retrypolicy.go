// Package retrypolicy coordinates execution retries. Only attempt errors
// are ever retried; any outcome the executor returns, including timeout and
// nonzero exit, is final. Backoff grows exponentially and is capped.
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/model"
)

// Kind categorizes an attempt error for the retry decision.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindMemory            Kind = "memory"
	KindNetwork           Kind = "network"
	KindResourceExhausted Kind = "resource_exhausted"
	KindRuntime           Kind = "runtime"
	KindUnknown           Kind = "unknown"
)

// Error wraps an attempt failure with its category. Retryable is consulted
// only for kinds without a fixed policy.
type Error struct {
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps an error with a kind and a fixed retry policy.
func Classify(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err, Retryable: kindRetryable(kind)}
}

// Flagged wraps an error whose retryability the caller decides.
func Flagged(err error, retryable bool) *Error {
	return &Error{Kind: KindRuntime, Err: err, Retryable: retryable}
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindResourceExhausted, KindRuntime:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether an attempt error warrants another try.
// Timeout, memory and network failures never do; unknown errors default to
// non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindMemory, KindNetwork:
		return false
	case KindResourceExhausted:
		return true
	}
	return e.Retryable
}

// Backoff returns the delay before retry number attempt (0-indexed),
// min(2^attempt, 60) seconds.
func Backoff(attempt int) time.Duration {
	if attempt >= 6 {
		return 60 * time.Second
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Runner performs one execution attempt.
type Runner func(ctx context.Context) (model.ExecutionOutcome, error)

// Coordinator drives a Runner through the retry policy.
type Coordinator struct {
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration)
}

// New creates a coordinator allowing maxRetries retries after the first
// attempt.
func New(maxRetries int) *Coordinator {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Coordinator{maxRetries: maxRetries, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

type attemptFailure struct {
	kind   Kind
	err    error
	reason string
}

// Execute runs the attempt loop. Every returned outcome is terminal; when
// all attempts error out, a synthesized failed outcome carries the full
// attempt report in stderr.
func (c *Coordinator) Execute(ctx context.Context, requestID string, run Runner) model.ExecutionOutcome {
	log := logging.From(ctx)
	var history []attemptFailure

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		log.Info("attempting code execution",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.maxRetries+1))

		outcome, err := run(ctx)
		if err == nil {
			if outcome.Status == model.StatusSuccess && attempt > 0 {
				log.Info("execution succeeded after retry", zap.Int("attempts", attempt+1))
			}
			if outcome.Status == model.StatusTimeout {
				log.Warn("execution timed out, not retrying")
			}
			return outcome
		}

		failure := attemptFailure{kind: errorKind(err), err: err}
		retryable := IsRetryable(err)
		log.Error("execution attempt failed",
			zap.String("error_kind", string(failure.kind)),
			zap.Bool("retryable", retryable),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt >= c.maxRetries {
			failure.reason = "Maximum retry attempts exceeded"
			history = append(history, failure)
			log.Warn("maximum retry attempts exceeded", zap.Int("attempts", attempt+1))
			break
		}
		history = append(history, failure)
		if !retryable {
			log.Info("error is not retryable")
			break
		}

		delay := Backoff(attempt)
		log.Info("waiting before retry", zap.Duration("backoff", delay))
		c.sleep(ctx, delay)
	}

	return model.ExecutionOutcome{
		RequestID:  requestID,
		Stdout:     "",
		Stderr:     formatHistory(history),
		ExitCode:   -1,
		DurationMS: 0,
		Status:     model.StatusFailed,
	}
}

func errorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func formatHistory(history []attemptFailure) string {
	lines := []string{"Execution failed after multiple attempts:"}
	for i, failure := range history {
		lines = append(lines,
			fmt.Sprintf("\nAttempt %d:", i+1),
			fmt.Sprintf("  Error Type: %s", failure.kind),
			fmt.Sprintf("  Error: %v", failure.err))
		if failure.reason != "" {
			lines = append(lines, fmt.Sprintf("  Reason: %s", failure.reason))
		}
	}
	return strings.Join(lines, "\n")
}
