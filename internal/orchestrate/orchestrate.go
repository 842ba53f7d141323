// Package orchestrate drives the generate, validate, correct, classify
// pipeline for a natural language query. The flow is an explicit state
// machine; the Status field of the returned State names the terminal state.
package orchestrate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/codexec/backend/internal/classifier"
	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/metrics"
	"github.com/codexec/backend/internal/model"
	"github.com/codexec/backend/internal/validator"
)

// Flow statuses. Intermediate statuses are visible in logs; Execute returns
// one of routed, validation_failed_max_retries or error.
const (
	StatusParsed           = "parsed"
	StatusGenerated        = "generated"
	StatusValidated        = "validated"
	StatusValidationFailed = "validation_failed"
	StatusCorrected        = "corrected"
	StatusRouted           = "routed"
	StatusMaxRetries       = "validation_failed_max_retries"
	StatusError            = "error"
)

// Generator produces and repairs Python code.
type Generator interface {
	Generate(ctx context.Context, query string) (string, error)
	Correct(ctx context.Context, query, failedCode string, validationErrors []string) (string, error)
}

// State is the pipeline state carried between steps.
type State struct {
	Query              string
	GeneratedCode      string
	Verdict            validator.Verdict
	ValidationAttempts int
	MaxRetries         int
	Classification     model.Complexity
	Err                string
	Status             string
}

// Flow wires the pipeline components.
type Flow struct {
	generator  Generator
	validator  *validator.Validator
	classifier *classifier.Classifier
	metrics    *metrics.Metrics
}

// New builds a flow. metrics may be nil.
func New(generator Generator, m *metrics.Metrics) *Flow {
	return &Flow{
		generator:  generator,
		validator:  validator.New(),
		classifier: classifier.New(),
		metrics:    m,
	}
}

// Execute runs the pipeline. Corrected code always goes back through
// validation, classification happens only on a passing verdict, and the
// attempt counter never exceeds maxRetries.
func (f *Flow) Execute(ctx context.Context, query string, maxRetries int) State {
	if maxRetries < 0 {
		maxRetries = 0
	}
	log := logging.From(ctx)
	state := State{Query: query, MaxRetries: maxRetries, Status: StatusParsed}

	code, err := f.generator.Generate(ctx, query)
	if err != nil {
		log.Error("code generation failed", zap.Error(err))
		state.Status = StatusError
		state.Err = err.Error()
		return state
	}
	state.GeneratedCode = code
	state.Status = StatusGenerated
	log.Info("code generated", zap.Int("code_length", len(code)))

	for {
		state.Verdict = f.validate(ctx, state.GeneratedCode)
		if state.Verdict.OK {
			state.Status = StatusValidated
			break
		}
		state.Status = StatusValidationFailed
		log.Warn("validation failed",
			zap.Int("attempts", state.ValidationAttempts),
			zap.Strings("errors", state.Verdict.Errors))

		if state.ValidationAttempts >= state.MaxRetries {
			state.Status = StatusMaxRetries
			f.observeRetries(state.ValidationAttempts)
			log.Warn("validation failed after max retries",
				zap.Int("attempts", state.ValidationAttempts))
			return state
		}

		corrected, err := f.generator.Correct(ctx, query, state.GeneratedCode, state.Verdict.Errors)
		if err != nil {
			log.Error("code correction failed", zap.Error(err))
			state.Status = StatusError
			state.Err = err.Error()
			return state
		}
		state.GeneratedCode = corrected
		state.ValidationAttempts++
		state.Status = StatusCorrected
		log.Info("code corrected", zap.Int("attempts", state.ValidationAttempts))
	}

	state.Classification = f.classifier.Classify(ctx, state.GeneratedCode)
	state.Status = StatusRouted
	f.observeRetries(state.ValidationAttempts)
	if f.metrics != nil {
		f.metrics.ClassificationsTotal.WithLabelValues(string(state.Classification)).Inc()
	}
	log.Info("code routed",
		zap.String("classification", string(state.Classification)),
		zap.Int("validation_attempts", state.ValidationAttempts))
	return state
}

func (f *Flow) validate(ctx context.Context, code string) validator.Verdict {
	start := time.Now()
	verdict := f.validator.Validate(ctx, code)
	if f.metrics != nil {
		f.metrics.ValidationDuration.Observe(time.Since(start).Seconds())
		result := "passed"
		if !verdict.OK {
			result = "failed"
		}
		f.metrics.ValidationsTotal.WithLabelValues(result).Inc()
	}
	return verdict
}

func (f *Flow) observeRetries(attempts int) {
	if f.metrics != nil {
		f.metrics.ValidationRetries.Observe(float64(attempts))
	}
}
