// The job-runner is the entrypoint of heavy-executor pods. It reads the code
// from the environment, executes it with the pod as the isolation boundary,
// uploads the result to object storage and emits a completion event.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codexec/backend/internal/config"
	"github.com/codexec/backend/internal/events"
	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/model"
	"github.com/codexec/backend/internal/sandbox"
	"github.com/codexec/backend/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadDotEnv()
	cfg := config.LoadJobRunner()

	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	code := os.Getenv("CODE")
	requestID := os.Getenv("REQUEST_ID")
	if code == "" || requestID == "" {
		logger.Error("CODE and REQUEST_ID must be set")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, log := logging.WithRequestID(ctx, logger, requestID)

	log.Info("heavy job runner started",
		zap.Int("timeout", cfg.ExecutionTimeout),
		zap.Int("code_length", len(code)))

	// The pod sandboxes the workload; the child inherits the full
	// environment so preinstalled heavy libraries resolve.
	executor := sandbox.NewWithHostEnv(cfg.PythonBin, cfg.ExecutionTimeout)
	outcome, err := executor.Execute(ctx, requestID, code, cfg.ExecutionTimeout)
	if err != nil {
		log.Error("code execution failed to start", zap.Error(err))
		outcome = model.ExecutionOutcome{
			RequestID: requestID,
			Stderr:    "Execution error: " + err.Error(),
			ExitCode:  -1,
			Status:    model.StatusFailed,
		}
	}

	resultLocation := uploadResult(ctx, cfg, outcome)
	emitCompletion(ctx, cfg, outcome, resultLocation)

	log.Info("heavy job runner completed",
		zap.String("status", string(outcome.Status)),
		zap.String("result_location", resultLocation))

	if outcome.Status == model.StatusSuccess {
		return 0
	}
	return 1
}

// uploadResult stores the outcome in object storage. Without a configured
// bucket the result stays in the pod logs only.
func uploadResult(ctx context.Context, cfg config.JobRunner, outcome model.ExecutionOutcome) string {
	log := logging.From(ctx)
	if cfg.S3Bucket == "" {
		log.Warn("no storage backend configured, result will not be uploaded")
		return "local://not-uploaded"
	}

	store, err := storage.NewResultStore(ctx, storage.S3Config{
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		UsePathStyle: cfg.S3UsePathStyle,
	})
	if err != nil {
		log.Error("result store initialization failed", zap.Error(err))
		return "local://not-uploaded"
	}

	location, err := store.UploadResult(ctx, outcome)
	if err != nil {
		log.Error("result upload failed", zap.Error(err))
		return "local://not-uploaded"
	}
	log.Info("result uploaded", zap.String("location", location))
	return location
}

// emitCompletion publishes the completion event. Emission failure never
// fails the job.
func emitCompletion(ctx context.Context, cfg config.JobRunner, outcome model.ExecutionOutcome, resultLocation string) {
	log := logging.From(ctx)
	if cfg.PubsubProjectID == "" {
		log.Warn("PUBSUB_PROJECT_ID not set, skipping completion event")
		return
	}

	publisher, err := events.NewPublisher(ctx, cfg.PubsubProjectID, cfg.ResultTopic)
	if err != nil {
		log.Error("completion publisher initialization failed", zap.Error(err))
		return
	}
	defer publisher.Close()

	event := model.CompletionEvent{
		RequestID:      outcome.RequestID,
		Status:         outcome.Status,
		ResultLocation: resultLocation,
		DurationMS:     outcome.DurationMS,
		ExitCode:       outcome.ExitCode,
		Timestamp:      float64(time.Now().UnixNano()) / float64(time.Second),
	}
	if err := publisher.PublishCompletion(ctx, event); err != nil {
		log.Error("completion event emission failed", zap.Error(err))
	}
}
