package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/codexec/backend/internal/classifier"
	"github.com/codexec/backend/internal/dispatch"
	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/metrics"
	"github.com/codexec/backend/internal/model"
)

const (
	// defaultTimeoutSeconds applies to messages that omit a timeout.
	defaultTimeoutSeconds = 30
	// maxJobTimeoutSeconds is the ceiling for code routed to a cluster job.
	// Sandbox-bound code keeps the tighter ExecutionRequest bound.
	maxJobTimeoutSeconds = 3600
)

// ParseError marks a message that could not be decoded into a request.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse message: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Dispatcher routes a decoded request to an execution lane.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.ExecutionRequest) (dispatch.Result, error)
}

// Consumer drains the code-execution-requests subscription. A message is
// acknowledged only after its request has been dispatched to a terminal
// result; everything else is redelivered (at-least-once).
type Consumer struct {
	client     *pubsub.Client
	sub        *pubsub.Subscription
	dispatcher Dispatcher
	classifier *classifier.Classifier
	base       *zap.Logger
	metrics    *metrics.Metrics
}

// NewConsumer connects to the subscription.
func NewConsumer(ctx context.Context, projectID, subscriptionID string, d Dispatcher, base *zap.Logger, m *metrics.Metrics) (*Consumer, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(connectCtx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(connectCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription.Exists: %w", err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("subscription %s does not exist", subscriptionID)
	}

	return &Consumer{
		client:     client,
		sub:        sub,
		dispatcher: d,
		classifier: classifier.New(),
		base:       base,
		metrics:    m,
	}, nil
}

// Run blocks receiving messages until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	c.base.Info("event consumer started", zap.String("subscription", c.sub.ID()))
	err := c.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		if handleErr := c.handle(msgCtx, msg.Data); handleErr != nil {
			c.base.Error("message handling failed",
				zap.String("message_id", msg.ID),
				zap.Error(handleErr))
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// handle decodes one message and dispatches it. The returned error decides
// acknowledgment: nil acks, anything else nacks for redelivery.
func (c *Consumer) handle(ctx context.Context, data []byte) error {
	req, err := decodeRequest(data)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ErrorsTotal.WithLabelValues("consumer", "parse").Inc()
		}
		return err
	}

	ctx, log := logging.WithRequestID(ctx, c.base, req.RequestID)
	log.Info("received execution request",
		zap.Int("code_length", len(req.Code)),
		zap.Int("timeout", req.Timeout))

	// The tight sandbox timeout bound only applies to code that will run
	// there; job-bound code may use the longer job ceiling.
	if err := c.validateForLane(ctx, req); err != nil {
		if c.metrics != nil {
			c.metrics.ErrorsTotal.WithLabelValues("consumer", "parse").Inc()
		}
		return err
	}

	result, err := c.dispatcher.Dispatch(ctx, req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ErrorsTotal.WithLabelValues("consumer", "dispatch").Inc()
		}
		return fmt.Errorf("dispatch request %s: %w", req.RequestID, err)
	}

	if result.Job != nil {
		log.Info("request routed to cluster job", zap.String("job_id", result.Job.JobID))
	} else if result.Outcome != nil {
		log.Info("request executed",
			zap.String("status", string(result.Outcome.Status)),
			zap.Int("exit_code", result.Outcome.ExitCode),
			zap.Int64("duration_ms", result.Outcome.DurationMS))
	}
	return nil
}

// decodeRequest checks the lane-independent shape of a message. The timeout
// bound here is the widest either lane accepts; the lane decides the rest.
func decodeRequest(data []byte) (model.ExecutionRequest, error) {
	var req model.ExecutionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return model.ExecutionRequest{}, &ParseError{Err: err}
	}
	if req.Timeout == 0 {
		req.Timeout = defaultTimeoutSeconds
	}
	if req.RequestID == "" {
		return model.ExecutionRequest{}, &ParseError{Err: fmt.Errorf("requestId is required")}
	}
	if req.Code == "" {
		return model.ExecutionRequest{}, &ParseError{Err: fmt.Errorf("code must not be empty")}
	}
	if req.Timeout < 1 || req.Timeout > maxJobTimeoutSeconds {
		return model.ExecutionRequest{}, &ParseError{
			Err: fmt.Errorf("timeout must be in [1, %d] seconds, got %d", maxJobTimeoutSeconds, req.Timeout),
		}
	}
	return req, nil
}

// validateForLane applies the bounds of the lane the code will run on.
func (c *Consumer) validateForLane(ctx context.Context, req model.ExecutionRequest) error {
	if c.classifier.Classify(ctx, req.Code) == model.Heavy {
		if req.Limits != nil {
			if err := req.Limits.Validate(); err != nil {
				return &ParseError{Err: err}
			}
		}
		return nil
	}
	if err := req.Validate(); err != nil {
		return &ParseError{Err: err}
	}
	return nil
}

// HealthCheck verifies the subscription is reachable, for readiness probes.
func (c *Consumer) HealthCheck(ctx context.Context) error {
	exists, err := c.sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("subscription health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("subscription %s does not exist", c.sub.ID())
	}
	return nil
}

// Close releases the Pub/Sub client.
func (c *Consumer) Close() error {
	return c.client.Close()
}
