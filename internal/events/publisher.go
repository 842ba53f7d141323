// Package events connects the platform to its Pub/Sub topics: the consumer
// drains code-execution-requests, the publisher emits execution-results.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/codexec/backend/internal/logging"
	"github.com/codexec/backend/internal/model"
)

// Publisher emits completion events on the execution-results topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPublisher connects to the topic, creating it when absent.
func NewPublisher(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(connectCtx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(connectCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(connectCtx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	return &Publisher{client: client, topic: topic}, nil
}

// PublishCompletion publishes the event and waits for server acknowledgment.
func (p *Publisher) PublishCompletion(ctx context.Context, event model.CompletionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode completion event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"request_id": event.RequestID,
			"status":     string(event.Status),
			"exit_code":  strconv.Itoa(event.ExitCode),
		},
	})
	serverID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	logging.From(ctx).Info("completion event published",
		zap.String("message_id", serverID),
		zap.String("status", string(event.Status)))
	return nil
}

// HealthCheck verifies the topic is reachable, for readiness probes.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	exists, err := p.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic %s does not exist", p.topic.ID())
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
