// Package sqs ingests engagement callbacks delivered through an SQS queue
// and applies them through the event state machine.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/model"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string

	// RetryDelay is the visibility timeout set on a message whose
	// processing failed for an infrastructure reason.
	RetryDelay time.Duration
}

// Message is one engagement callback on the queue.
type Message struct {
	LogID    string         `json:"logId"`
	Event    string         `json:"event"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Recorder applies a callback. It is satisfied by events.Service.
type Recorder interface {
	Record(ctx context.Context, logID, event string, metadata map[string]any) (*model.DeliveryLog, error)
}

// sqsAPI is the subset of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Outcome is what happened to one message.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected" // deleted without being applied
	OutcomeRetry    Outcome = "retry"    // left on the queue for redelivery
)

// EventConsumer long-polls the events queue.
type EventConsumer struct {
	client     sqsAPI
	queueURL   string
	retryDelay time.Duration
	recorder   Recorder
	logger     *zap.Logger
}

// NewEventConsumer creates a consumer using the default AWS credential chain.
func NewEventConsumer(ctx context.Context, cfg Config, recorder Recorder, logger *zap.Logger) (*EventConsumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs event consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return newEventConsumer(sqs.NewFromConfig(awsCfg), cfg, recorder, logger), nil
}

func newEventConsumer(client sqsAPI, cfg Config, recorder Recorder, logger *zap.Logger) *EventConsumer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	return &EventConsumer{
		client:     client,
		queueURL:   cfg.QueueURL,
		retryDelay: cfg.RetryDelay,
		recorder:   recorder,
		logger:     logger,
	}
}

// Start polls until ctx is cancelled. Receive failures back off briefly
// instead of spinning.
func (c *EventConsumer) Start(ctx context.Context) {
	c.logger.Info("event consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("event consumer stopping")
			return
		}
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to receive events", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// Poll receives one batch and handles every message in it.
func (c *EventConsumer) Poll(ctx context.Context) ([]Outcome, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(out.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	outcomes := make([]Outcome, 0, len(out.Messages))
	for _, m := range out.Messages {
		outcomes = append(outcomes, c.handle(ctx, m))
	}
	return outcomes, nil
}

func (c *EventConsumer) handle(ctx context.Context, m types.Message) Outcome {
	msgID := aws.ToString(m.MessageId)

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
		c.logger.Warn("dropping malformed event message", zap.String("message_id", msgID), zap.Error(err))
		c.delete(ctx, m)
		return OutcomeRejected
	}

	_, err := c.recorder.Record(ctx, msg.LogID, msg.Event, msg.Metadata)
	switch kind := apperr.KindOf(err); {
	case err == nil:
		c.delete(ctx, m)
		return OutcomeApplied
	case kind == apperr.KindValidation || kind == apperr.KindNotFound:
		// Redelivery cannot fix these.
		c.logger.Warn("dropping unprocessable event",
			zap.String("message_id", msgID),
			zap.String("log_id", msg.LogID),
			zap.String("event", msg.Event),
			zap.Error(err),
		)
		c.delete(ctx, m)
		return OutcomeRejected
	default:
		c.logger.Error("failed to apply event, leaving for redelivery",
			zap.String("message_id", msgID),
			zap.String("log_id", msg.LogID),
			zap.String("event", msg.Event),
			zap.Error(err),
		)
		c.retryLater(ctx, m)
		return OutcomeRetry
	}
}

func (c *EventConsumer) delete(ctx context.Context, m types.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		c.logger.Error("sqs delete failed", zap.String("message_id", aws.ToString(m.MessageId)), zap.Error(err))
	}
}

func (c *EventConsumer) retryLater(ctx context.Context, m types.Message) {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     m.ReceiptHandle,
		VisibilityTimeout: int32(c.retryDelay / time.Second),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("sqs change visibility failed", zap.String("message_id", aws.ToString(m.MessageId)), zap.Error(err))
	}
}
