// Package sqs carries campaign tasks over an AWS SQS queue so any node in
// the cluster can drive a claimed run.
package sqs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/tracing"
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, in *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
	ListQueues(ctx context.Context, in *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
}

var _ API = (*sqs.Client)(nil)

// Dispatcher sends campaign tasks to the task queue.
type Dispatcher struct {
	client   API
	queueURL string
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher for queueURL.
func NewDispatcher(client API, queueURL string) *Dispatcher {
	return &Dispatcher{
		client:   client,
		queueURL: queueURL,
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

// Name identifies the dispatcher in metrics.
func (d *Dispatcher) Name() string { return "sqs" }

// Dispatch sends task as one SQS message.
func (d *Dispatcher) Dispatch(ctx context.Context, task *core.Task) error {
	body, err := EncodeTask(task)
	if err != nil {
		return err
	}

	carrier := make(map[string]string)
	tracing.InjectContext(ctx, carrier)

	result, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(d.queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: BuildMessageAttributes(task, carrier),
	})
	if err != nil {
		return fmt.Errorf("SQS SendMessage: %w", err)
	}

	d.logger.Debug("task sent", "key", task.Key, "run_id", task.RunID, "message_id", aws.ToString(result.MessageId))
	return nil
}

// Ping checks that the queue endpoint answers.
func (d *Dispatcher) Ping(ctx context.Context) error {
	_, err := d.client.ListQueues(ctx, &sqs.ListQueuesInput{MaxResults: aws.Int32(1)})
	if err != nil {
		return fmt.Errorf("SQS ListQueues: %w", err)
	}
	return nil
}
