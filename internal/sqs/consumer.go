package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/tracing"
)

// Handler drives one campaign task.
type Handler interface {
	HandleTask(ctx context.Context, task *core.Task) error
}

// ConsumerConfig tunes the receive loop.
type ConsumerConfig struct {
	// Concurrency bounds the tasks handled at once.
	Concurrency int
	// WaitTime is the long-poll duration, at most 20s.
	WaitTime time.Duration
	// VisibilityTimeout hides a received task from other consumers.
	VisibilityTimeout time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

const (
	maxReceiveBatch = 10
	settleTimeout   = 5 * time.Second
)

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	if c.WaitTime <= 0 || c.WaitTime > 20*time.Second {
		c.WaitTime = 20 * time.Second
	}
	if c.VisibilityTimeout < 2*time.Second {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	return c
}

// Consumer receives tasks from the task queue and hands them to a Handler.
type Consumer struct {
	client   API
	queueURL string
	handler  Handler
	cfg      ConsumerConfig
	logger   *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(client API, queueURL string, handler Handler, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		handler:  handler,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger for the consumer.
func (c *Consumer) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// Run receives and handles tasks until ctx is cancelled, then waits for the
// tasks in flight. A task that gives back its slot with core.ReleaseSlot
// stops counting against Concurrency.
func (c *Consumer) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)
	var inflight sync.WaitGroup

	for ctx.Err() == nil {
		msgs, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("failed to receive campaign tasks", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ErrorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			msg := msg
			// Go blocks while Concurrency tasks are running.
			g.Go(func() error {
				taskCtx, released := core.WithSlot(ctx)
				done := make(chan struct{})
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					defer close(done)
					c.handle(taskCtx, msg)
				}()
				select {
				case <-done:
				case <-released:
				}
				return nil
			})
		}
	}

	err := g.Wait()
	inflight.Wait()
	return err
}

// receive fetches at most one batch. SQS returns max 10 messages per call.
func (c *Consumer) receive(ctx context.Context) ([]types.Message, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   maxReceiveBatch,
		VisibilityTimeout:     visibilitySeconds(c.cfg.VisibilityTimeout),
		WaitTimeSeconds:       int32(c.cfg.WaitTime / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// handle runs one task. Handled and stale tasks are deleted. A failed task
// is made visible again, though the lease claim it carried may have expired,
// in which case the due promoter issues a fresh task.
func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	receipt := aws.ToString(msg.ReceiptHandle)

	task, err := DecodeTask(aws.ToString(msg.Body))
	if err != nil {
		// Left for redelivery so the redrive policy moves it to the DLQ.
		c.logger.Error("undecodable campaign task", "message_id", aws.ToString(msg.MessageId), "error", err)
		return
	}

	ctx = tracing.ExtractContext(ctx, traceCarrier(msg.MessageAttributes))
	ctx, span := tracing.StartConsumerSpan(ctx, "campaign.task",
		tracing.CampaignKey(task.Key), tracing.RunID(task.RunID))
	defer span.End()

	hbCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.keepInvisible(hbCtx, receipt)
	}()
	err = c.run(ctx, task)
	stop()
	<-done

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err != nil {
		tracing.RecordError(span, err)
		if !errors.Is(err, context.Canceled) {
			c.logger.Error("campaign task failed", "key", task.Key, "run_id", task.RunID, "error", err)
		}
		if nackErr := c.changeMessageVisibility(settleCtx, receipt, 0); nackErr != nil {
			c.logger.Warn("failed to release campaign task", "key", task.Key, "error", nackErr)
		}
		return
	}

	tracing.SetOK(span)
	if _, err := c.client.DeleteMessage(settleCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		c.logger.Warn("failed to delete campaign task", "key", task.Key, "error", err)
	}
}

// run calls the handler, turning a panic into an error so the task is
// released for redelivery.
func (c *Consumer) run(ctx context.Context, task *core.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("campaign task panicked", "key", task.Key, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("campaign task %s panicked: %v", task.Key, r)
		}
	}()
	return c.handler.HandleTask(ctx, task)
}
