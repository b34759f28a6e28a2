package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const (
	// DefaultVisibilityTimeout is used when none is configured.
	DefaultVisibilityTimeout = 30 * time.Second
	// SQS max visibility timeout is 12 hours.
	maxVisibilitySeconds = 43200
)

// clampVisibility bounds a timeout in seconds to what SQS accepts.
func clampVisibility(sec int32) int32 {
	if sec < 1 {
		sec = int32(DefaultVisibilityTimeout / time.Second)
	}
	if sec > maxVisibilitySeconds {
		sec = maxVisibilitySeconds
	}
	return sec
}

// visibilitySeconds converts a duration to a clamped SQS timeout.
func visibilitySeconds(d time.Duration) int32 {
	return clampVisibility(int32(d / time.Second))
}

// changeMessageVisibility extends or resets the visibility timeout of a
// message. A timeout of 0 makes it visible again immediately.
func (c *Consumer) changeMessageVisibility(ctx context.Context, receiptHandle string, timeoutSeconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("SQS ChangeMessageVisibility: %w", err)
	}
	return nil
}

// keepInvisible extends the message's visibility every half timeout until
// ctx is done, so a run retrying locally is not redelivered meanwhile.
func (c *Consumer) keepInvisible(ctx context.Context, receiptHandle string) {
	ticker := time.NewTicker(c.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.changeMessageVisibility(ctx, receiptHandle, visibilitySeconds(c.cfg.VisibilityTimeout)); err != nil && ctx.Err() == nil {
				c.logger.Warn("failed to extend task visibility", "error", err)
			}
		}
	}
}
