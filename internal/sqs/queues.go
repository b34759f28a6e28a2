package sqs

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS queue naming convention:
//   {prefix}-campaign-tasks       -- task queue
//   {prefix}-campaign-tasks-dlq   -- dead letter queue for undecodable tasks

const taskQueue = "campaign-tasks"

// QueueName returns the SQS queue name for the task queue under prefix.
func QueueName(prefix string) string {
	return sanitizeQueueName(prefix) + "-" + taskQueue
}

// DLQName returns the SQS dead letter queue name under prefix.
func DLQName(prefix string) string {
	return QueueName(prefix) + "-dlq"
}

// sanitizeQueueName converts a name to an SQS-compatible one.
// SQS allows alphanumeric, hyphens, and underscores.
func sanitizeQueueName(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}

// EnsureQueue creates the task queue and its dead letter queue when missing
// and returns the task queue URL. CreateQueue is idempotent for matching
// attributes.
func EnsureQueue(ctx context.Context, client API, prefix string, visibilityTimeoutSec int32) (string, error) {
	name := QueueName(prefix)
	result, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]string{
			"ReceiveMessageWaitTimeSeconds": "20",
			"VisibilityTimeout":             fmt.Sprintf("%d", clampVisibility(visibilityTimeoutSec)),
			"MessageRetentionPeriod":        "1209600", // 14 days
		},
	})
	if err != nil {
		return "", fmt.Errorf("create SQS queue %s: %w", name, err)
	}
	url := aws.ToString(result.QueueUrl)

	if err := ensureDLQ(ctx, client, prefix, url); err != nil {
		return "", err
	}
	return url, nil
}

// ensureDLQ creates a dead letter queue and configures the redrive policy.
func ensureDLQ(ctx context.Context, client API, prefix, mainQueueURL string) error {
	dlqName := DLQName(prefix)
	dlqResult, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(dlqName),
		Attributes: map[string]string{
			"MessageRetentionPeriod": "1209600",
		},
	})
	if err != nil {
		return fmt.Errorf("create SQS queue %s: %w", dlqName, err)
	}

	attrs, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       dlqResult.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("get SQS queue attributes for %s: %w", dlqName, err)
	}
	dlqArn, ok := attrs.Attributes["QueueArn"]
	if !ok {
		return fmt.Errorf("SQS queue %s has no QueueArn", dlqName)
	}

	// Tasks that fail to decode five times move to the DLQ.
	redrivePolicy := fmt.Sprintf(`{"deadLetterTargetArn":"%s","maxReceiveCount":"5"}`, dlqArn)
	if _, err := client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl: aws.String(mainQueueURL),
		Attributes: map[string]string{
			"RedrivePolicy": redrivePolicy,
		},
	}); err != nil {
		return fmt.Errorf("set redrive policy: %w", err)
	}
	return nil
}

// LookupQueue gets an existing task queue URL without creating it.
func LookupQueue(ctx context.Context, client API, prefix string) (string, error) {
	name := QueueName(prefix)
	result, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get SQS queue URL for %s: %w", name, err)
	}
	return aws.ToString(result.QueueUrl), nil
}
