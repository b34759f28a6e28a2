package sqs

import (
	"encoding/json"
	"fmt"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// MaxSQSMessageSize is the maximum SQS message size (256 KB).
const MaxSQSMessageSize = 256 * 1024

// EncodeTask serializes a Task to JSON for the SQS message body.
func EncodeTask(task *core.Task) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	if len(data) > MaxSQSMessageSize {
		return "", core.NewInvalidRequestError(
			fmt.Sprintf("Task size (%d bytes) exceeds SQS maximum of %d bytes.", len(data), MaxSQSMessageSize),
			map[string]any{
				"payload_size": len(data),
				"max_size":     MaxSQSMessageSize,
				"key":          task.Key,
			},
		)
	}

	return string(data), nil
}

// DecodeTask deserializes a Task from an SQS message body.
func DecodeTask(body string) (*core.Task, error) {
	var task core.Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if task.Key == "" || task.RunID == "" || task.LeaseToken == "" {
		return nil, fmt.Errorf("unmarshal task: missing key, run_id or lease_token")
	}
	return &task, nil
}
