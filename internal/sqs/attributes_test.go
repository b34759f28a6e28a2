package sqs

import (
	"testing"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

func TestBuildMessageAttributes_RequiredFields(t *testing.T) {
	task := &core.Task{
		Key:        "a@example.com",
		RunID:      "run-1",
		Version:    7,
		LeaseToken: "tok",
	}

	attrs := BuildMessageAttributes(task, nil)

	tests := []struct {
		key      string
		dataType string
		expected string
	}{
		{AttrOJSVersion, "String", core.ServiceVersion},
		{AttrOJSKey, "String", "a@example.com"},
		{AttrOJSRunID, "String", "run-1"},
		{AttrOJSRecord, "Number", "7"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			attr, ok := attrs[tt.key]
			if !ok {
				t.Fatalf("missing attribute %q", tt.key)
			}
			if *attr.DataType != tt.dataType {
				t.Errorf("attribute %q DataType = %q, want %q", tt.key, *attr.DataType, tt.dataType)
			}
			if *attr.StringValue != tt.expected {
				t.Errorf("attribute %q = %q, want %q", tt.key, *attr.StringValue, tt.expected)
			}
		})
	}

	if _, ok := attrs[AttrOJSDispatched]; ok {
		t.Error("expected no dispatched_at attribute when unset")
	}
	if _, ok := attrs[AttrOJSTraceParent]; ok {
		t.Error("expected no traceparent attribute without a carrier")
	}
}

func TestBuildMessageAttributes_Optional(t *testing.T) {
	task := &core.Task{Key: "k", RunID: "r", DispatchedAt: "2026-03-01T12:00:00.000Z"}
	tp := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	attrs := BuildMessageAttributes(task, map[string]string{AttrOJSTraceParent: tp})

	if got := *attrs[AttrOJSDispatched].StringValue; got != task.DispatchedAt {
		t.Errorf("dispatched_at = %q, want %q", got, task.DispatchedAt)
	}
	if got := traceCarrier(attrs)[AttrOJSTraceParent]; got != tp {
		t.Errorf("traceparent = %q, want %q", got, tp)
	}
}

func TestBuildMessageAttributes_UnderSQSLimit(t *testing.T) {
	task := &core.Task{Key: "k", RunID: "r", DispatchedAt: "x"}
	attrs := BuildMessageAttributes(task, map[string]string{AttrOJSTraceParent: "tp"})
	if len(attrs) > 10 {
		t.Errorf("got %d attributes, SQS allows at most 10", len(attrs))
	}
}

func TestEncodeDecodeTask(t *testing.T) {
	task := &core.Task{Key: "a@example.com", RunID: "run-1", Version: 3, LeaseToken: "tok"}
	body, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	got, err := DecodeTask(body)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if *got != *task {
		t.Errorf("DecodeTask = %+v, want %+v", got, task)
	}
}

func TestDecodeTask_Invalid(t *testing.T) {
	for _, body := range []string{"not json", `{"key":"k"}`, `{"key":"k","run_id":"r"}`} {
		if _, err := DecodeTask(body); err == nil {
			t.Errorf("DecodeTask(%q): expected error", body)
		}
	}
}

func TestQueueNames(t *testing.T) {
	if got := QueueName("ojs.prod"); got != "ojs-prod-campaign-tasks" {
		t.Errorf("QueueName = %q", got)
	}
	if got := DLQName("ojs"); got != "ojs-campaign-tasks-dlq" {
		t.Errorf("DLQName = %q", got)
	}
}
