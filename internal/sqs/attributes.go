package sqs

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// Message attribute names. SQS allows max 10 message attributes per message.
const (
	AttrOJSVersion     = "ojs.version"
	AttrOJSKey         = "ojs.campaign_key"
	AttrOJSRunID       = "ojs.run_id"
	AttrOJSRecord      = "ojs.record_version"
	AttrOJSDispatched  = "ojs.dispatched_at"
	AttrOJSTraceParent = "traceparent"
)

// BuildMessageAttributes creates SQS message attributes for a task. The
// caller's trace context travels in a traceparent attribute.
func BuildMessageAttributes(task *core.Task, carrier map[string]string) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		AttrOJSVersion: stringAttr(core.ServiceVersion),
		AttrOJSKey:     stringAttr(task.Key),
		AttrOJSRunID:   stringAttr(task.RunID),
		AttrOJSRecord: {
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.FormatInt(task.Version, 10)),
		},
	}
	if task.DispatchedAt != "" {
		attrs[AttrOJSDispatched] = stringAttr(task.DispatchedAt)
	}
	if tp := carrier[AttrOJSTraceParent]; tp != "" {
		attrs[AttrOJSTraceParent] = stringAttr(tp)
	}
	return attrs
}

// traceCarrier extracts the propagation headers from message attributes.
func traceCarrier(attrs map[string]types.MessageAttributeValue) map[string]string {
	carrier := make(map[string]string)
	if v, ok := attrs[AttrOJSTraceParent]; ok && v.StringValue != nil {
		carrier[AttrOJSTraceParent] = *v.StringValue
	}
	return carrier
}

func stringAttr(s string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(s),
	}
}
