package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError records err on the span and marks it failed.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(
		attrs...,
	))
}

// TaskAttributes are the attributes attached to every dispatch and completion span.
func TaskAttributes(taskID, workflowID, agent string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TaskIDKey, taskID),
		attribute.String(WorkflowIDKey, workflowID),
		attribute.String(AgentKey, agent),
	}
}
