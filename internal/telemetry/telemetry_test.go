//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpanNames(t *testing.T) {
	assert.Equal(t, "workflow.run summarize", NewWorkflowSpanName("summarize"))
	assert.Equal(t, "workflow.run", NewWorkflowSpanName(""))
	assert.Equal(t, "component fetch", NewComponentSpanName("fetch"))
}

func TestTraceComponent(t *testing.T) {
	tests := []struct {
		name      string
		secret    bool
		wantProps bool
	}{
		{name: "plain props", wantProps: true},
		{name: "secret props", secret: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
			_, span := tp.Tracer("test").Start(context.Background(), NewComponentSpanName("fetch"))
			TraceComponent(span, "run-1", "fetch:01", "", 3, false, map[string]any{"q": "hi"}, tt.secret)
			span.End()

			spans := rec.Ended()
			require.Len(t, spans, 1)
			attrs := map[attribute.Key]attribute.Value{}
			for _, kv := range spans[0].Attributes() {
				attrs[kv.Key] = kv.Value
			}
			assert.Equal(t, "run-1", attrs[attribute.Key(KeyRunID)].AsString())
			assert.Equal(t, int64(3), attrs[attribute.Key(KeySequence)].AsInt64())
			_, ok := attrs[attribute.Key(KeyProps)]
			assert.Equal(t, tt.wantProps, ok)
		})
	}
}

func TestTraceWorkflowRun(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("test").Start(context.Background(), NewWorkflowSpanName("wf"))
	TraceWorkflowRun(span, "run-1", "wf", 2)
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "workflow.run wf", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Int(KeyAttempt, 2))
}
