//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the span names, attribute keys and helpers shared
// by the trace and metric packages of trpc-durable-go.
package telemetry

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// telemetry service constants.
const (
	ServiceName      = "telemetry"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-durable-go"
	InstrumentName   = "trpc.durable.go"

	SpanNamePrefixWorkflowRun = "workflow.run"
	SpanNamePrefixComponent   = "component"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attributes constants.
var (
	KeyRunID         = "trpc.durable.run_id"
	KeyWorkflowName  = "trpc.durable.workflow_name"
	KeyAttempt       = "trpc.durable.attempt"
	KeyNodeID        = "trpc.durable.node_id"
	KeyParentID      = "trpc.durable.parent_id"
	KeySequence      = "trpc.durable.sequence"
	KeyComponentName = "trpc.durable.component"
	KeyReplayed      = "trpc.durable.replayed"
	KeyStatus        = "trpc.durable.status"
	KeyKind          = "trpc.durable.kind"
	KeyProps         = "trpc.durable.props"
)

// NewWorkflowSpanName returns the span name of a workflow run.
func NewWorkflowSpanName(workflow string) string {
	return spanName(SpanNamePrefixWorkflowRun, workflow)
}

// NewComponentSpanName returns the span name of one component invocation.
func NewComponentSpanName(component string) string {
	return spanName(SpanNamePrefixComponent, component)
}

func spanName(prefix, name string) string {
	if name == "" {
		return prefix
	}
	return prefix + " " + name
}

// TraceWorkflowRun annotates a workflow span.
func TraceWorkflowRun(span trace.Span, runID, workflow string, attempt int) {
	span.SetAttributes(
		attribute.String(KeyRunID, runID),
		attribute.String(KeyWorkflowName, workflow),
		attribute.Int(KeyAttempt, attempt),
	)
}

// TraceComponent annotates a component span. Props are only attached when
// the component declares no secret props.
func TraceComponent(span trace.Span, runID, nodeID, parentID string, seq int64, replayed bool, props any, secret bool) {
	span.SetAttributes(
		attribute.String(KeyRunID, runID),
		attribute.String(KeyNodeID, nodeID),
		attribute.String(KeyParentID, parentID),
		attribute.Int64(KeySequence, seq),
		attribute.Bool(KeyReplayed, replayed),
	)
	if secret {
		return
	}
	if bts, err := json.Marshal(props); err == nil {
		span.SetAttributes(attribute.String(KeyProps, string(bts)))
	} else {
		span.SetAttributes(attribute.String(KeyProps, "<not json serializable>"))
	}
}

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// Insecure transport; put a TLS-terminating collector in front in production.
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
