//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package trace provides OpenTelemetry tracing for workflow runs and
// component invocations.
package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	itelemetry "trpc.group/trpc-go/trpc-durable-go/internal/telemetry"
)

// TracerProvider is the provider behind Tracer. It is a no-op until Start.
var TracerProvider trace.TracerProvider = noop.NewTracerProvider()

// Tracer starts the workflow and component spans.
var Tracer trace.Tracer = TracerProvider.Tracer(itelemetry.InstrumentName)

// Option configures Start.
type Option func(*options)

type options struct {
	endpoint    string
	protocol    string
	headers     map[string]string
	serviceName string
	sampleRatio float64
}

// WithEndpoint sets the collector address, either "host:port" or a URL
// such as "https://otel.example.com/v1/traces". Without it the
// OTEL_EXPORTER_OTLP_TRACES_ENDPOINT and OTEL_EXPORTER_OTLP_ENDPOINT
// variables are read, then the protocol default.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithProtocol selects "grpc" (default) or "http" export.
func WithProtocol(protocol string) Option {
	return func(o *options) {
		if protocol != "" {
			o.protocol = protocol
		}
	}
}

// WithHeaders adds headers, such as collector credentials, to every export.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) { o.headers = headers }
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithSampleRatio samples root spans at ratio, clamped to [0, 1]. Child
// spans follow their parent.
func WithSampleRatio(ratio float64) Option {
	return func(o *options) { o.sampleRatio = min(max(ratio, 0), 1) }
}

// Start installs an OTLP exporting tracer provider as TracerProvider and
// as the otel global. The returned func flushes pending spans, shuts the
// exporter down and restores the no-op tracer.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	o := &options{
		protocol:    itelemetry.ProtocolGRPC,
		serviceName: itelemetry.ServiceName,
		sampleRatio: 1,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.endpoint == "" {
		o.endpoint = itelemetry.EnvEndpoint("TRACES", o.protocol)
	}
	ep, err := itelemetry.ParseEndpoint(o.endpoint)
	if err != nil {
		return nil, err
	}
	res, err := itelemetry.NewResource(ctx, o.serviceName)
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, ep, o)
	if err != nil {
		return nil, fmt.Errorf("trace: create %s exporter for %s: %w", o.protocol, ep.Host, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.sampleRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	TracerProvider = tp
	Tracer = tp.Tracer(itelemetry.InstrumentName)

	return func() error {
		TracerProvider = noop.NewTracerProvider()
		Tracer = TracerProvider.Tracer(itelemetry.InstrumentName)
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("trace: shutdown: %w", err)
		}
		return nil
	}, nil
}

func newExporter(ctx context.Context, ep itelemetry.Endpoint, o *options) (sdktrace.SpanExporter, error) {
	switch o.protocol {
	case itelemetry.ProtocolHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(ep.Host),
			otlptracehttp.WithHeaders(o.headers),
		}
		if ep.Path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(ep.Path))
		}
		if !ep.Secure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	case itelemetry.ProtocolGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithHeaders(o.headers)}
		if ep.Secure {
			opts = append(opts, otlptracegrpc.WithEndpoint(ep.Host))
		} else {
			conn, err := itelemetry.NewGRPCConn(ep.Host)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracegrpc.WithGRPCConn(conn))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", o.protocol)
	}
}
