//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package metric provides the OpenTelemetry meter and the counters recorded
// by the durable runtime.
package metric

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"trpc.group/trpc-go/trpc-durable-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-durable-go/log"
)

// Counter names.
const (
	NameComponentCalls = "durable.component.calls"
	NameSuspensions    = "durable.suspensions"
	NameRestores       = "durable.restores"
)

// Component call statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusReplayed = "replayed"
	StatusPending  = "pending"
)

var (
	// Meter is the global OpenTelemetry meter for trpc-durable-go.
	Meter metric.Meter = noopm.Meter{}

	mu          sync.Mutex
	instruments *counters
)

type counters struct {
	meter       metric.Meter
	calls       metric.Int64Counter
	suspensions metric.Int64Counter
	restores    metric.Int64Counter
}

// Option configures Start.
type Option func(*options)

type options struct {
	endpoint    string
	protocol    string
	headers     map[string]string
	serviceName string
}

// WithEndpoint sets the collector address, either "host:port" or a URL
// such as "https://otel.example.com/v1/metrics". Without it the
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT and OTEL_EXPORTER_OTLP_ENDPOINT
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

// WithHeaders adds headers to every export.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) { o.headers = headers }
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// Start installs a meter provider that periodically exports to an OTLP
// collector and points Meter at it. The returned func flushes, shuts the
// exporter down and restores the no-op meter.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	o := &options{
		protocol:    telemetry.ProtocolGRPC,
		serviceName: telemetry.ServiceName,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.endpoint == "" {
		o.endpoint = telemetry.EnvEndpoint("METRICS", o.protocol)
	}
	ep, err := telemetry.ParseEndpoint(o.endpoint)
	if err != nil {
		return nil, err
	}
	res, err := telemetry.NewResource(ctx, o.serviceName)
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, ep, o)
	if err != nil {
		return nil, fmt.Errorf("metric: create %s exporter for %s: %w", o.protocol, ep.Host, err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	Meter = mp.Meter(telemetry.InstrumentName)
	return func() error {
		Meter = noopm.Meter{}
		if err := mp.Shutdown(ctx); err != nil {
			return fmt.Errorf("metric: shutdown: %w", err)
		}
		return nil
	}, nil
}

func newExporter(ctx context.Context, ep telemetry.Endpoint, o *options) (sdkmetric.Exporter, error) {
	switch o.protocol {
	case telemetry.ProtocolHTTP:
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(ep.Host),
			otlpmetrichttp.WithHeaders(o.headers),
		}
		if ep.Path != "" {
			opts = append(opts, otlpmetrichttp.WithURLPath(ep.Path))
		}
		if !ep.Secure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	case telemetry.ProtocolGRPC:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithHeaders(o.headers)}
		if ep.Secure {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(ep.Host))
		} else {
			conn, err := telemetry.NewGRPCConn(ep.Host)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlpmetricgrpc.WithGRPCConn(conn))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", o.protocol)
	}
}

// current returns the counters bound to the current Meter, rebuilding them
// when Meter has been replaced.
func current() *counters {
	mu.Lock()
	defer mu.Unlock()
	if instruments != nil && instruments.meter == Meter {
		return instruments
	}
	c := &counters{meter: Meter}
	var err error
	if c.calls, err = Meter.Int64Counter(NameComponentCalls,
		metric.WithDescription("Component invocations by component and status"),
		metric.WithUnit("{call}"),
	); err != nil {
		log.Warnf("metric: create %s: %v", NameComponentCalls, err)
		c.calls = noopm.Int64Counter{}
	}
	if c.suspensions, err = Meter.Int64Counter(NameSuspensions,
		metric.WithDescription("Runs suspended waiting for out-of-band input"),
		metric.WithUnit("{suspension}"),
	); err != nil {
		log.Warnf("metric: create %s: %v", NameSuspensions, err)
		c.suspensions = noopm.Int64Counter{}
	}
	if c.restores, err = Meter.Int64Counter(NameRestores,
		metric.WithDescription("Checkpoint restores"),
		metric.WithUnit("{restore}"),
	); err != nil {
		log.Warnf("metric: create %s: %v", NameRestores, err)
		c.restores = noopm.Int64Counter{}
	}
	instruments = c
	return c
}

// RecordComponentCall counts one component invocation.
func RecordComponentCall(ctx context.Context, component, status string) {
	current().calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String(telemetry.KeyComponentName, component),
		attribute.String(telemetry.KeyStatus, status),
	))
}

// RecordSuspension counts one suspension of the given kind.
func RecordSuspension(ctx context.Context, kind string) {
	current().suspensions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(telemetry.KeyKind, kind),
	))
}

// RecordRestore counts one checkpoint restore.
func RecordRestore(ctx context.Context, workflow string) {
	current().restores.Add(ctx, 1, metric.WithAttributes(
		attribute.String(telemetry.KeyWorkflowName, workflow),
	))
}
