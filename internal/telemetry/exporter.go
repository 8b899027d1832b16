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
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// Default collector addresses per protocol.
const (
	DefaultGRPCEndpoint = "localhost:4317"
	DefaultHTTPEndpoint = "localhost:4318"
)

// Endpoint is a parsed OTLP collector address.
type Endpoint struct {
	// Host is host:port.
	Host string
	// Path is the URL path of HTTP endpoints; empty means the exporter
	// default.
	Path string
	// Secure is set for https URLs.
	Secure bool
}

// ParseEndpoint accepts "host:port" or an http or https URL such as
// "https://collector.example.com/otlp/v1/traces".
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return Endpoint{Host: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("telemetry: parse endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("telemetry: unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("telemetry: no host in endpoint %q", raw)
	}
	ep := Endpoint{Host: u.Host, Secure: u.Scheme == "https"}
	if u.Path != "/" {
		ep.Path = u.Path
	}
	return ep, nil
}

// EnvEndpoint returns the collector address for signal ("TRACES" or
// "METRICS") from the OTEL_EXPORTER_OTLP_* variables, falling back to the
// protocol default.
func EnvEndpoint(signal, protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_" + signal + "_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if protocol == ProtocolHTTP {
		return DefaultHTTPEndpoint
	}
	return DefaultGRPCEndpoint
}

// NewResource describes the process exporting telemetry.
func NewResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = ServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(ServiceNamespace),
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	return res, nil
}
