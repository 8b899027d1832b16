//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-durable-go/callback"
	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-durable-go/checkpoint/redis"
	"trpc.group/trpc-go/trpc-durable-go/checkpoint/sqlite"
	"trpc.group/trpc-go/trpc-durable-go/interrupt"
	"trpc.group/trpc-go/trpc-durable-go/log"
	"trpc.group/trpc-go/trpc-durable-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-durable-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-durable-go/workflow"
)

// OpenStore opens the configured checkpoint store.
func OpenStore(cfg *Config) (checkpoint.Store, error) {
	c := cfg.Checkpoint
	switch c.Backend {
	case BackendMemory, "":
		return inmemory.NewStore(), nil
	case BackendSQLite:
		return sqlite.Open(c.DSN)
	case BackendRedis:
		opts := []redis.Option{redis.WithURL(c.DSN)}
		if c.RedisPrefix != "" {
			opts = append(opts, redis.WithPrefix(c.RedisPrefix))
		}
		if c.RedisTTL > 0 {
			opts = append(opts, redis.WithTTL(c.RedisTTL))
		}
		return redis.NewStore(opts...)
	default:
		return nil, fmt.Errorf("config: unknown checkpoint backend %q", c.Backend)
	}
}

// Apply sets process-wide defaults: the log level and the restore budget
// of checkpoint markers.
func Apply(cfg *Config) {
	if cfg.LogLevel != "" {
		log.SetLevel(cfg.LogLevel)
	}
	if cfg.Runtime.MaxRestores > 0 {
		interrupt.SetMaxRestores(cfg.Runtime.MaxRestores)
	}
}

// WorkflowOptions returns the run options implied by cfg. The store is
// passed in so callers control its lifetime.
func WorkflowOptions(cfg *Config, store checkpoint.Sink) []workflow.Option {
	var opts []workflow.Option
	if store != nil {
		opts = append(opts, workflow.WithStore(store))
	}
	if cfg.Checkpoint.FlushTimeout > 0 {
		opts = append(opts, workflow.WithFlushTimeout(cfg.Checkpoint.FlushTimeout))
	}
	if cfg.Callback.BaseURL != "" {
		opts = append(opts, workflow.WithCallbackBaseURL(strings.TrimRight(cfg.Callback.BaseURL, "/")+callback.PathPrefix))
	}
	return opts
}

// CallbackServer builds the callback host addressed by cfg.Callback.BaseURL.
func CallbackServer(cfg *Config, opts ...callback.Option) *callback.Server {
	if cfg.Callback.BaseURL != "" {
		opts = append([]callback.Option{callback.WithBaseURL(cfg.Callback.BaseURL)}, opts...)
	}
	return callback.New(opts...)
}

// ServeCallbacks serves srv on cfg.Callback.ListenAddr until ctx is done.
func ServeCallbacks(ctx context.Context, cfg *Config, srv *callback.Server) error {
	if cfg.Callback.ListenAddr == "" {
		return errors.New("config: callback.listen_addr is not set")
	}
	return srv.ListenAndServe(ctx, cfg.Callback.ListenAddr)
}

// StartTelemetry starts the exporters that have an endpoint configured.
// The returned func shuts them down.
func StartTelemetry(ctx context.Context, cfg *Config) (func() error, error) {
	var cleans []func() error
	clean := func() error {
		var errs []error
		for _, c := range cleans {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	t := cfg.Telemetry
	if t.TracesEndpoint != "" {
		c, err := trace.Start(ctx,
			trace.WithEndpoint(t.TracesEndpoint),
			trace.WithProtocol(t.Protocol),
			trace.WithHeaders(t.Headers),
			trace.WithServiceName(t.ServiceName),
			trace.WithSampleRatio(t.SampleRatio),
		)
		if err != nil {
			return clean, fmt.Errorf("config: start tracing: %w", err)
		}
		cleans = append(cleans, c)
	}
	if t.MetricsEndpoint != "" {
		c, err := metric.Start(ctx,
			metric.WithEndpoint(t.MetricsEndpoint),
			metric.WithProtocol(t.Protocol),
			metric.WithHeaders(t.Headers),
			metric.WithServiceName(t.ServiceName),
		)
		if err != nil {
			return clean, fmt.Errorf("config: start metrics: %w", err)
		}
		cleans = append(cleans, c)
	}
	if len(cleans) > 0 {
		log.Infof("config: telemetry started (traces=%q metrics=%q protocol=%q)", t.TracesEndpoint, t.MetricsEndpoint, t.Protocol)
	}
	return clean, nil
}
