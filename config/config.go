//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package config loads the YAML configuration of a durable runtime
// deployment and turns it into stores, workflow options and telemetry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Checkpoint backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel   string           `yaml:"log_level" validate:"omitempty,oneof=debug info warn error fatal"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Callback   CallbackConfig   `yaml:"callback"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// CheckpointConfig selects where snapshots are written.
type CheckpointConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=memory sqlite redis"`
	// DSN is a file path or sqlite URI for sqlite, a redis:// URL for redis.
	DSN          string        `yaml:"dsn" validate:"required_unless=Backend memory"`
	FlushTimeout time.Duration `yaml:"flush_timeout" validate:"gte=0"`
	RedisPrefix  string        `yaml:"redis_prefix"`
	RedisTTL     time.Duration `yaml:"redis_ttl" validate:"gte=0"`
}

// RuntimeConfig tunes workflow execution.
type RuntimeConfig struct {
	// MaxRestores is the default restore budget of checkpoint markers.
	MaxRestores int `yaml:"max_restores" validate:"gte=0"`
}

// CallbackConfig configures the HTTP callback host.
type CallbackConfig struct {
	// BaseURL is the externally visible address of the callback host,
	// such as "https://durable.example.com".
	BaseURL    string `yaml:"base_url" validate:"omitempty,url"`
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`
}

// TelemetryConfig points the OTLP exporters at a collector. Endpoints are
// "host:port" or http(s) URLs.
type TelemetryConfig struct {
	TracesEndpoint  string            `yaml:"traces_endpoint"`
	MetricsEndpoint string            `yaml:"metrics_endpoint"`
	Protocol        string            `yaml:"protocol" validate:"omitempty,oneof=grpc http"`
	Headers         map[string]string `yaml:"headers"`
	ServiceName     string            `yaml:"service_name"`
	// SampleRatio is the share of runs traced; Default sets 1.
	SampleRatio     float64           `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Checkpoint: CheckpointConfig{
			Backend: BackendMemory,
		},
		Runtime:   RuntimeConfig{MaxRestores: 3},
		Telemetry: TelemetryConfig{SampleRatio: 1},
	}
}

// Load reads, expands and validates the file at path. ${VAR} references
// are replaced from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse YAML: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
