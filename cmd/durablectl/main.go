//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Command durablectl inspects the checkpoint snapshots of durable runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Sprint(err))
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	backend    string
	dsn        string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "durablectl",
		Short:         "Inspect durable workflow runs",
		Long:          "durablectl lists, shows and deletes the checkpoint snapshots written by durable workflow runs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "path to a YAML configuration file")
	pf.StringVar(&f.backend, "backend", "", "checkpoint backend (memory, sqlite, redis); overrides the config file")
	pf.StringVar(&f.dsn, "dsn", "", "checkpoint DSN; overrides the config file")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.AddCommand(newRunsCmd(f))
	return root
}

// openStore resolves the configuration from the flags and opens its store.
func (f *rootFlags) openStore() (checkpoint.Store, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.backend != "" {
		cfg.Checkpoint.Backend = f.backend
	}
	if f.dsn != "" {
		cfg.Checkpoint.DSN = f.dsn
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.Apply(cfg)
	return config.OpenStore(cfg)
}
