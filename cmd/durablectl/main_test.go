//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint/sqlite"
	"trpc.group/trpc-go/trpc-durable-go/component"
	"trpc.group/trpc-go/trpc-durable-go/workflow"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// seed runs two workflows against a sqlite database and returns its path.
func seed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	store, err := sqlite.Open(path)
	require.NoError(t, err)
	defer store.Close()

	fetch := component.New("fetch", func(_ context.Context, q string) (string, error) {
		return "page " + q, nil
	})
	ok := workflow.New("research", func(ctx context.Context, q string) (string, error) {
		return fetch.Call(ctx, q)
	}, workflow.WithStore(store))
	_, err = ok.Run(context.Background(), "go", workflow.WithRunID("run-ok"))
	require.NoError(t, err)

	failing := workflow.New("broken", func(ctx context.Context, _ string) (string, error) {
		return "", errors.New("quota exceeded")
	}, workflow.WithStore(store))
	_, err = failing.Run(context.Background(), "", workflow.WithRunID("run-bad"))
	require.Error(t, err)
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunsList(t *testing.T) {
	dsn := seed(t)
	out, err := execute(t, "", "runs", "list", "--backend", "sqlite", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, "run-ok")
	assert.Contains(t, out, "research")
	assert.Contains(t, out, "run-bad")

	out, err = execute(t, "", "runs", "list", "--backend", "sqlite", "--dsn", dsn, "-n", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "run-"))
}

func TestRunsList_Empty(t *testing.T) {
	out, err := execute(t, "", "runs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found.")
}

func TestRunsShow(t *testing.T) {
	dsn := seed(t)
	out, err := execute(t, "", "runs", "show", "run-ok", "--backend", "sqlite", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-ok")
	assert.Contains(t, out, "Workflow:  research")
	assert.Contains(t, out, "research #1 completed")
	assert.Contains(t, out, "  fetch #2 completed")

	out, err = execute(t, "", "runs", "show", "run-bad", "--backend", "sqlite", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "broken #1 failed")
	assert.Contains(t, out, "quota exceeded")

	out, err = execute(t, "", "runs", "show", "run-ok", "--json", "--backend", "sqlite", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, `"runId": "run-ok"`)

	_, err = execute(t, "", "runs", "show", "missing", "--backend", "sqlite", "--dsn", dsn)
	assert.EqualError(t, err, "run missing not found")
}

func TestRunsDelete(t *testing.T) {
	dsn := seed(t)
	out, err := execute(t, "n\n", "runs", "delete", "run-ok", "--backend", "sqlite", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "Deletion cancelled.")

	out, err = execute(t, "yes\n", "runs", "delete", "run-ok", "--backend", "sqlite", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-ok deleted.")

	_, err = execute(t, "", "runs", "delete", "run-ok", "-y", "--backend", "sqlite", "--dsn", dsn)
	assert.EqualError(t, err, "run run-ok not found")
}

func TestConfigFile(t *testing.T) {
	dsn := seed(t)
	path := filepath.Join(t.TempDir(), "durable.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint:\n  backend: sqlite\n  dsn: "+dsn+"\n"), 0o600))
	out, err := execute(t, "", "runs", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "run-bad")

	_, err = execute(t, "", "runs", "list", "--backend", "sqlite")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint.dsn is required")
}
