//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(runID string, seq int64, at time.Time) *checkpoint.Snapshot {
	return &checkpoint.Snapshot{
		Version:      checkpoint.SnapshotVersion,
		RunID:        runID,
		WorkflowName: "wf",
		Sequence:     seq,
		UpdatedAt:    at,
		Root: &checkpoint.ExecutionNode{
			ID:            "wf:1",
			ComponentName: "wf",
			Props:         json.RawMessage(`{"q":"hi"}`),
		},
	}
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.Save(ctx, snapshot("a", 2, time.Now())))

	got, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Sequence)
	assert.Equal(t, map[string]any{"q": "hi"}, got.Root.Props)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrSnapshotNotFound)
}

func TestStore_NeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.Save(ctx, snapshot("a", 7, time.Now())))
	require.NoError(t, s.Save(ctx, snapshot("a", 3, time.Now())))
	got, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Sequence)

	require.NoError(t, s.Save(ctx, snapshot("a", 9, time.Now())))
	got, err = s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Sequence)
}

func TestStore_ListDelete(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	base := time.Now()
	require.NoError(t, s.Save(ctx, snapshot("old", 1, base)))
	require.NoError(t, s.Save(ctx, snapshot("new", 1, base.Add(time.Minute))))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "new", infos[0].RunID)
	assert.Equal(t, "wf", infos[0].WorkflowName)
	assert.WithinDuration(t, base.Add(time.Minute), infos[0].UpdatedAt, time.Millisecond)

	require.NoError(t, s.Delete(ctx, "new"))
	infos, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "old", infos[0].RunID)
}

func TestNewStore_SharedDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	defer db.Close()

	s, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, db.Ping(), "store must not close a db it does not own")

	_, err = NewStore(nil)
	assert.Error(t, err)
}
