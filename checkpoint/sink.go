//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package checkpoint

import (
	"context"
	"errors"
)

// ErrSnapshotNotFound is returned by stores for unknown run ids.
var ErrSnapshotNotFound = errors.New("checkpoint: snapshot not found")

// Sink receives snapshots as the tree changes. Saves for one run arrive
// one at a time with non-decreasing sequence numbers.
type Sink interface {
	Save(ctx context.Context, snap *Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, snap *Snapshot) error

// Save implements Sink.
func (f SinkFunc) Save(ctx context.Context, snap *Snapshot) error {
	return f(ctx, snap)
}

// Store is a Sink that can read snapshots back.
type Store interface {
	Sink
	// Load returns the latest snapshot of runID or ErrSnapshotNotFound.
	Load(ctx context.Context, runID string) (*Snapshot, error)
	// List returns stored runs, most recently updated first.
	List(ctx context.Context) ([]Info, error)
	// Delete removes the snapshot of runID.
	Delete(ctx context.Context, runID string) error
	// Close releases the store.
	Close() error
}
