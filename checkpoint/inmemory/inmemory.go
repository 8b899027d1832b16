//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory checkpoint store for tests and
// single-process runs.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
)

type entry struct {
	info checkpoint.Info
	data []byte
}

// Store keeps serialized snapshots in a map.
type Store struct {
	mu   sync.RWMutex
	runs map[string]entry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{runs: make(map[string]entry)}
}

// Save stores snap unless a newer snapshot of the same run is present.
func (s *Store) Save(ctx context.Context, snap *checkpoint.Snapshot) error {
	data, err := snap.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.runs[snap.RunID]; ok && cur.info.Sequence > snap.Sequence {
		return nil
	}
	s.runs[snap.RunID] = entry{info: snap.Info(), data: data}
	return nil
}

// Load returns a private copy of the latest snapshot of runID.
func (s *Store) Load(ctx context.Context, runID string) (*checkpoint.Snapshot, error) {
	s.mu.RLock()
	e, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, checkpoint.ErrSnapshotNotFound
	}
	return checkpoint.UnmarshalSnapshot(e.data)
}

// List returns stored runs, most recently updated first.
func (s *Store) List(ctx context.Context) ([]checkpoint.Info, error) {
	s.mu.RLock()
	out := make([]checkpoint.Info, 0, len(s.runs))
	for _, e := range s.runs {
		out = append(out, e.info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes runID.
func (s *Store) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
