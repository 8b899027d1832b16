//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed checkpoint store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the pure Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
)

const (
	sqliteCreateSnapshots = "CREATE TABLE IF NOT EXISTS checkpoint_snapshots (" +
		"run_id TEXT NOT NULL PRIMARY KEY, " +
		"workflow_name TEXT NOT NULL, " +
		"seq INTEGER NOT NULL, " +
		"updated_at INTEGER NOT NULL, " +
		"snapshot_json BLOB NOT NULL" +
		")"

	// Never regress to an older snapshot of the same run.
	sqliteUpsertSnapshot = "INSERT INTO checkpoint_snapshots " +
		"(run_id, workflow_name, seq, updated_at, snapshot_json) VALUES (?, ?, ?, ?, ?) " +
		"ON CONFLICT(run_id) DO UPDATE SET " +
		"workflow_name = excluded.workflow_name, seq = excluded.seq, " +
		"updated_at = excluded.updated_at, snapshot_json = excluded.snapshot_json " +
		"WHERE excluded.seq >= checkpoint_snapshots.seq"

	sqliteSelectSnapshot = "SELECT snapshot_json FROM checkpoint_snapshots WHERE run_id = ?"

	sqliteListSnapshots = "SELECT run_id, workflow_name, seq, updated_at " +
		"FROM checkpoint_snapshots ORDER BY updated_at DESC"

	sqliteDeleteSnapshot = "DELETE FROM checkpoint_snapshots WHERE run_id = ?"
)

// Store is a SQLite-backed checkpoint.Store.
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// NewStore uses an initialized *sql.DB and creates the schema.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlite: db is nil")
	}
	if _, err := db.Exec(sqliteCreateSnapshots); err != nil {
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens the database at dsn with the modernc driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Save upserts snap.
func (s *Store) Save(ctx context.Context, snap *checkpoint.Snapshot) error {
	data, err := snap.Marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqliteUpsertSnapshot,
		snap.RunID, snap.WorkflowName, snap.Sequence, snap.UpdatedAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("sqlite: save snapshot %s: %w", snap.RunID, err)
	}
	return nil
}

// Load returns the stored snapshot of runID.
func (s *Store) Load(ctx context.Context, runID string) (*checkpoint.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, sqliteSelectSnapshot, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load snapshot %s: %w", runID, err)
	}
	return checkpoint.UnmarshalSnapshot(data)
}

// List returns stored runs, most recently updated first.
func (s *Store) List(ctx context.Context) ([]checkpoint.Info, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListSnapshots)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots: %w", err)
	}
	defer rows.Close()
	var out []checkpoint.Info
	for rows.Next() {
		var (
			info    checkpoint.Info
			updated int64
		)
		if err := rows.Scan(&info.RunID, &info.WorkflowName, &info.Sequence, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot row: %w", err)
		}
		info.UpdatedAt = time.Unix(0, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes runID.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, sqliteDeleteSnapshot, runID); err != nil {
		return fmt.Errorf("sqlite: delete snapshot %s: %w", runID, err)
	}
	return nil
}

// Close closes the database when the store opened it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
