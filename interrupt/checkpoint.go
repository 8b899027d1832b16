//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/engine"
	"trpc.group/trpc-go/trpc-durable-go/log"
	"trpc.group/trpc-go/trpc-durable-go/schema"
	"trpc.group/trpc-go/trpc-durable-go/telemetry/metric"
)

// NameCheckpoint is the node name of checkpoint markers.
const NameCheckpoint = "Checkpoint"

// DefaultMaxRestores bounds how often one marker can be restored unless
// SetMaxRestores or WithMaxRestores says otherwise.
const DefaultMaxRestores = 3

var maxRestores atomic.Int64

// SetMaxRestores sets the restore budget of markers created afterwards.
// Non-positive n restores DefaultMaxRestores. Safe for concurrent use.
func SetMaxRestores(n int) {
	maxRestores.Store(int64(max(n, 0)))
}

// MaxRestores returns the restore budget given to new markers.
func MaxRestores() int {
	if n := maxRestores.Load(); n > 0 {
		return int(n)
	}
	return DefaultMaxRestores
}

// ErrDuplicateCheckpointLabel is returned when two markers of one attempt
// share a label.
var ErrDuplicateCheckpointLabel = errors.New("interrupt: duplicate checkpoint label")

var noOpts checkpoint.ComponentOpts

// MaxRestoresError is returned by Restore once a marker used up its
// restores. Nothing is re-executed.
type MaxRestoresError struct {
	Label       string
	MaxRestores int
}

// Error implements error.
func (e *MaxRestoresError) Error() string {
	return fmt.Sprintf("interrupt: checkpoint %q reached its limit of %d restores", e.Label, e.MaxRestores)
}

// RestoreSignal unwinds a run to a checkpoint marker. It must be returned
// up to the workflow, which starts the next attempt.
type RestoreSignal struct {
	NodeID string
	Label  string
	// Sequence is the marker's sequence number. Completed nodes sequenced
	// before it are replayed by the next attempt.
	Sequence     int64
	Feedback     any
	RestoreCount int
}

// Error implements error.
func (s *RestoreSignal) Error() string {
	return fmt.Sprintf("interrupt: restore to checkpoint %q (restore %d)", s.Label, s.RestoreCount)
}

// AsRestoreSignal extracts a restore signal from err.
func AsRestoreSignal(err error) (*RestoreSignal, bool) {
	var sig *RestoreSignal
	if errors.As(err, &sig) {
		return sig, true
	}
	return nil, false
}

// CheckpointOption configures CreateCheckpoint.
type CheckpointOption func(*checkpointOptions)

type checkpointOptions struct {
	maxRestores int
}

// WithMaxRestores bounds how often the marker can be restored.
func WithMaxRestores(n int) CheckpointOption {
	return func(o *checkpointOptions) { o.maxRestores = n }
}

// Checkpoint is a labelled marker in the execution tree.
type Checkpoint struct {
	NodeID string
	Label  string
	// Feedback is what the last Restore of this marker passed in, nil on
	// the first attempt.
	Feedback     any
	RestoreCount int
	MaxRestores  int

	run      *engine.Run
	sequence int64
}

type marker struct {
	Label        string `json:"label"`
	Feedback     any    `json:"feedback,omitempty"`
	RestoreCount int    `json:"restoreCount"`
	MaxRestores  int    `json:"maxRestores"`
}

// CreateCheckpoint records a marker the run can later be rewound to.
// Labels are unique within one attempt.
func CreateCheckpoint(ctx context.Context, label string, opts ...CheckpointOption) (*Checkpoint, error) {
	o := checkpointOptions{maxRestores: MaxRestores()}
	for _, opt := range opts {
		opt(&o)
	}
	node, err := engine.NewNode(ctx, NameCheckpoint)
	if err != nil {
		return nil, err
	}
	run := node.Run
	if !run.ClaimLabel(label, node.ID) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateCheckpointLabel, label)
	}

	m := marker{Label: label, MaxRestores: o.maxRestores}
	if state, ok := run.Marker(node.ID); ok {
		m.Feedback = state.Feedback
		m.RestoreCount = state.RestoreCount
	} else if rec, ok := node.Recorded(); ok && rec.Output != nil {
		if prev, err := schema.Decode[marker](rec.Output.Value); err == nil && prev.Label == label {
			if err := node.Replay(ctx); err == nil {
				return &Checkpoint{
					NodeID:       node.ID,
					Label:        label,
					Feedback:     prev.Feedback,
					RestoreCount: prev.RestoreCount,
					MaxRestores:  prev.MaxRestores,
					run:          run,
					sequence:     node.Sequence,
				}, nil
			}
		}
	}

	if _, err := node.Start(ctx, map[string]any{"label": label, "maxRestores": o.maxRestores},
		map[string]any{"kind": "checkpoint"}, noOpts); err != nil {
		return nil, fmt.Errorf("interrupt: %w", err)
	}
	node.Finish(ctx, m, nil)
	return &Checkpoint{
		NodeID:       node.ID,
		Label:        label,
		Feedback:     m.Feedback,
		RestoreCount: m.RestoreCount,
		MaxRestores:  m.MaxRestores,
		run:          run,
		sequence:     node.Sequence,
	}, nil
}

// Restore rewinds the run to this marker and hands feedback to the next
// attempt. It returns a *RestoreSignal the caller must return, or a
// *MaxRestoresError once the marker was restored MaxRestores times.
func (c *Checkpoint) Restore(ctx context.Context, feedback any) error {
	if c.RestoreCount >= c.MaxRestores {
		return &MaxRestoresError{Label: c.Label, MaxRestores: c.MaxRestores}
	}
	if err := c.run.Checkpoints.WaitForPendingUpdates(ctx); err != nil {
		return fmt.Errorf("interrupt: flush before restore: %w", err)
	}
	if err := c.run.Host.OnRestoreCheckpoint(ctx, &engine.RestoreRequest{
		RunID:        c.run.ID,
		NodeID:       c.NodeID,
		Label:        c.Label,
		Feedback:     feedback,
		RestoreCount: c.RestoreCount,
		MaxRestores:  c.MaxRestores,
	}); err != nil {
		return fmt.Errorf("interrupt: restore vetoed: %w", err)
	}
	metric.RecordRestore(ctx, c.run.WorkflowName)
	log.Infof("interrupt: run %s restoring to checkpoint %q", c.run.ID, c.Label)
	return &RestoreSignal{
		NodeID:       c.NodeID,
		Label:        c.Label,
		Sequence:     c.sequence,
		Feedback:     feedback,
		RestoreCount: c.RestoreCount + 1,
	}
}
