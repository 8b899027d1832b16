//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package engine holds the per-run state shared by components and the
// host surface that suspends and resumes them.
package engine

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/event"
)

// ErrNoRun is returned by helpers called outside a workflow run.
var ErrNoRun = errors.New("engine: no workflow run in context")

// MarkerState is what a checkpoint marker carries into a restored attempt.
type MarkerState struct {
	Feedback     any
	RestoreCount int
}

// Run is the state of one attempt of a workflow run.
type Run struct {
	ID           string
	WorkflowName string
	// Attempt counts restores, starting at 0.
	Attempt     int
	Checkpoints *checkpoint.Manager
	Bus         *event.Bus
	Host        Host

	callbackBase string
	replay       map[string]*checkpoint.ExecutionNode
	markers      map[string]MarkerState

	mu     sync.Mutex
	labels map[string]string
}

// RunOption configures a Run.
type RunOption func(*Run)

// WithHost sets the host. NoopHost is used by default.
func WithHost(h Host) RunOption {
	return func(r *Run) {
		if h != nil {
			r.Host = h
		}
	}
}

// WithCallbackBaseURL sets the base of callback addresses.
func WithCallbackBaseURL(base string) RunOption {
	return func(r *Run) { r.callbackBase = strings.TrimRight(base, "/") }
}

// WithReplay sets the recorded nodes that stand in for re-execution.
func WithReplay(idx map[string]*checkpoint.ExecutionNode) RunOption {
	return func(r *Run) { r.replay = idx }
}

// WithMarkers sets the state of restored checkpoint markers.
func WithMarkers(m map[string]MarkerState) RunOption {
	return func(r *Run) { r.markers = m }
}

// WithAttempt sets the attempt number.
func WithAttempt(n int) RunOption {
	return func(r *Run) { r.Attempt = n }
}

// NewRun creates the state of one attempt.
func NewRun(id, workflowName string, mgr *checkpoint.Manager, bus *event.Bus, opts ...RunOption) *Run {
	r := &Run{
		ID:           id,
		WorkflowName: workflowName,
		Checkpoints:  mgr,
		Bus:          bus,
		Host:         NoopHost{},
		labels:       map[string]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type runKey struct{}

// NewContext returns a copy of ctx carrying r.
func NewContext(ctx context.Context, r *Run) context.Context {
	return context.WithValue(ctx, runKey{}, r)
}

// FromContext returns the run carried by ctx.
func FromContext(ctx context.Context) (*Run, bool) {
	r, ok := ctx.Value(runKey{}).(*Run)
	return r, ok && r != nil
}

// Replayed returns the recorded node that replaces a call to id.
func (r *Run) Replayed(id string) (*checkpoint.ExecutionNode, bool) {
	n, ok := r.replay[id]
	return n, ok
}

// Marker returns the restore state of the checkpoint marker id.
func (r *Run) Marker(id string) (MarkerState, bool) {
	s, ok := r.markers[id]
	return s, ok
}

// Markers returns a copy of every marker state.
func (r *Run) Markers() map[string]MarkerState {
	out := make(map[string]MarkerState, len(r.markers))
	for k, v := range r.markers {
		out[k] = v
	}
	return out
}

// ClaimLabel reserves label for nodeID within this attempt. It reports
// false when another node holds the label.
func (r *Run) ClaimLabel(label, nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.labels[label]; ok && owner != nodeID {
		return false
	}
	r.labels[label] = nodeID
	return true
}

// CallbackURL is the address at which the value for nodeID is delivered.
func (r *Run) CallbackURL(nodeID string) string {
	base := r.callbackBase
	if base == "" {
		base = "durable://callback"
	}
	return base + "/" + url.PathEscape(r.ID) + "/" + url.PathEscape(nodeID)
}

// Emit sends msg on the run's bus.
func (r *Run) Emit(ctx context.Context, msg *event.Message) error {
	if r.Bus == nil {
		return nil
	}
	return r.Bus.Send(ctx, msg)
}
