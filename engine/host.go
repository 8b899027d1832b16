//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"context"
	"errors"
	"time"

	"trpc.group/trpc-go/trpc-durable-go/event"
	"trpc.group/trpc-go/trpc-durable-go/log"
	"trpc.group/trpc-go/trpc-durable-go/schema"
)

var (
	// ErrHostUnsupported is returned by hosts that cannot suspend a branch.
	ErrHostUnsupported = errors.New("engine: host does not support suspension")
	// ErrInputTimeout is returned by hosts when a request deadline passes.
	ErrInputTimeout = errors.New("engine: input request timed out")
)

// InputKind tells plain input requests from external tool calls.
type InputKind string

// Input kinds.
const (
	KindInput        InputKind = "input"
	KindExternalTool InputKind = "external-tool"
)

// InputRequest describes a suspended branch waiting for a value.
type InputRequest struct {
	RunID       string
	NodeID      string
	Kind        InputKind
	CallbackURL string
	// TimeoutAt is advisory; hosts should give up after it.
	TimeoutAt    *time.Time
	ResultSchema *schema.Description
	// Tool is the call to execute, secret params included.
	Tool *event.ToolCall
	// Announced is Tool with secret params masked, for listing.
	Announced *event.ToolCall
}

// InputResponse carries the value delivered for an InputRequest.
type InputResponse struct {
	Value any
}

// RestoreRequest asks the host to rewind a run to a checkpoint marker.
type RestoreRequest struct {
	RunID        string
	NodeID       string
	Label        string
	Feedback     any
	RestoreCount int
	MaxRestores  int
}

// Host is the execution environment that suspends and resumes branches.
type Host interface {
	// OnRequestInput blocks until the value for req arrives.
	OnRequestInput(ctx context.Context, req *InputRequest) (*InputResponse, error)
	// OnWaitForInput is the schema-less variant used by WaitForInput.
	OnWaitForInput(ctx context.Context, runID, nodeID string) (any, error)
	// OnRestoreCheckpoint is told before a run rewinds. Returning an error
	// vetoes the restore.
	OnRestoreCheckpoint(ctx context.Context, req *RestoreRequest) error
}

// NoopHost is used when no host is wired. It logs and degrades.
type NoopHost struct{}

// OnRequestInput implements Host.
func (NoopHost) OnRequestInput(_ context.Context, req *InputRequest) (*InputResponse, error) {
	log.Warnf("engine: no host wired, %s request of node %s cannot suspend", req.Kind, req.NodeID)
	return nil, ErrHostUnsupported
}

// OnWaitForInput implements Host. It yields an empty result.
func (NoopHost) OnWaitForInput(_ context.Context, _, nodeID string) (any, error) {
	log.Warnf("engine: no host wired, wait for input of node %s returns empty", nodeID)
	return nil, nil
}

// OnRestoreCheckpoint implements Host. The rewind happens in process.
func (NoopHost) OnRestoreCheckpoint(_ context.Context, req *RestoreRequest) error {
	log.Infof("engine: restoring run %s to checkpoint %q (%d/%d)",
		req.RunID, req.Label, req.RestoreCount+1, req.MaxRestores)
	return nil
}
