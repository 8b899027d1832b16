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
	"fmt"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/event"
	"trpc.group/trpc-go/trpc-durable-go/log"
	"trpc.group/trpc-go/trpc-durable-go/runctx"
)

// Node tracks one invocation in the execution tree of a run: its
// checkpoint entry and its component-start/component-end messages.
type Node struct {
	Run      *Run
	ID       string
	ParentID string
	Name     string
	// Sequence is assigned once the node is started or replayed.
	Sequence int64

	recorded *checkpoint.ExecutionNode
}

// NewNode reserves the next id for a node named name at the current
// position of ctx. Nothing is recorded until Start or Replay.
func NewNode(ctx context.Context, name string) (*Node, error) {
	run, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoRun
	}
	rc := runctx.From(ctx)
	parentID := rc.NodeID()
	n := &Node{
		Run:      run,
		ID:       run.Checkpoints.NextID(parentID, rc.Branch(), name),
		ParentID: parentID,
		Name:     name,
	}
	n.recorded, _ = run.Replayed(n.ID)
	return n, nil
}

// Recorded returns the completed node recorded for the same position by a
// previous attempt.
func (n *Node) Recorded() (*checkpoint.ExecutionNode, bool) {
	return n.recorded, n.recorded != nil
}

// Replay records the previous result in place of a new invocation.
func (n *Node) Replay(ctx context.Context) error {
	if n.recorded == nil {
		return fmt.Errorf("engine: node %s has no recorded result", n.ID)
	}
	grafted, err := n.Run.Checkpoints.Graft(n.ParentID, n.recorded)
	if err != nil {
		return err
	}
	n.Sequence = grafted.SequenceNumber
	runctx.MarkStarted(ctx)
	n.emit(ctx, event.NewComponentStart(n.Name, n.ID, n.ParentID))
	n.emit(ctx, event.NewComponentEnd(n.Name, n.ID))
	n.Run.Checkpoints.Write()
	log.Tracef("engine: replayed node %s", n.ID)
	return nil
}

// Start registers the node and announces it. The returned context carries
// the node as the parent of anything created inside it.
func (n *Node) Start(ctx context.Context, props any, md map[string]any, opts checkpoint.ComponentOpts) (context.Context, error) {
	node := &checkpoint.ExecutionNode{
		ID:            n.ID,
		ComponentName: n.Name,
		ParentID:      n.ParentID,
		Props:         props,
		Metadata:      md,
		ComponentOpts: opts,
	}
	if err := n.Run.Checkpoints.AddNode(node); err != nil {
		return ctx, err
	}
	n.Sequence = node.SequenceNumber
	runctx.MarkStarted(ctx)
	n.emit(ctx, event.NewComponentStart(n.Name, n.ID, n.ParentID))
	n.Run.Checkpoints.Write()
	inner, _ := runctx.WithNode(ctx, n.ID)
	return inner, nil
}

// SetPending marks the output as in flight under handle.
func (n *Node) SetPending(handle string) error {
	return n.Run.Checkpoints.SetPending(n.ID, handle)
}

// Complete settles the output, or records cause when it is not nil.
func (n *Node) Complete(output any, cause error) {
	if err := n.Run.Checkpoints.CompleteNode(n.ID, output, cause); err != nil {
		log.Warnf("engine: complete node %s: %v", n.ID, err)
	}
	n.Run.Checkpoints.Write()
}

// End announces that the invocation returned.
func (n *Node) End(ctx context.Context) {
	n.emit(ctx, event.NewComponentEnd(n.Name, n.ID))
}

// Finish completes the node and announces its end.
func (n *Node) Finish(ctx context.Context, output any, cause error) {
	n.Complete(output, cause)
	n.End(ctx)
}

// AddMetadata merges md into the node metadata.
func (n *Node) AddMetadata(md map[string]any) {
	if err := n.Run.Checkpoints.AddMetadata(n.ID, md); err != nil {
		log.Warnf("engine: add metadata to node %s: %v", n.ID, err)
	}
}

func (n *Node) emit(ctx context.Context, msg *event.Message) {
	if err := n.Run.Emit(ctx, msg); err != nil {
		log.Warnf("engine: node %s: emit %s: %v", n.ID, msg.Type, err)
	}
}
