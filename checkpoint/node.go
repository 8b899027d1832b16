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
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// OutputState tells an in-flight output from a final one.
type OutputState string

// Output states.
const (
	OutputPending  OutputState = "pending"
	OutputComplete OutputState = "complete"
)

// Output is the recorded output of a node. A pending output holds the
// handle of the stream that will produce it; serialized it reads
// {"state":"pending","handle":"..."}.
type Output struct {
	State  OutputState `json:"state"`
	Handle string      `json:"handle,omitempty"`
	Value  any         `json:"value,omitempty"`
}

// Pending returns an in-flight output placeholder.
func Pending(handle string) *Output {
	return &Output{State: OutputPending, Handle: handle}
}

// Complete returns a final output.
func Complete(v any) *Output {
	return &Output{State: OutputComplete, Value: v}
}

// IsPending reports whether o is still in flight.
func (o *Output) IsPending() bool {
	return o != nil && o.State == OutputPending
}

// UnmarshalJSON keeps the value as raw JSON so callers can decode it into
// the component's own output type.
func (o *Output) UnmarshalJSON(b []byte) error {
	var raw struct {
		State  OutputState     `json:"state"`
		Handle string          `json:"handle"`
		Value  json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	o.State, o.Handle, o.Value = raw.State, raw.Handle, nil
	if len(raw.Value) > 0 {
		o.Value = raw.Value
	}
	return nil
}

// ComponentOpts are the per-component options recorded on a node.
type ComponentOpts struct {
	DisplayName string `json:"displayName,omitempty"`
	// SecretProps are gjson paths into props, "*" matches any key or index.
	SecretProps []string `json:"secretProps,omitempty"`
	// SecretOutputs masks the whole output.
	SecretOutputs bool `json:"secretOutputs,omitempty"`
	// SecretOutputPaths masks parts of the output.
	SecretOutputPaths []string `json:"secretOutputPaths,omitempty"`
}

func (o ComponentOpts) clone() ComponentOpts {
	o.SecretProps = append([]string(nil), o.SecretProps...)
	o.SecretOutputPaths = append([]string(nil), o.SecretOutputPaths...)
	return o
}

// ExecutionNode is one component invocation in the execution tree.
type ExecutionNode struct {
	ID             string           `json:"id"`
	ComponentName  string           `json:"componentName"`
	ParentID       string           `json:"parentId,omitempty"`
	StartTime      time.Time        `json:"startTime"`
	EndTime        *time.Time       `json:"endTime,omitempty"`
	Props          any              `json:"props,omitempty"`
	Output         *Output          `json:"output,omitempty"`
	Children       []*ExecutionNode `json:"children,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	ComponentOpts  ComponentOpts    `json:"componentOpts"`
	SequenceNumber int64            `json:"sequenceNumber"`
	Error          string           `json:"error,omitempty"`
}

// Completed reports whether the invocation settled.
func (n *ExecutionNode) Completed() bool {
	return n.EndTime != nil && !n.Output.IsPending()
}

// Clone copies the node and its subtree. Props and output values are
// shared, they are treated as immutable once recorded.
func (n *ExecutionNode) Clone() *ExecutionNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.EndTime != nil {
		end := *n.EndTime
		c.EndTime = &end
	}
	if n.Output != nil {
		out := *n.Output
		c.Output = &out
	}
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	c.ComponentOpts = n.ComponentOpts.clone()
	c.Children = nil
	for _, child := range n.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return &c
}

// Walk visits the subtree in pre-order until fn returns false.
func (n *ExecutionNode) Walk(fn func(*ExecutionNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// NodeID derives the id of a node from its position in the tree. The same
// parent, component name and ordinal always give the same id, which is
// what lets a re-executed run line up with its recorded history.
func NodeID(parentID, name, ordinal string) string {
	h := xxhash.New()
	_, _ = h.WriteString(parentID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(name)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(ordinal)
	return fmt.Sprintf("%s:%016x", name, h.Sum64())
}
