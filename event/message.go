//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package event defines the workflow messages observers receive and the
// bus that orders them.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type is the kind of a workflow message.
type Type string

// Message types.
const (
	TypeStart          Type = "start"
	TypeComponentStart Type = "component-start"
	TypeComponentEnd   Type = "component-end"
	TypeData           Type = "data"
	TypeObject         Type = "object"
	TypeEvent          Type = "event"
	TypeError          Type = "error"
	TypeEnd            Type = "end"
	TypeExternalTool   Type = "external-tool"
)

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// Terminal reports whether t ends a run's message stream.
func (t Type) Terminal() bool {
	return t == TypeEnd || t == TypeError
}

// Message is one entry of a run's message stream.
type Message struct {
	// ID is unique per message.
	ID   string `json:"id"`
	Type Type   `json:"type"`
	// Seq orders messages of one run, assigned by the bus.
	Seq   int64  `json:"seq"`
	RunID string `json:"runId,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	WorkflowName  string `json:"workflowName,omitempty"`
	ComponentName string `json:"componentName,omitempty"`
	ComponentID   string `json:"componentId,omitempty"`
	ParentID      string `json:"parentId,omitempty"`

	// Label names an event or an object stream.
	Label string `json:"label,omitempty"`
	Data  any    `json:"data,omitempty"`
	// Version counts updates of an object label, starting at 1.
	Version int `json:"version,omitempty"`

	Error string    `json:"error,omitempty"`
	Tool  *ToolCall `json:"tool,omitempty"`
}

// ToolCall describes an external tool invocation.
type ToolCall struct {
	NodeID       string `json:"nodeId"`
	ToolName     string `json:"toolName"`
	Params       any    `json:"params"`
	ParamsSchema any    `json:"paramsSchema,omitempty"`
	ResultSchema any    `json:"resultSchema,omitempty"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

// Option configures a Message.
type Option func(*Message)

// WithParentID sets the parent component id.
func WithParentID(id string) Option {
	return func(m *Message) { m.ParentID = id }
}

// WithData sets the payload.
func WithData(data any) Option {
	return func(m *Message) { m.Data = data }
}

// WithLabel sets the label.
func WithLabel(label string) Option {
	return func(m *Message) { m.Label = label }
}

// New creates a message with a fresh id and timestamp.
func New(typ Type, opts ...Option) *Message {
	m := &Message{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewStart opens the stream of workflowName.
func NewStart(workflowName string, opts ...Option) *Message {
	m := New(TypeStart, opts...)
	m.WorkflowName = workflowName
	return m
}

// NewComponentStart reports that component id began.
func NewComponentStart(name, id, parentID string, opts ...Option) *Message {
	m := New(TypeComponentStart, opts...)
	m.ComponentName, m.ComponentID, m.ParentID = name, id, parentID
	return m
}

// NewComponentEnd reports that component id settled.
func NewComponentEnd(name, id string, opts ...Option) *Message {
	m := New(TypeComponentEnd, opts...)
	m.ComponentName, m.ComponentID = name, id
	return m
}

// NewData carries a free-form progress payload.
func NewData(data any, opts ...Option) *Message {
	return New(TypeData, append([]Option{WithData(data)}, opts...)...)
}

// NewEvent carries a labelled progress event.
func NewEvent(label string, data any, opts ...Option) *Message {
	return New(TypeEvent, append([]Option{WithLabel(label), WithData(data)}, opts...)...)
}

// NewObject carries the latest value of a labelled object.
func NewObject(label string, data any, opts ...Option) *Message {
	return New(TypeObject, append([]Option{WithLabel(label), WithData(data)}, opts...)...)
}

// NewError ends the stream with err.
func NewError(err error, opts ...Option) *Message {
	m := New(TypeError, opts...)
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

// NewEnd ends the stream successfully.
func NewEnd(opts ...Option) *Message {
	return New(TypeEnd, opts...)
}

// NewExternalTool asks the host to run a tool.
func NewExternalTool(call *ToolCall, opts ...Option) *Message {
	m := New(TypeExternalTool, opts...)
	m.Tool = call
	if call != nil {
		m.ComponentID = call.NodeID
	}
	return m
}

// Clone returns a copy of m. Payloads are shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Tool != nil {
		tool := *m.Tool
		c.Tool = &tool
	}
	return &c
}
