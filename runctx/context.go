//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package runctx carries the hierarchical execution context of a run.
//
// A Context is a key/value bag with a parent link. It travels inside a
// context.Context, so every goroutine sees the context it was started with
// and scopes unwind on every exit path without explicit restoration.
package runctx

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// KeyStreaming is the well-known key that enables streaming outputs.
const KeyStreaming = "streaming"

// Values is a set of context entries.
type Values map[string]any

// Context is one layer of execution context.
type Context struct {
	parent *Context
	// detached layers do not consult parent values on lookup.
	detached bool

	mu     sync.RWMutex
	values Values

	nodeID string
	branch string
	gate   *gate

	hadStreaming atomic.Bool
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying rc.
func NewContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From returns the execution context carried by ctx, or a fresh root.
func From(ctx context.Context) *Context {
	if ctx != nil {
		if rc, ok := ctx.Value(ctxKey{}).(*Context); ok && rc != nil {
			return rc
		}
	}
	return &Context{values: Values{}}
}

// WithContext layers partial over the current context. The caller's
// context is left untouched.
func WithContext(ctx context.Context, partial Values) (context.Context, *Context) {
	child := From(ctx).derive()
	for k, v := range partial {
		child.values[k] = v
	}
	if on, _ := partial[KeyStreaming].(bool); on {
		child.markStreaming()
	}
	return NewContext(ctx, child), child
}

// Run executes fn with partial layered over the current context.
func Run(ctx context.Context, partial Values, fn func(ctx context.Context) error) error {
	scoped, _ := WithContext(ctx, partial)
	return fn(scoped)
}

// Fork clones the visible values into an independent context for a
// concurrent branch. Writes on either side are invisible to the other.
func Fork(ctx context.Context) (context.Context, *Context) {
	f := From(ctx).fork()
	return NewContext(ctx, f), f
}

// ForkAt forks ctx for the branch in the given slot. The slot becomes part
// of the branch path, which keeps sibling ordinals deterministic no matter
// how the branches interleave. The fork also gets a fresh start gate.
func ForkAt(ctx context.Context, slot int) (context.Context, *Context) {
	parent := From(ctx)
	f := parent.fork()
	if parent.branch == "" {
		f.branch = strconv.Itoa(slot)
	} else {
		f.branch = parent.branch + "." + strconv.Itoa(slot)
	}
	f.gate = newGate(parent.gate)
	return NewContext(ctx, f), f
}

// WithNode marks nodeID as the current node. The branch path restarts
// because ordinals under a new parent are counted from scratch.
func WithNode(ctx context.Context, nodeID string) (context.Context, *Context) {
	child := From(ctx).derive()
	child.nodeID = nodeID
	child.branch = ""
	return NewContext(ctx, child), child
}

// MarkStarted opens the start gate of the branch carried by ctx.
func MarkStarted(ctx context.Context) {
	From(ctx).gate.open()
}

// Get looks key up in this context and then its ancestors.
func (c *Context) Get(key string) (any, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.values[key]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
		if cur.detached {
			break
		}
	}
	return nil, false
}

// Set stores key in this layer only. Setting streaming to true marks this
// layer and all ancestors.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
	if key == KeyStreaming {
		if on, _ := value.(bool); on {
			c.markStreaming()
		}
	}
}

// Values returns the flattened view of every visible entry.
func (c *Context) Values() Values {
	var chain []*Context
	for cur := c; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
		if cur.detached {
			break
		}
	}
	out := Values{}
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		for k, v := range chain[i].values {
			out[k] = v
		}
		chain[i].mu.RUnlock()
	}
	return out
}

// Streaming reports whether streaming is enabled here.
func (c *Context) Streaming() bool {
	v, _ := c.Get(KeyStreaming)
	on, _ := v.(bool)
	return on
}

// HadStreaming reports whether this context or any descendant enabled
// streaming.
func (c *Context) HadStreaming() bool {
	return c.hadStreaming.Load()
}

// NodeID returns the id of the current node, empty at the root.
func (c *Context) NodeID() string {
	return c.nodeID
}

// Branch returns the fork slot path below the current node.
func (c *Context) Branch() string {
	return c.branch
}

// Parent returns the parent layer.
func (c *Context) Parent() *Context {
	return c.parent
}

// Started is closed once the branch registered its first node.
func (c *Context) Started() <-chan struct{} {
	if c.gate == nil {
		return closedCh
	}
	return c.gate.ch
}

func (c *Context) derive() *Context {
	return &Context{
		parent: c,
		values: Values{},
		nodeID: c.nodeID,
		branch: c.branch,
		gate:   c.gate,
	}
}

func (c *Context) fork() *Context {
	return &Context{
		parent:   c,
		detached: true,
		values:   c.Values(),
		nodeID:   c.nodeID,
		branch:   c.branch,
		gate:     c.gate,
	}
}

func (c *Context) markStreaming() {
	for cur := c; cur != nil; cur = cur.parent {
		cur.hadStreaming.Store(true)
	}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// gate is closed by the first node registered in a branch. Opening a
// nested branch's gate also opens the enclosing one.
type gate struct {
	once   sync.Once
	ch     chan struct{}
	parent *gate
}

func newGate(parent *gate) *gate {
	return &gate{ch: make(chan struct{}), parent: parent}
}

func (g *gate) open() {
	for cur := g; cur != nil; cur = cur.parent {
		cur.once.Do(func() { close(cur.ch) })
	}
}
