//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package component wraps user functions into tracked components.
//
// Inside a workflow run every call of a component becomes a node of the
// run's execution tree: it is announced on the message bus, its props and
// output are checkpointed, and a restored or resumed run returns the
// recorded output of a completed node instead of calling the function
// again. Outside a run a component is a plain function call.
package component

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/engine"
	itelemetry "trpc.group/trpc-go/trpc-durable-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-durable-go/log"
	"trpc.group/trpc-go/trpc-durable-go/resolve"
	"trpc.group/trpc-go/trpc-durable-go/runctx"
	"trpc.group/trpc-go/trpc-durable-go/schema"
	"trpc.group/trpc-go/trpc-durable-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-durable-go/telemetry/trace"
)

// Func is the function behind a component.
type Func[P, O any] func(ctx context.Context, props P) (O, error)

// PanicError is returned when a component function panics.
type PanicError struct {
	Component string
	Value     any
	Stack     []byte
}

// Error implements error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("component %s panicked: %v", e.Component, e.Value)
}

// Option configures a component.
type Option func(*options)

type options struct {
	displayName       string
	secretProps       []string
	secretOutputs     bool
	secretOutputPaths []string
	metadata          map[string]any
	streaming         bool
}

// WithDisplayName sets the name shown for the component's nodes.
func WithDisplayName(name string) Option {
	return func(o *options) { o.displayName = name }
}

// WithSecretProps marks prop paths whose values never reach a serialized
// checkpoint. Paths are dot separated, "*" matches any key or index and a
// backslash escapes a literal dot.
func WithSecretProps(paths ...string) Option {
	return func(o *options) { o.secretProps = append(o.secretProps, paths...) }
}

// WithSecretOutputs marks output paths as secret. Without paths the whole
// output is secret.
func WithSecretOutputs(paths ...string) Option {
	return func(o *options) {
		if len(paths) == 0 {
			o.secretOutputs = true
			return
		}
		o.secretOutputPaths = append(o.secretOutputPaths, paths...)
	}
}

// WithMetadata attaches metadata to every node of the component.
func WithMetadata(md map[string]any) Option {
	return func(o *options) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			o.metadata[k] = v
		}
	}
}

// WithStreaming runs the component with streaming enabled in its context.
func WithStreaming() Option {
	return func(o *options) { o.streaming = true }
}

// Component is a named, tracked function.
type Component[P, O any] struct {
	name string
	fn   Func[P, O]
	opts options
}

// New creates a component.
func New[P, O any](name string, fn Func[P, O], opts ...Option) *Component[P, O] {
	c := &Component[P, O]{name: name, fn: fn}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c
}

// Name returns the component name.
func (c *Component[P, O]) Name() string { return c.name }

// Invoke calls the component with loosely typed props, such as a decoded
// JSON object.
func (c *Component[P, O]) Invoke(ctx context.Context, props any) (any, error) {
	p, err := schema.Decode[P](props)
	if err != nil {
		return nil, fmt.Errorf("component %s: %w", c.name, err)
	}
	return c.Call(ctx, p)
}

// Element returns a pending invocation for resolve.ResolveDeep.
func (c *Component[P, O]) Element(props P, children ...resolve.ChildFunc) *resolve.Element {
	return resolve.Invoke(c, props, children...)
}

// Call invokes the component.
func (c *Component[P, O]) Call(ctx context.Context, props P) (O, error) {
	if _, ok := engine.FromContext(ctx); !ok {
		return c.invoke(c.scope(ctx), props)
	}
	node, err := engine.NewNode(ctx, c.name)
	if err != nil {
		var zero O
		return zero, err
	}
	if rec, ok := node.Recorded(); ok {
		if out, replayed, err := c.replay(ctx, node, rec); replayed || err != nil {
			return out, err
		}
	}
	return c.execute(ctx, node, props)
}

func (c *Component[P, O]) execute(ctx context.Context, node *engine.Node, props P) (O, error) {
	var zero O
	callCtx, err := node.Start(ctx, props, c.metadata(), c.nodeOpts())
	if err != nil {
		return zero, fmt.Errorf("component %s: %w", c.name, err)
	}
	run := node.Run

	spanCtx, span := trace.Tracer.Start(ctx, itelemetry.NewComponentSpanName(c.name))
	defer span.End()
	itelemetry.TraceComponent(span, run.ID, node.ID, node.ParentID, node.Sequence, false, props,
		len(c.opts.secretProps) > 0)
	callCtx = oteltrace.ContextWithSpan(callCtx, span)

	start := time.Now()
	out, err := c.invoke(c.scope(callCtx), props)
	log.Tracef("component %s: node %s returned after %s", c.name, node.ID, time.Since(start).Round(time.Millisecond))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}

	status := metric.StatusOK
	if s, ok := any(out).(settler); ok && err == nil && s.live() {
		status = metric.StatusPending
		c.settleLater(node, s)
		node.End(ctx)
	} else {
		if err != nil {
			status = metric.StatusError
		}
		node.Finish(ctx, out, err)
	}
	metric.RecordComponentCall(spanCtx, c.name, status)
	return out, err
}

// settleLater leaves the node pending until the stream is drained.
func (c *Component[P, O]) settleLater(node *engine.Node, s settler) {
	if err := node.SetPending(node.ID); err != nil {
		log.Warnf("component %s: mark node %s pending: %v", c.name, node.ID, err)
	}
	s.onSettle(func(value any, err error) {
		node.Complete(value, err)
		log.Tracef("component %s: stream of node %s settled", c.name, node.ID)
	})
}

// replay stands in the recorded output for a new call. It reports false
// when the recorded output cannot be decoded into O, in which case the
// component runs again.
func (c *Component[P, O]) replay(ctx context.Context, node *engine.Node, rec *checkpoint.ExecutionNode) (O, bool, error) {
	var zero O
	var recorded any
	if rec.Output != nil {
		recorded = rec.Output.Value
	}
	out, err := schema.Decode[O](recorded)
	if err != nil {
		log.Debugf("component %s: recorded output of %s not replayable, re-running: %v", c.name, rec.ID, err)
		return zero, false, nil
	}
	if err := node.Replay(ctx); err != nil {
		return zero, false, fmt.Errorf("component %s: %w", c.name, err)
	}

	_, span := trace.Tracer.Start(ctx, itelemetry.NewComponentSpanName(c.name))
	itelemetry.TraceComponent(span, node.Run.ID, node.ID, node.ParentID, node.Sequence, true, nil, true)
	span.End()
	metric.RecordComponentCall(ctx, c.name, metric.StatusReplayed)
	return out, true, nil
}

func (c *Component[P, O]) invoke(ctx context.Context, props P) (out O, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Errorf("component %s panicked: %v\n%s", c.name, r, stack)
			err = &PanicError{Component: c.name, Value: r, Stack: stack}
		}
	}()
	return c.fn(ctx, props)
}

func (c *Component[P, O]) scope(ctx context.Context) context.Context {
	if !c.opts.streaming {
		return ctx
	}
	ctx, _ = runctx.WithContext(ctx, runctx.Values{runctx.KeyStreaming: true})
	return ctx
}

func (c *Component[P, O]) nodeOpts() checkpoint.ComponentOpts {
	return checkpoint.ComponentOpts{
		DisplayName:       c.opts.displayName,
		SecretProps:       append([]string(nil), c.opts.secretProps...),
		SecretOutputs:     c.opts.secretOutputs,
		SecretOutputPaths: append([]string(nil), c.opts.secretOutputPaths...),
	}
}

func (c *Component[P, O]) metadata() map[string]any {
	if len(c.opts.metadata) == 0 {
		return nil
	}
	md := make(map[string]any, len(c.opts.metadata))
	for k, v := range c.opts.metadata {
		md[k] = v
	}
	return md
}

var _ resolve.Invoker = (*Component[struct{}, struct{}])(nil)
