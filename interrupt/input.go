//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package interrupt suspends a workflow branch until a value arrives from
// outside, and rewinds a run to a labelled checkpoint.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-durable-go/engine"
	"trpc.group/trpc-go/trpc-durable-go/log"
	"trpc.group/trpc-go/trpc-durable-go/schema"
	"trpc.group/trpc-go/trpc-durable-go/telemetry/metric"
)

// Node names of suspension points.
const (
	NameRequestInput = "RequestInput"
	NameWaitForInput = "WaitForInput"
)

// Status is the outcome of an input request.
type Status string

// Input request outcomes.
const (
	StatusFulfilled Status = "fulfilled"
	StatusTimedOut  Status = "timed-out"
	StatusErrored   Status = "errored"
)

// Result is the outcome of RequestInput.
type Result[T any] struct {
	Status Status
	Value  T
	// Err is set for timed-out and errored results.
	Err error
}

// Fulfilled reports whether a value was delivered.
func (r *Result[T]) Fulfilled() bool { return r.Status == StatusFulfilled }

// Trigger hands the callback address to whoever will deliver the value.
// It runs before the branch suspends.
type Trigger func(ctx context.Context, callbackURL string) error

// InputOption configures RequestInput.
type InputOption func(*inputOptions)

type inputOptions struct {
	timeoutAt *time.Time
}

// WithTimeout sets an advisory deadline d from now.
func WithTimeout(d time.Duration) InputOption {
	return func(o *inputOptions) {
		at := time.Now().Add(d)
		o.timeoutAt = &at
	}
}

// WithTimeoutAt sets an advisory deadline.
func WithTimeoutAt(t time.Time) InputOption {
	return func(o *inputOptions) { o.timeoutAt = &t }
}

// RequestInput creates a pending node, passes its callback address to
// trigger and suspends until the host delivers a value. The value is
// validated against resultSchema, or the schema of T when nil.
//
// Every pending checkpoint write is flushed before the branch suspends, so
// the callback target is durable by the time anyone can call it. A deadline
// that already passed yields a timed-out result without asking the host.
// An error is returned only when trigger fails or ctx holds no run.
func RequestInput[T any](ctx context.Context, trigger Trigger, resultSchema schema.Schema, opts ...InputOption) (*Result[T], error) {
	var o inputOptions
	for _, opt := range opts {
		opt(&o)
	}
	if resultSchema == nil {
		resultSchema = schema.For[T]()
	}
	node, err := engine.NewNode(ctx, NameRequestInput)
	if err != nil {
		return nil, err
	}
	if res, ok := replayInput[T](ctx, node); ok {
		return res, nil
	}

	run := node.Run
	desc := resultSchema.Describe()
	md := map[string]any{"kind": string(engine.KindInput)}
	if o.timeoutAt != nil {
		md["timeoutAt"] = o.timeoutAt.UTC().Format(time.RFC3339Nano)
	}
	innerCtx, err := node.Start(ctx, map[string]any{"resultSchema": desc}, md, noOpts)
	if err != nil {
		return nil, fmt.Errorf("interrupt: %w", err)
	}
	callbackURL := run.CallbackURL(node.ID)
	if err := node.SetPending(callbackURL); err != nil {
		log.Warnf("interrupt: mark node %s pending: %v", node.ID, err)
	}
	if trigger != nil {
		if err := trigger(innerCtx, callbackURL); err != nil {
			node.Finish(ctx, nil, err)
			return nil, err
		}
	}
	if err := run.Checkpoints.WaitForPendingUpdates(ctx); err != nil {
		return settle[T](ctx, node, StatusErrored, nil, fmt.Errorf("interrupt: flush before suspending: %w", err))
	}
	if o.timeoutAt != nil && !o.timeoutAt.After(time.Now()) {
		return settle[T](ctx, node, StatusTimedOut, nil, engine.ErrInputTimeout)
	}

	metric.RecordSuspension(ctx, string(engine.KindInput))
	log.Debugf("interrupt: run %s suspended on %s", run.ID, callbackURL)
	resp, err := run.Host.OnRequestInput(ctx, &engine.InputRequest{
		RunID:        run.ID,
		NodeID:       node.ID,
		Kind:         engine.KindInput,
		CallbackURL:  callbackURL,
		TimeoutAt:    o.timeoutAt,
		ResultSchema: desc,
	})
	switch {
	case errors.Is(err, engine.ErrInputTimeout):
		return settle[T](ctx, node, StatusTimedOut, nil, err)
	case err != nil:
		return settle[T](ctx, node, StatusErrored, nil, err)
	case resp == nil:
		return settle[T](ctx, node, StatusErrored, nil, errors.New("interrupt: host returned no response"))
	}
	if err := resultSchema.Validate(resp.Value); err != nil {
		return settle[T](ctx, node, StatusErrored, nil, err)
	}
	return settle[T](ctx, node, StatusFulfilled, resp.Value, nil)
}

func settle[T any](ctx context.Context, node *engine.Node, status Status, value any, cause error) (*Result[T], error) {
	res := &Result[T]{Status: status, Err: cause}
	if status == StatusFulfilled {
		v, err := schema.Decode[T](value)
		if err != nil {
			res.Status, res.Err = StatusErrored, err
		} else {
			res.Value = v
		}
	}
	node.AddMetadata(map[string]any{"status": string(res.Status)})
	if res.Status == StatusFulfilled {
		node.Finish(ctx, value, nil)
	} else {
		node.Finish(ctx, nil, res.Err)
	}
	return res, nil
}

func replayInput[T any](ctx context.Context, node *engine.Node) (*Result[T], bool) {
	rec, ok := node.Recorded()
	if !ok || rec.Output == nil {
		return nil, false
	}
	v, err := schema.Decode[T](rec.Output.Value)
	if err != nil {
		log.Debugf("interrupt: recorded input of %s not replayable: %v", node.ID, err)
		return nil, false
	}
	if err := node.Replay(ctx); err != nil {
		log.Warnf("interrupt: replay node %s: %v", node.ID, err)
		return nil, false
	}
	return &Result[T]{Status: StatusFulfilled, Value: v}, true
}

// WaitForInput suspends until the host delivers a value for the new node.
// It has no schema and no deadline. A host that cannot suspend yields the
// zero value.
func WaitForInput[T any](ctx context.Context, trigger Trigger) (T, error) {
	var zero T
	node, err := engine.NewNode(ctx, NameWaitForInput)
	if err != nil {
		return zero, err
	}
	if res, ok := replayInput[T](ctx, node); ok {
		return res.Value, nil
	}
	run := node.Run
	innerCtx, err := node.Start(ctx, nil, map[string]any{"kind": string(engine.KindInput)}, noOpts)
	if err != nil {
		return zero, fmt.Errorf("interrupt: %w", err)
	}
	callbackURL := run.CallbackURL(node.ID)
	if err := node.SetPending(callbackURL); err != nil {
		log.Warnf("interrupt: mark node %s pending: %v", node.ID, err)
	}
	if trigger != nil {
		if err := trigger(innerCtx, callbackURL); err != nil {
			node.Finish(ctx, nil, err)
			return zero, err
		}
	}
	if err := run.Checkpoints.WaitForPendingUpdates(ctx); err != nil {
		node.Finish(ctx, nil, err)
		return zero, fmt.Errorf("interrupt: flush before suspending: %w", err)
	}

	metric.RecordSuspension(ctx, string(engine.KindInput))
	value, err := run.Host.OnWaitForInput(ctx, run.ID, node.ID)
	if err != nil {
		node.Finish(ctx, nil, err)
		return zero, err
	}
	out, err := schema.Decode[T](value)
	if err != nil {
		node.Finish(ctx, nil, err)
		return zero, err
	}
	node.Finish(ctx, value, nil)
	return out, nil
}
