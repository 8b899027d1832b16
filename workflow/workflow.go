//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package workflow runs a root component as a durable workflow: it frames
// the run's message stream, persists its execution tree, restarts it when a
// checkpoint is restored and resumes it from a stored snapshot.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/component"
	"trpc.group/trpc-go/trpc-durable-go/engine"
	"trpc.group/trpc-go/trpc-durable-go/event"
	itelemetry "trpc.group/trpc-go/trpc-durable-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-durable-go/interrupt"
	"trpc.group/trpc-go/trpc-durable-go/log"
	"trpc.group/trpc-go/trpc-durable-go/runctx"
	"trpc.group/trpc-go/trpc-durable-go/telemetry/trace"
)

// LabelCheckpointRestore labels the event message sent when a run rewinds.
const LabelCheckpointRestore = "checkpoint-restore"

// Func is the body of a workflow.
type Func[I, O any] func(ctx context.Context, input I) (O, error)

// Option configures a workflow or a single run of it.
type Option func(*options)

type options struct {
	runID         string
	sink          event.Sink
	store         checkpoint.Sink
	host          engine.Host
	callbackBase  string
	resume        *checkpoint.Snapshot
	flushTimeout  time.Duration
	componentOpts []component.Option
}

// WithRunID sets the run id. A random one is generated by default, or the
// snapshot's when resuming.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithSink receives the run's messages.
func WithSink(sink event.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithStore persists the run's snapshots.
func WithStore(store checkpoint.Sink) Option {
	return func(o *options) { o.store = store }
}

// WithHost sets the host that suspended branches wait on.
func WithHost(h engine.Host) Option {
	return func(o *options) { o.host = h }
}

// WithCallbackBaseURL sets the base of callback addresses.
func WithCallbackBaseURL(base string) Option {
	return func(o *options) { o.callbackBase = base }
}

// WithResumeFrom resumes a run from a snapshot. Completed nodes of the
// snapshot return their recorded output instead of running again.
func WithResumeFrom(snap *checkpoint.Snapshot) Option {
	return func(o *options) { o.resume = snap }
}

// WithFlushTimeout bounds each snapshot write.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) { o.flushTimeout = d }
}

// WithComponentOptions configures the root component.
func WithComponentOptions(opts ...component.Option) Option {
	return func(o *options) { o.componentOpts = append(o.componentOpts, opts...) }
}

// Workflow is a durable entry point.
type Workflow[I, O any] struct {
	name string
	root *component.Component[I, O]
	opts options
}

// New creates a workflow. The options are defaults for every run.
func New[I, O any](name string, fn Func[I, O], opts ...Option) *Workflow[I, O] {
	w := &Workflow[I, O]{name: name}
	for _, opt := range opts {
		opt(&w.opts)
	}
	w.root = component.New(name, component.Func[I, O](fn), w.opts.componentOpts...)
	return w
}

// Name returns the workflow name.
func (w *Workflow[I, O]) Name() string { return w.name }

// Run executes the workflow. The run's message stream starts with a start
// message and ends with an end or error message; the error, if any, is
// returned too.
func (w *Workflow[I, O]) Run(ctx context.Context, input I, opts ...Option) (O, error) {
	o := w.opts
	for _, opt := range opts {
		opt(&o)
	}
	var (
		replay   map[string]*checkpoint.ExecutionNode
		seqStart int64
	)
	if o.resume != nil {
		if o.runID == "" {
			o.runID = o.resume.RunID
		}
		replay = o.resume.ReplayIndex()
		seqStart = o.resume.Sequence
		log.Infof("workflow %s: resuming run %s with %d recorded nodes", w.name, o.runID, len(replay))
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewWorkflowSpanName(w.name))
	defer span.End()

	bus := event.NewBus(o.runID, o.sink)
	if err := bus.Send(ctx, event.NewStart(w.name)); err != nil {
		var zero O
		return zero, fmt.Errorf("workflow %s: %w", w.name, err)
	}

	markers := map[string]engine.MarkerState{}
	for attempt := 0; ; attempt++ {
		mgr := checkpoint.NewManager(o.runID, w.name, w.managerOptions(o, seqStart)...)
		run := engine.NewRun(o.runID, w.name, mgr, bus,
			engine.WithHost(o.host),
			engine.WithCallbackBaseURL(o.callbackBase),
			engine.WithReplay(replay),
			engine.WithMarkers(markers),
			engine.WithAttempt(attempt),
		)
		itelemetry.TraceWorkflowRun(span, o.runID, w.name, attempt)

		runCtx := engine.NewContext(ctx, run)
		runCtx, _ = runctx.WithNode(runCtx, "")
		out, err := w.root.Call(runCtx, input)
		if flushErr := mgr.WaitForPendingUpdates(ctx); flushErr != nil {
			log.Errorf("workflow %s: run %s: persist checkpoints: %v", w.name, o.runID, flushErr)
			if err == nil {
				err = fmt.Errorf("workflow %s: persist checkpoints: %w", w.name, flushErr)
			}
		}

		if sig, ok := interrupt.AsRestoreSignal(err); ok {
			log.Infof("workflow %s: run %s restoring to %q (restore %d)", w.name, o.runID, sig.Label, sig.RestoreCount)
			w.emit(ctx, bus, event.NewEvent(LabelCheckpointRestore, map[string]any{
				"label":        sig.Label,
				"nodeId":       sig.NodeID,
				"restoreCount": sig.RestoreCount,
				"attempt":      attempt + 1,
			}))
			replay = restoreIndex(mgr, sig.Sequence)
			markers = run.Markers()
			markers[sig.NodeID] = engine.MarkerState{Feedback: sig.Feedback, RestoreCount: sig.RestoreCount}
			seqStart = mgr.LastSequence()
			continue
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			w.emit(ctx, bus, event.NewError(err))
			return out, err
		}
		w.emit(ctx, bus, event.NewEnd(event.WithData(out)))
		return out, nil
	}
}

func (w *Workflow[I, O]) managerOptions(o options, seqStart int64) []checkpoint.Option {
	opts := []checkpoint.Option{checkpoint.WithSequenceStart(seqStart)}
	if o.store != nil {
		opts = append(opts, checkpoint.WithSink(o.store))
	}
	if o.flushTimeout > 0 {
		opts = append(opts, checkpoint.WithFlushTimeout(o.flushTimeout))
	}
	return opts
}

func (w *Workflow[I, O]) emit(ctx context.Context, bus *event.Bus, msg *event.Message) {
	if err := bus.Send(ctx, msg); err != nil {
		log.Warnf("workflow %s: emit %s: %v", w.name, msg.Type, err)
	}
}

// restoreIndex collects the completed nodes of an attempt that were
// sequenced before the restored marker.
func restoreIndex(mgr *checkpoint.Manager, before int64) map[string]*checkpoint.ExecutionNode {
	idx := map[string]*checkpoint.ExecutionNode{}
	for _, n := range mgr.Nodes() {
		if n.SequenceNumber >= before || !n.Completed() || n.Error != "" || n.Output == nil {
			continue
		}
		idx[n.ID] = n
	}
	return idx
}
