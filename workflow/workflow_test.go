//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package workflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-durable-go/component"
	"trpc.group/trpc-go/trpc-durable-go/event"
	"trpc.group/trpc-go/trpc-durable-go/interrupt"
	"trpc.group/trpc-go/trpc-durable-go/resolve"
	"trpc.group/trpc-go/trpc-durable-go/workflow"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*event.Message
}

func (r *recorder) Send(_ context.Context, msg *event.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg.Clone())
	return nil
}

func (r *recorder) all() []*event.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Message(nil), r.msgs...)
}

func (r *recorder) labelled(label string) []*event.Message {
	var out []*event.Message
	for _, m := range r.all() {
		if m.Type == event.TypeEvent && m.Label == label {
			out = append(out, m)
		}
	}
	return out
}

var greet = component.New("greet", func(_ context.Context, name string) (string, error) {
	return "hello " + name, nil
})

func TestRun_MessageStream(t *testing.T) {
	rec := &recorder{}
	wf := workflow.New("hello", func(ctx context.Context, name string) (string, error) {
		return greet.Call(ctx, name)
	})

	out, err := wf.Run(context.Background(), "ada", workflow.WithSink(rec), workflow.WithRunID("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)

	msgs := rec.all()
	require.NoError(t, event.Validate(msgs))
	types := make([]event.Type, len(msgs))
	for i, m := range msgs {
		types[i] = m.Type
		assert.Equal(t, "run-1", m.RunID)
		assert.Equal(t, int64(i+1), m.Seq)
	}
	assert.Equal(t, []event.Type{
		event.TypeStart,
		event.TypeComponentStart,
		event.TypeComponentStart,
		event.TypeComponentEnd,
		event.TypeComponentEnd,
		event.TypeEnd,
	}, types)
	assert.Equal(t, "hello", msgs[0].WorkflowName)
	assert.Equal(t, "hello", msgs[1].ComponentName)
	assert.Equal(t, "greet", msgs[2].ComponentName)
	assert.Equal(t, msgs[1].ComponentID, msgs[2].ParentID)
	assert.Equal(t, "hello ada", msgs[5].Data)
}

func TestRun_GeneratesRunID(t *testing.T) {
	rec := &recorder{}
	wf := workflow.New("noop", func(_ context.Context, _ struct{}) (int, error) { return 1, nil })
	_, err := wf.Run(context.Background(), struct{}{}, workflow.WithSink(rec))
	require.NoError(t, err)
	msgs := rec.all()
	require.NotEmpty(t, msgs)
	assert.NotEmpty(t, msgs[0].RunID)
	assert.Equal(t, "noop", wf.Name())
}

func TestRun_ErrorTerminal(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	wf := workflow.New("failing", func(ctx context.Context, _ string) (string, error) {
		if _, err := greet.Call(ctx, "x"); err != nil {
			return "", err
		}
		return "", boom
	})

	_, err := wf.Run(context.Background(), "", workflow.WithSink(rec))
	require.ErrorIs(t, err, boom)

	msgs := rec.all()
	require.NoError(t, event.Validate(msgs))
	last := msgs[len(msgs)-1]
	assert.Equal(t, event.TypeError, last.Type)
	assert.Contains(t, last.Error, "boom")
}

func TestRun_RestoreLoop(t *testing.T) {
	rec := &recorder{}
	var prepared atomic.Int32
	prepare := component.New("prepare", func(_ context.Context, _ string) (string, error) {
		prepared.Add(1)
		return "draft", nil
	})
	var feedback []any
	var mu sync.Mutex
	wf := workflow.New("review", func(ctx context.Context, topic string) (string, error) {
		draft, err := prepare.Call(ctx, topic)
		if err != nil {
			return "", err
		}
		cp, err := interrupt.CreateCheckpoint(ctx, "draft-ready", interrupt.WithMaxRestores(2))
		if err != nil {
			return "", err
		}
		mu.Lock()
		feedback = append(feedback, cp.Feedback)
		mu.Unlock()
		return draft, cp.Restore(ctx, "try again")
	})

	_, err := wf.Run(context.Background(), "go", workflow.WithSink(rec))
	var maxErr *interrupt.MaxRestoresError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 2, maxErr.MaxRestores)

	assert.Equal(t, int32(1), prepared.Load())
	assert.Equal(t, []any{nil, "try again", "try again"}, feedback)
	restores := rec.labelled(workflow.LabelCheckpointRestore)
	require.Len(t, restores, 2)
	data, ok := restores[1].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "draft-ready", data["label"])
	assert.Equal(t, 2, data["restoreCount"])

	msgs := rec.all()
	require.NoError(t, event.Validate(msgs))
	assert.Equal(t, event.TypeError, msgs[len(msgs)-1].Type)
}

func TestRun_RestoreThenSucceed(t *testing.T) {
	wf := workflow.New("retry", func(ctx context.Context, _ string) (int, error) {
		cp, err := interrupt.CreateCheckpoint(ctx, "start")
		if err != nil {
			return 0, err
		}
		if cp.RestoreCount == 0 {
			return 0, cp.Restore(ctx, nil)
		}
		return cp.RestoreCount, nil
	})
	out, err := wf.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestRun_ResumeFromSnapshot(t *testing.T) {
	ctx := context.Background()
	store := inmemory.NewStore()
	var fetched, flaky atomic.Int32
	fetch := component.New("fetch", func(_ context.Context, q string) (string, error) {
		fetched.Add(1)
		return "result for " + q, nil
	})
	summarize := component.New("summarize", func(_ context.Context, text string) (string, error) {
		if flaky.Add(1) == 1 {
			return "", errors.New("model unavailable")
		}
		return "summary of " + text, nil
	})
	wf := workflow.New("research", func(ctx context.Context, q string) (string, error) {
		text, err := fetch.Call(ctx, q)
		if err != nil {
			return "", err
		}
		return summarize.Call(ctx, text)
	}, workflow.WithStore(store))

	_, err := wf.Run(ctx, "go", workflow.WithRunID("run-r"))
	require.Error(t, err)

	snap, err := store.Load(ctx, "run-r")
	require.NoError(t, err)
	require.NotNil(t, snap.Root)
	assert.NotEmpty(t, snap.Root.Error)

	rec := &recorder{}
	out, err := wf.Run(ctx, "go", workflow.WithResumeFrom(snap), workflow.WithSink(rec))
	require.NoError(t, err)
	assert.Equal(t, "summary of result for go", out)
	assert.Equal(t, int32(1), fetched.Load())
	assert.Equal(t, int32(2), flaky.Load())

	msgs := rec.all()
	require.NoError(t, event.Validate(msgs))
	assert.Equal(t, "run-r", msgs[0].RunID)

	resumed, err := store.Load(ctx, "run-r")
	require.NoError(t, err)
	assert.Greater(t, resumed.Sequence, snap.Sequence)
	assert.Empty(t, resumed.Root.Error)
}

var double = component.New("double", func(_ context.Context, n int) (int, error) {
	return n * 2, nil
})

func TestRun_MapUniqueSequences(t *testing.T) {
	ctx := context.Background()
	store := inmemory.NewStore()
	wf := workflow.New("doubler", func(ctx context.Context, items []int) ([]int, error) {
		return resolve.Map(resolve.From(items), func(ctx context.Context, n int, _ int) (int, error) {
			return double.Call(ctx, n)
		}, resolve.WithConcurrency(4)).ToArray(ctx)
	}, workflow.WithStore(store))

	items := make([]int, 32)
	want := make([]int, 32)
	for i := range items {
		items[i] = i
		want[i] = i * 2
	}
	out, err := wf.Run(ctx, items, workflow.WithRunID("run-m"))
	require.NoError(t, err)
	assert.Equal(t, want, out)

	snap, err := store.Load(ctx, "run-m")
	require.NoError(t, err)
	seen := map[int64]string{}
	snap.Root.Walk(func(n *checkpoint.ExecutionNode) bool {
		_, dup := seen[n.SequenceNumber]
		assert.False(t, dup, "sequence %d reused by %s", n.SequenceNumber, n.ID)
		seen[n.SequenceNumber] = n.ID
		return true
	})
	assert.Len(t, seen, 33)
	require.Len(t, snap.Root.Children, 32)
	for i := 1; i < len(snap.Root.Children); i++ {
		assert.Less(t, snap.Root.Children[i-1].SequenceNumber, snap.Root.Children[i].SequenceNumber)
	}
}
