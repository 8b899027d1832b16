//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package component_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/component"
	"trpc.group/trpc-go/trpc-durable-go/engine"
	"trpc.group/trpc-go/trpc-durable-go/event"
	"trpc.group/trpc-go/trpc-durable-go/resolve"
	"trpc.group/trpc-go/trpc-durable-go/runctx"
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

func (r *recorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func newRun(t *testing.T, opts ...engine.RunOption) (context.Context, *engine.Run, *recorder) {
	t.Helper()
	rec := &recorder{}
	bus := event.NewBus("run-1", rec)
	mgr := checkpoint.NewManager("run-1", "wf")
	run := engine.NewRun("run-1", "wf", mgr, bus, opts...)
	ctx := engine.NewContext(context.Background(), run)
	require.NoError(t, run.Emit(ctx, event.NewStart("wf")))
	return ctx, run, rec
}

type greetProps struct {
	Name string `json:"name"`
}

type greeting struct {
	Text string `json:"text"`
}

func TestCall_Untracked(t *testing.T) {
	greet := component.New("greet", func(_ context.Context, p greetProps) (greeting, error) {
		return greeting{Text: "hi " + p.Name}, nil
	})
	out, err := greet.Call(context.Background(), greetProps{Name: "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hi ada", out.Text)
	assert.Equal(t, "greet", greet.Name())
}

func TestCall_BuildsTree(t *testing.T) {
	ctx, run, rec := newRun(t)

	leaf := component.New("leaf", func(_ context.Context, n int) (int, error) {
		return n * 10, nil
	}, component.WithDisplayName("Leaf"), component.WithMetadata(map[string]any{"tier": "small"}))
	root := component.New("root", func(ctx context.Context, n int) (int, error) {
		a, err := leaf.Call(ctx, n)
		if err != nil {
			return 0, err
		}
		b, err := leaf.Call(ctx, n+1)
		if err != nil {
			return 0, err
		}
		return a + b, nil
	})

	out, err := root.Call(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 30, out)

	tree := run.Checkpoints.Root()
	require.NotNil(t, tree)
	assert.Equal(t, "root", tree.ComponentName)
	require.Len(t, tree.Children, 2)
	first, second := tree.Children[0], tree.Children[1]
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, checkpoint.NodeID(tree.ID, "leaf", "0"), first.ID)
	assert.Equal(t, checkpoint.NodeID(tree.ID, "leaf", "1"), second.ID)
	assert.Less(t, tree.SequenceNumber, first.SequenceNumber)
	assert.Less(t, first.SequenceNumber, second.SequenceNumber)
	assert.Equal(t, 10, first.Output.Value)
	assert.Equal(t, "Leaf", first.ComponentOpts.DisplayName)
	assert.Equal(t, "small", first.Metadata["tier"])
	assert.True(t, tree.Completed())

	assert.Equal(t, []event.Type{
		event.TypeStart,
		event.TypeComponentStart, // root
		event.TypeComponentStart, // leaf 0
		event.TypeComponentEnd,
		event.TypeComponentStart, // leaf 1
		event.TypeComponentEnd,
		event.TypeComponentEnd, // root
	}, rec.types())
	assert.Empty(t, run.Bus.OpenComponents())
}

func TestCall_ErrorCompletesNode(t *testing.T) {
	ctx, run, rec := newRun(t)
	boom := errors.New("boom")
	failing := component.New("failing", func(context.Context, struct{}) (string, error) {
		return "", boom
	})

	_, err := failing.Call(ctx, struct{}{})
	require.ErrorIs(t, err, boom)

	node := run.Checkpoints.Root()
	require.NotNil(t, node.EndTime)
	assert.Equal(t, "boom", node.Error)
	assert.Nil(t, node.Output)
	assert.Equal(t, event.TypeComponentEnd, rec.types()[len(rec.types())-1])
}

func TestCall_PanicRecovered(t *testing.T) {
	ctx, run, _ := newRun(t)
	panicky := component.New("panicky", func(context.Context, struct{}) (string, error) {
		panic("kaput")
	})

	_, err := panicky.Call(ctx, struct{}{})
	var pe *component.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "panicky", pe.Component)
	assert.Equal(t, "kaput", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Contains(t, run.Checkpoints.Root().Error, "kaput")
}

func TestCall_Streaming(t *testing.T) {
	ctx, run, rec := newRun(t)
	stream := component.New("stream", func(context.Context, string) (*component.Stream[string], error) {
		st := component.NewStream[string](4)
		go func() {
			defer st.Writer.Close()
			for _, w := range []string{"hello", " ", "world"} {
				st.Writer.Send(w, nil)
			}
		}()
		return st, nil
	})

	st, err := stream.Call(ctx, "go")
	require.NoError(t, err)

	node := run.Checkpoints.Root()
	require.NotNil(t, node.Output)
	assert.True(t, node.Output.IsPending())
	assert.False(t, node.Completed())
	assert.Contains(t, rec.types(), event.TypeComponentEnd)

	var sb strings.Builder
	for {
		chunk, err := st.Reader.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sb.WriteString(chunk)
	}
	assert.Equal(t, "hello world", sb.String())

	node = run.Checkpoints.Root()
	assert.True(t, node.Completed())
	assert.Equal(t, "hello world", node.Output.Value)
}

func TestCall_NilStreamCompletesNode(t *testing.T) {
	ctx, run, rec := newRun(t)
	empty := component.New("empty", func(context.Context, string) (*component.Stream[string], error) {
		return nil, nil
	})

	st, err := empty.Call(ctx, "go")
	require.NoError(t, err)
	assert.Nil(t, st)

	node := run.Checkpoints.Root()
	assert.True(t, node.Completed())
	assert.Empty(t, node.Error)
	assert.Contains(t, rec.types(), event.TypeComponentEnd)
}

func TestStream_CollectNonString(t *testing.T) {
	ctx, run, _ := newRun(t)
	nums := component.New("nums", func(context.Context, int) (*component.Stream[int], error) {
		st := component.NewStream[int](3)
		for i := 1; i <= 3; i++ {
			st.Writer.Send(i, nil)
		}
		st.Writer.Close()
		return st, nil
	})
	st, err := nums.Call(ctx, 0)
	require.NoError(t, err)
	got, err := st.Collect()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, []int{1, 2, 3}, run.Checkpoints.Root().Output.Value)
}

func TestStream_WriterError(t *testing.T) {
	ctx, run, _ := newRun(t)
	bad := errors.New("upstream closed")
	flaky := component.New("flaky", func(context.Context, int) (*component.Stream[string], error) {
		st := component.NewStream[string](2)
		st.Writer.Send("partial", nil)
		st.Writer.Send("", bad)
		return st, nil
	})
	st, err := flaky.Call(ctx, 0)
	require.NoError(t, err)
	_, err = st.Collect()
	require.ErrorIs(t, err, bad)
	node := run.Checkpoints.Root()
	assert.Equal(t, bad.Error(), node.Error)
	assert.NotNil(t, node.EndTime)
}

func TestCall_ReplaysRecordedNodes(t *testing.T) {
	var calls atomic.Int32
	leaf := component.New("leaf", func(_ context.Context, p greetProps) (greeting, error) {
		calls.Add(1)
		return greeting{Text: "hi " + p.Name}, nil
	})
	root := component.New("root", func(ctx context.Context, p greetProps) (greeting, error) {
		return leaf.Call(ctx, p)
	})

	ctx, first, _ := newRun(t)
	_, err := root.Call(ctx, greetProps{Name: "ada"})
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	snap, err := first.Checkpoints.Snapshot()
	require.NoError(t, err)
	raw, err := snap.Marshal()
	require.NoError(t, err)
	loaded, err := checkpoint.UnmarshalSnapshot(raw)
	require.NoError(t, err)

	// Drop the root from the index so the root runs again and the leaf
	// is served from the recorded history.
	idx := loaded.ReplayIndex()
	delete(idx, loaded.Root.ID)

	ctx, second, rec := newRun(t, engine.WithReplay(idx))
	out, err := root.Call(ctx, greetProps{Name: "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hi ada", out.Text)
	assert.EqualValues(t, 1, calls.Load())

	tree := second.Checkpoints.Root()
	require.Len(t, tree.Children, 1)
	assert.Equal(t, first.Checkpoints.Root().Children[0].ID, tree.Children[0].ID)
	assert.Equal(t, true, tree.Children[0].Metadata[checkpoint.MetadataReplayed])
	assert.Equal(t, []event.Type{
		event.TypeStart,
		event.TypeComponentStart,
		event.TypeComponentStart,
		event.TypeComponentEnd,
		event.TypeComponentEnd,
	}, rec.types())
}

func TestCall_ReplayFallsBackWhenUndecodable(t *testing.T) {
	var calls atomic.Int32
	c := component.New("count", func(context.Context, int) (int, error) {
		calls.Add(1)
		return 5, nil
	})
	id := checkpoint.NodeID("", "count", "0")
	idx := map[string]*checkpoint.ExecutionNode{
		id: {ID: id, ComponentName: "count", Output: checkpoint.Complete(json.RawMessage(`"not a number"`))},
	}
	ctx, _, _ := newRun(t, engine.WithReplay(idx))
	out, err := c.Call(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, out)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCall_SecretPropsRedactedInSnapshot(t *testing.T) {
	type creds struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	login := component.New("login", func(_ context.Context, c creds) (string, error) {
		return "token-for-" + c.User, nil
	}, component.WithSecretProps("password"), component.WithSecretOutputs())

	ctx, run, _ := newRun(t)
	out, err := login.Call(ctx, creds{User: "ada", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, "token-for-ada", out)

	snap, err := run.Checkpoints.Snapshot()
	require.NoError(t, err)
	raw, err := snap.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter22")
	assert.NotContains(t, string(raw), "token-for-ada")
	assert.Contains(t, string(raw), checkpoint.Redacted)

	live := run.Checkpoints.Root()
	assert.Equal(t, "token-for-ada", live.Output.Value)
}

func TestCall_SecretScrubbedFromError(t *testing.T) {
	type keyed struct {
		User   string `json:"user"`
		APIKey string `json:"apiKey"`
	}
	call := component.New("provider", func(_ context.Context, k keyed) (string, error) {
		return "", fmt.Errorf("provider rejected key %s", k.APIKey)
	}, component.WithSecretProps("apiKey"))

	ctx, run, _ := newRun(t)
	_, err := call.Call(ctx, keyed{User: "ada", APIKey: "sk-live-abcdef123456"})
	require.Error(t, err)

	snap, err := run.Checkpoints.Snapshot()
	require.NoError(t, err)
	raw, err := snap.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-live-abcdef123456")
	assert.Equal(t, "provider rejected key "+checkpoint.Redacted, snap.Root.Error)
	assert.Contains(t, run.Checkpoints.Root().Error, "sk-live-abcdef123456")
}

func TestWithStreaming_MarksContext(t *testing.T) {
	var seen bool
	c := component.New("llm", func(ctx context.Context, _ int) (int, error) {
		seen = runctx.From(ctx).Streaming()
		return 0, nil
	}, component.WithStreaming())

	ctx, rc := runctx.WithContext(context.Background(), nil)
	_, err := c.Call(ctx, 0)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.True(t, rc.HadStreaming())
	assert.False(t, rc.Streaming())
}

func TestInvoke_WithResolver(t *testing.T) {
	ctx, run, _ := newRun(t)
	greet := component.New("greet", func(_ context.Context, p greetProps) (greeting, error) {
		return greeting{Text: "hi " + p.Name}, nil
	})
	root := component.New("root", func(ctx context.Context, _ struct{}) (any, error) {
		return resolve.ResolveDeep(ctx, map[string]any{
			"a": greet.Element(greetProps{Name: "ada"}),
			"b": resolve.Invoke(greet, map[string]any{"name": "bob"}, func(_ context.Context, o any) (any, error) {
				return o.(greeting).Text + "!", nil
			}),
			"c": 3,
		})
	})

	out, err := root.Call(ctx, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": greeting{Text: "hi ada"},
		"b": "hi bob!",
		"c": 3,
	}, out)

	tree := run.Checkpoints.Root()
	require.Len(t, tree.Children, 2)
	assert.Equal(t, checkpoint.NodeID(tree.ID, "greet", "0/0"), tree.Children[0].ID)
	assert.Equal(t, checkpoint.NodeID(tree.ID, "greet", "1/0"), tree.Children[1].ID)
}
