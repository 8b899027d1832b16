//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package event_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-durable-go/event"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*event.Message
}

func (r *recorder) Send(_ context.Context, m *event.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m.Clone())
	return nil
}

func TestBus_Grammar(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	bus := event.NewBus("run-1", rec)

	assert.ErrorIs(t, bus.Send(ctx, event.NewData("early")), event.ErrNotStarted)
	require.NoError(t, bus.Send(ctx, event.NewStart("wf")))
	assert.ErrorIs(t, bus.Send(ctx, event.NewStart("wf")), event.ErrAlreadyStarted)

	require.NoError(t, bus.Send(ctx, event.NewComponentStart("wf", "root", "")))
	require.NoError(t, bus.Send(ctx, event.NewComponentStart("Child", "c1", "root")))
	assert.ErrorIs(t, bus.Send(ctx, event.NewComponentEnd("wf", "root")), event.ErrUnbalanced,
		"parent cannot end before its children")
	assert.ErrorIs(t, bus.Send(ctx, event.NewComponentStart("Child", "c1", "root")), event.ErrUnbalanced)
	require.NoError(t, bus.Send(ctx, event.NewComponentEnd("Child", "c1")))
	assert.ErrorIs(t, bus.Send(ctx, event.NewComponentEnd("Child", "c1")), event.ErrUnbalanced)
	require.NoError(t, bus.Send(ctx, event.NewComponentEnd("wf", "root")))
	assert.Equal(t, 0, bus.OpenComponents())

	require.NoError(t, bus.Send(ctx, event.NewEnd()))
	assert.True(t, bus.Closed())
	assert.ErrorIs(t, bus.Send(ctx, event.NewData("late")), event.ErrBusClosed)
	assert.ErrorIs(t, bus.Send(ctx, event.NewError(errors.New("late"))), event.ErrBusClosed)

	require.Len(t, rec.msgs, 6)
	for i, m := range rec.msgs {
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, "run-1", m.RunID)
		assert.NotEmpty(t, m.ID)
	}
	require.NoError(t, event.Validate(rec.msgs))
}

func TestBus_ObjectVersions(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	bus := event.NewBus("run", rec)
	require.NoError(t, bus.Send(ctx, event.NewStart("wf")))
	require.NoError(t, bus.Send(ctx, event.NewObject("draft", map[string]any{"text": "a"})))
	require.NoError(t, bus.Send(ctx, event.NewObject("draft", map[string]any{"text": "ab"})))
	require.NoError(t, bus.Send(ctx, event.NewObject("plan", []string{"x"})))
	assert.Equal(t, 1, rec.msgs[1].Version)
	assert.Equal(t, 2, rec.msgs[2].Version)
	assert.Equal(t, 1, rec.msgs[3].Version)
}

func TestBus_ConcurrentSendsAreOrdered(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	bus := event.NewBus("run", rec)
	require.NoError(t, bus.Send(ctx, event.NewStart("wf")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, bus.Send(ctx, event.NewData(i)))
		}(i)
	}
	wg.Wait()
	require.NoError(t, bus.Send(ctx, event.NewError(errors.New("boom"))))
	require.Len(t, rec.msgs, 52)
	for i, m := range rec.msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
	assert.Equal(t, "boom", rec.msgs[51].Error)
}

func TestBus_SinkErrorPropagates(t *testing.T) {
	bus := event.NewBus("run", event.SinkFunc(func(context.Context, *event.Message) error {
		return errors.New("gone")
	}))
	err := bus.Send(context.Background(), event.NewStart("wf"))
	require.Error(t, err)
	assert.Equal(t, int64(1), bus.Seq())
}

func TestValidate(t *testing.T) {
	start := event.NewStart("wf")
	tests := []struct {
		name string
		msgs []*event.Message
		ok   bool
	}{
		{"empty", nil, false},
		{"no terminal", []*event.Message{start}, false},
		{"minimal", []*event.Message{start, event.NewEnd()}, true},
		{"error terminal", []*event.Message{start, event.NewError(errors.New("x"))}, true},
		{"two terminals", []*event.Message{start, event.NewEnd(), event.NewEnd()}, false},
		{"dangling component", []*event.Message{
			start, event.NewComponentStart("A", "a", ""), event.NewEnd(),
		}, false},
		{"unknown type", []*event.Message{start, {Type: "weird"}, event.NewEnd()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := event.Validate(tt.msgs)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestChannelSink_ClosesAfterTerminal(t *testing.T) {
	ctx := context.Background()
	sink := event.NewChannelSink(4)
	bus := event.NewBus("run", sink)
	require.NoError(t, bus.Send(ctx, event.NewStart("wf")))
	require.NoError(t, bus.Send(ctx, event.NewEvent("progress", 50)))
	require.NoError(t, bus.Send(ctx, event.NewEnd()))

	var types []event.Type
	for m := range sink.C() {
		types = append(types, m.Type)
	}
	assert.Equal(t, []event.Type{event.TypeStart, event.TypeEvent, event.TypeEnd}, types)
	assert.Error(t, sink.Send(ctx, event.NewData(1)))
}

func TestChannelSink_HonorsContext(t *testing.T) {
	sink := event.NewChannelSink(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.Send(ctx, event.NewData(1)), context.DeadlineExceeded)
}

func TestJSONLSink(t *testing.T) {
	var buf bytes.Buffer
	bus := event.NewBus("run", event.NewJSONLSink(&buf))
	ctx := context.Background()
	require.NoError(t, bus.Send(ctx, event.NewStart("wf")))
	require.NoError(t, bus.Send(ctx, event.NewExternalTool(&event.ToolCall{NodeID: "n", ToolName: "search"})))
	require.NoError(t, bus.Send(ctx, event.NewEnd()))

	var lines []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "external-tool", lines[1]["type"])
	assert.Equal(t, "n", lines[1]["componentId"])
	assert.Equal(t, "search", lines[1]["tool"].(map[string]any)["toolName"])
}

func TestSSESink(t *testing.T) {
	w := httptest.NewRecorder()
	sink, err := event.NewSSESink(w)
	require.NoError(t, err)
	bus := event.NewBus("run", sink)
	require.NoError(t, bus.Send(context.Background(), event.NewStart("wf")))

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "id: 1\nevent: start\ndata: {"))
	assert.True(t, strings.HasSuffix(body, "}\n\n"))
	assert.True(t, w.Flushed)
}

func TestMessage_Clone(t *testing.T) {
	m := event.NewExternalTool(&event.ToolCall{NodeID: "n", ToolName: "a"})
	c := m.Clone()
	c.Tool.ToolName = "b"
	assert.Equal(t, "a", m.Tool.ToolName)
	assert.Nil(t, (*event.Message)(nil).Clone())
}
