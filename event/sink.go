//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Sink consumes workflow messages. Fan-out to several consumers is the
// sink's concern.
type Sink interface {
	Send(ctx context.Context, msg *Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg *Message) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// ChannelSink delivers messages on a buffered channel and closes it after
// the terminal message.
type ChannelSink struct {
	ch     chan *Message
	once   sync.Once
	closed chan struct{}
}

// NewChannelSink creates a channel sink with the given buffer size.
func NewChannelSink(bufferSize int) *ChannelSink {
	return &ChannelSink{
		ch:     make(chan *Message, bufferSize),
		closed: make(chan struct{}),
	}
}

// C returns the receive side.
func (s *ChannelSink) C() <-chan *Message {
	return s.ch
}

// Send blocks until the message is buffered or ctx is done.
func (s *ChannelSink) Send(ctx context.Context, msg *Message) error {
	select {
	case <-s.closed:
		return errors.New("event: channel sink closed")
	default:
	}
	select {
	case s.ch <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	if msg.Type.Terminal() {
		s.Close()
	}
	return nil
}

// Close closes the channel. Further sends fail.
func (s *ChannelSink) Close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLSink writes to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

// Send implements Sink.
func (s *JSONLSink) Send(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(msg)
}

// SSESink writes messages as server-sent events, flushing each one.
type SSESink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSESink prepares w for an event stream. w must support flushing.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("event: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &SSESink{w: w, flusher: flusher}, nil
}

// Send implements Sink.
func (s *SSESink) Send(_ context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("event: marshal message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Seq, msg.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
