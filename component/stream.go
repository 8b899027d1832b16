//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package component

import (
	"io"
	"strings"
	"sync"
)

// NewStream creates a stream whose channel buffers bufferSize chunks before
// the writer blocks.
//
// A component that returns a *Stream leaves its node pending. The chunks the
// reader consumes are captured and become the node output once the reader
// sees the end of the stream. String chunks are concatenated, any other
// chunk type is recorded as a slice.
func NewStream[T any](bufferSize int) *Stream[T] {
	s := &stream[T]{
		items:  make(chan streamItem[T], bufferSize),
		closed: make(chan struct{}),
	}
	return &Stream[T]{
		Reader: &StreamReader[T]{s: s},
		Writer: &StreamWriter[T]{s: s},
		s:      s,
	}
}

// Stream is a chunked component output.
type Stream[T any] struct {
	Reader *StreamReader[T]
	Writer *StreamWriter[T]

	s *stream[T]
}

// StreamReader consumes a stream.
type StreamReader[T any] struct {
	s *stream[T]
}

// Recv receives the next chunk. It returns io.EOF once the writer closed
// the stream and every chunk was consumed.
//
//	for {
//		chunk, err := st.Reader.Recv()
//		if err == io.EOF {
//			break
//		}
//		if err != nil {
//			return err
//		}
//		fmt.Print(chunk)
//	}
func (r *StreamReader[T]) Recv() (T, error) {
	return r.s.recv()
}

// Close stops reading. What was consumed so far becomes the output.
func (r *StreamReader[T]) Close() {
	r.s.closeRecv()
}

// StreamWriter produces a stream.
type StreamWriter[T any] struct {
	s *stream[T]
}

// Send sends a chunk, or a failure when err is set. It reports whether the
// reader is gone and the chunk was dropped.
func (w *StreamWriter[T]) Send(chunk T, err error) (closed bool) {
	return w.s.send(chunk, err)
}

// Close ends the stream.
func (w *StreamWriter[T]) Close() {
	w.s.closeSend()
}

// Collect drains the stream and returns every chunk.
func (st *Stream[T]) Collect() ([]T, error) {
	var out []T
	for {
		chunk, err := st.Reader.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
}

// onSettle registers fn to run once with the captured output.
func (st *Stream[T]) onSettle(fn func(value any, err error)) {
	st.s.onSettle(fn)
}

func (st *Stream[T]) live() bool {
	return st != nil && st.s != nil
}

// settler is implemented by outputs that complete after the call returns.
type settler interface {
	onSettle(fn func(value any, err error))
	// live is false for a nil stream, which settles immediately.
	live() bool
}

type streamItem[T any] struct {
	chunk T
	err   error
}

type stream[T any] struct {
	items  chan streamItem[T]
	closed chan struct{}

	sendOnce sync.Once
	recvOnce sync.Once

	mu       sync.Mutex
	captured []T
	settled  bool
	value    any
	err      error
	hooks    []func(any, error)
}

func (s *stream[T]) recv() (chunk T, err error) {
	select {
	case <-s.closed:
		return chunk, io.EOF
	default:
	}
	item, ok := <-s.items
	if !ok {
		s.settle(nil)
		return chunk, io.EOF
	}
	if item.err != nil {
		s.settle(item.err)
		return chunk, item.err
	}
	s.mu.Lock()
	s.captured = append(s.captured, item.chunk)
	s.mu.Unlock()
	return item.chunk, nil
}

func (s *stream[T]) send(chunk T, err error) (closed bool) {
	select {
	case <-s.closed:
		return true
	default:
	}
	select {
	case <-s.closed:
		return true
	case s.items <- streamItem[T]{chunk: chunk, err: err}:
		return false
	}
}

func (s *stream[T]) closeSend() {
	s.sendOnce.Do(func() { close(s.items) })
}

func (s *stream[T]) closeRecv() {
	s.recvOnce.Do(func() { close(s.closed) })
	s.settle(nil)
}

func (s *stream[T]) onSettle(fn func(any, error)) {
	s.mu.Lock()
	if s.settled {
		value, err := s.value, s.err
		s.mu.Unlock()
		fn(value, err)
		return
	}
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *stream[T]) settle(err error) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	s.value = aggregate(s.captured)
	s.err = err
	hooks := s.hooks
	s.hooks = nil
	value := s.value
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(value, err)
	}
}

func aggregate[T any](chunks []T) any {
	if parts, ok := any(chunks).([]string); ok {
		return strings.Join(parts, "")
	}
	return append([]T{}, chunks...)
}
