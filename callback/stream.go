//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package callback

import (
	"context"

	"trpc.group/trpc-go/trpc-durable-go/event"
	"trpc.group/trpc-go/trpc-durable-go/log"
)

// runStream is the message history of one run and its live subscribers.
type runStream struct {
	history []*event.Message
	subs    map[chan *event.Message]struct{}
	done    bool
}

func (s *Server) stream(runID string) *runStream {
	st, ok := s.streams[runID]
	if !ok {
		st = &runStream{subs: map[chan *event.Message]struct{}{}}
		s.streams[runID] = st
	}
	return st
}

// subscribe returns the messages runID sent so far and a channel carrying
// the following ones. The channel is closed after the terminal message.
func (s *Server) subscribe(runID string) ([]*event.Message, <-chan *event.Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(runID)
	history := append([]*event.Message(nil), st.history...)
	ch := make(chan *event.Message, s.subscriberBuffer)
	if st.done {
		close(ch)
		return history, ch, func() {}
	}
	st.subs[ch] = struct{}{}
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(st.subs, ch)
		if len(st.history) == 0 && len(st.subs) == 0 && !st.done && s.streams[runID] == st {
			delete(s.streams, runID)
		}
	}
	return history, ch, cancel
}

func (s *Server) publish(_ context.Context, msg *event.Message) error {
	msg = msg.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(msg.RunID)
	if st.done {
		return nil
	}
	st.history = append(st.history, msg)
	for ch := range st.subs {
		select {
		case ch <- msg:
		default:
			log.Warnf("callback: event stream of run %s is lagging, dropped message %d", msg.RunID, msg.Seq)
		}
	}
	if !msg.Type.Terminal() {
		return nil
	}
	st.done = true
	for ch := range st.subs {
		close(ch)
		delete(st.subs, ch)
	}
	s.finished = append(s.finished, msg.RunID)
	for len(s.finished) > s.retainedRuns {
		delete(s.streams, s.finished[0])
		s.finished = s.finished[1:]
	}
	return nil
}
