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
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-durable-go/log"
)

// Bus orders the messages of one run and forwards them to a sink. Sends
// are serialized, so the sink observes messages in Seq order.
type Bus struct {
	runID string
	sink  Sink

	mu       sync.Mutex
	seq      int64
	proto    *protocol
	versions map[string]int
}

// NewBus creates a bus for runID. A nil sink drops messages after
// validating them.
func NewBus(runID string, sink Sink) *Bus {
	return &Bus{
		runID:    runID,
		sink:     sink,
		proto:    newProtocol(),
		versions: map[string]int{},
	}
}

// Send validates msg against the stream grammar, stamps it, and forwards
// it. A rejected message is not forwarded.
func (b *Bus) Send(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.proto.check(msg); err != nil {
		log.Warnf("event: run %s rejected %s message: %v", b.runID, msg.Type, err)
		return err
	}
	b.proto.apply(msg)
	b.seq++
	msg.Seq = b.seq
	msg.RunID = b.runID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Type == TypeObject {
		b.versions[msg.Label]++
		msg.Version = b.versions[msg.Label]
	}
	if b.sink == nil {
		return nil
	}
	if err := b.sink.Send(ctx, msg); err != nil {
		log.Warnf("event: run %s sink dropped message %d (%s): %v", b.runID, msg.Seq, msg.Type, err)
		return fmt.Errorf("event: sink: %w", err)
	}
	return nil
}

// RunID returns the run id.
func (b *Bus) RunID() string {
	return b.runID
}

// Closed reports whether the terminal message was sent.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proto.closed
}

// Seq returns the number of messages sent.
func (b *Bus) Seq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// OpenComponents returns how many components started but did not end.
func (b *Bus) OpenComponents() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.proto.open)
}
