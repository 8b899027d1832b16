//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"context"

	"trpc.group/trpc-go/trpc-durable-go/event"
	"trpc.group/trpc-go/trpc-durable-go/runctx"
)

// PublishData emits a free-form progress payload. No node is created.
func PublishData(ctx context.Context, data any) error {
	return publish(ctx, event.NewData(data))
}

// PublishEvent emits a labelled progress event.
func PublishEvent(ctx context.Context, label string, data any) error {
	return publish(ctx, event.NewEvent(label, data))
}

// PublishObject emits the latest value of a labelled object. Consumers
// keep the message with the highest version per label.
func PublishObject(ctx context.Context, label string, obj any) error {
	return publish(ctx, event.NewObject(label, obj))
}

func publish(ctx context.Context, msg *event.Message) error {
	r, ok := FromContext(ctx)
	if !ok {
		return ErrNoRun
	}
	msg.ComponentID = runctx.From(ctx).NodeID()
	return r.Emit(ctx, msg)
}
