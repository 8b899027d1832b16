//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"context"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-durable-go/checkpoint"
	"trpc.group/trpc-go/trpc-durable-go/engine"
	"trpc.group/trpc-go/trpc-durable-go/event"
	"trpc.group/trpc-go/trpc-durable-go/log"
	"trpc.group/trpc-go/trpc-durable-go/schema"
	"trpc.group/trpc-go/trpc-durable-go/telemetry/metric"
)

// MissingImplementationKey marks a response from a host that has no
// implementation for the requested tool.
const MissingImplementationKey = "__missingToolImplementation"

// MissingImplementation returns the response a host sends when it cannot
// run the requested tool.
func MissingImplementation() map[string]any {
	return map[string]any{MissingImplementationKey: true}
}

// IsMissingImplementation reports whether v is the MissingImplementation
// response, in any of its decoded forms.
func IsMissingImplementation(v any) bool {
	m, err := schema.Decode[map[string]any](v)
	if err != nil || len(m) != 1 {
		return false
	}
	flag, _ := m[MissingImplementationKey].(bool)
	return flag
}

// MissingImplementationError is returned when the host has no
// implementation of the tool.
type MissingImplementationError struct {
	Tool string
}

// Error implements error.
func (e *MissingImplementationError) Error() string {
	return fmt.Sprintf("tool: host has no implementation of %s", e.Tool)
}

// ExecuteExternalTool asks the host to run the tool name of box with
// params and decodes its result into R.
//
// The name and params are checked before anything is recorded or sent: an
// unknown name or invalid params yields a *schema.ValidationError and no
// message. The call then becomes a pending node, an external-tool message
// announces it with secret params masked, and the branch suspends until the
// host answers.
func ExecuteExternalTool[R any](ctx context.Context, box *Box, name string, params any) (R, error) {
	var zero R
	def, ok := box.Get(name)
	if !ok {
		return zero, &schema.ValidationError{
			Path:    "name",
			Message: fmt.Sprintf("unknown tool %q", name),
			Err:     ErrToolNotFound,
		}
	}
	if def.Params != nil {
		if err := def.Params.Validate(params); err != nil {
			return zero, err
		}
	}

	node, err := engine.NewNode(ctx, def.Name)
	if err != nil {
		return zero, err
	}
	if rec, ok := node.Recorded(); ok && rec.Output != nil {
		if out, err := schema.Decode[R](rec.Output.Value); err == nil {
			if err := node.Replay(ctx); err == nil {
				return out, nil
			}
		}
	}

	run := node.Run
	if _, err := node.Start(ctx, params,
		map[string]any{"kind": string(engine.KindExternalTool), "tool": def.Name},
		checkpoint.ComponentOpts{SecretProps: append([]string(nil), def.SecretParams...)},
	); err != nil {
		return zero, fmt.Errorf("tool %s: %w", def.Name, err)
	}
	callbackURL := run.CallbackURL(node.ID)
	if err := node.SetPending(callbackURL); err != nil {
		log.Warnf("tool %s: mark node %s pending: %v", def.Name, node.ID, err)
	}

	decl := def.Declaration()
	call := &event.ToolCall{
		NodeID:       node.ID,
		ToolName:     def.Name,
		Params:       params,
		ParamsSchema: decl.InputSchema,
		ResultSchema: decl.OutputSchema,
		CallbackURL:  callbackURL,
	}
	announced := *call
	if len(def.SecretParams) > 0 {
		masked, err := checkpoint.Redact(params, def.SecretParams...)
		if err != nil {
			node.Finish(ctx, nil, err)
			return zero, fmt.Errorf("tool %s: mask params: %w", def.Name, err)
		}
		announced.Params = masked
	}
	if err := run.Emit(ctx, event.NewExternalTool(&announced, event.WithParentID(node.ParentID))); err != nil {
		log.Warnf("tool %s: emit external-tool: %v", def.Name, err)
	}

	if err := run.Checkpoints.WaitForPendingUpdates(ctx); err != nil {
		node.Finish(ctx, nil, err)
		return zero, fmt.Errorf("tool %s: flush before suspending: %w", def.Name, err)
	}
	metric.RecordSuspension(ctx, string(engine.KindExternalTool))
	resp, err := run.Host.OnRequestInput(ctx, &engine.InputRequest{
		RunID:        run.ID,
		NodeID:       node.ID,
		Kind:         engine.KindExternalTool,
		CallbackURL:  callbackURL,
		ResultSchema: decl.OutputSchema,
		Tool:         call,
		Announced:    &announced,
	})
	if err == nil && resp == nil {
		err = errors.New("host returned no response")
	}
	if err != nil {
		node.Finish(ctx, nil, err)
		return zero, fmt.Errorf("tool %s: %w", def.Name, err)
	}
	if IsMissingImplementation(resp.Value) {
		err := &MissingImplementationError{Tool: def.Name}
		node.Finish(ctx, nil, err)
		return zero, err
	}
	if def.Result != nil {
		if err := def.Result.Validate(resp.Value); err != nil {
			node.Finish(ctx, nil, err)
			return zero, err
		}
	}
	out, err := schema.Decode[R](resp.Value)
	if err != nil {
		node.Finish(ctx, nil, err)
		return zero, err
	}
	node.Finish(ctx, resp.Value, nil)
	return out, nil
}
