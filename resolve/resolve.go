//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package resolve evaluates trees of pending component invocations into
// plain values.
//
// A tree is any value built from *Element, []any, []*Element,
// map[string]any and lazy *Array builders. Sibling entries resolve
// concurrently, each in its own forked execution context, and the shape of
// the containers is preserved. Values of any other type are returned
// unchanged.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"trpc.group/trpc-go/trpc-durable-go/runctx"
)

// ErrNoComponent is returned for an element without a component.
var ErrNoComponent = errors.New("resolve: element has no component")

// Invoker is a component that can be invoked with loosely typed props.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, props any) (any, error)
}

// Kind identifies what an element does when resolved.
type Kind string

// KindInvoke invokes a component.
const KindInvoke Kind = "invoke"

// ChildFunc renders the output of a component into the next value to
// resolve.
type ChildFunc func(ctx context.Context, output any) (any, error)

// Element is a pending component invocation.
type Element struct {
	Kind      Kind
	Component Invoker
	Props     any
	Children  ChildFunc
}

// Invoke builds an element for c. Multiple children are applied in order,
// each receiving the resolved result of the previous one.
func Invoke(c Invoker, props any, children ...ChildFunc) *Element {
	el := &Element{Kind: KindInvoke, Component: c, Props: props}
	switch len(children) {
	case 0:
	case 1:
		el.Children = children[0]
	default:
		el.Children = chain(children)
	}
	return el
}

func chain(children []ChildFunc) ChildFunc {
	return func(ctx context.Context, output any) (any, error) {
		cur := output
		for _, child := range children {
			next, err := child(ctx, cur)
			if err != nil {
				return nil, err
			}
			if cur, err = ResolveDeep(ctx, next); err != nil {
				return nil, err
			}
		}
		return cur, nil
	}
}

// resolvable is a lazy value that evaluates to something resolvable.
type resolvable interface {
	resolveValue(ctx context.Context) (any, error)
}

// ResolveDeep resolves every pending invocation in v. The first error
// returned by any branch is returned.
func ResolveDeep(ctx context.Context, v any) (any, error) {
	if !pending(v) {
		return v, nil
	}
	switch x := v.(type) {
	case *Element:
		return resolveElement(ctx, x)
	case resolvable:
		out, err := x.resolveValue(ctx)
		if err != nil {
			return nil, err
		}
		return ResolveDeep(ctx, out)
	case []any:
		return resolveAll(ctx, x)
	case []*Element:
		items := make([]any, len(x))
		for i, el := range x {
			items[i] = el
		}
		return resolveAll(ctx, items)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = x[k]
		}
		resolved, err := resolveAll(ctx, items)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(keys))
		for i, k := range keys {
			out[k] = resolved[i]
		}
		return out, nil
	}
	return v, nil
}

func resolveElement(ctx context.Context, el *Element) (any, error) {
	if el.Component == nil {
		return nil, ErrNoComponent
	}
	props, err := ResolveDeep(ctx, el.Props)
	if err != nil {
		return nil, fmt.Errorf("resolve props of %s: %w", el.Component.Name(), err)
	}
	out, err := el.Component.Invoke(ctx, props)
	if err != nil {
		return nil, err
	}
	if el.Children != nil {
		if out, err = el.Children(ctx, out); err != nil {
			return nil, err
		}
	}
	return ResolveDeep(ctx, out)
}

// resolveAll resolves items concurrently. Branches launch in index order;
// see awaitLaunch.
func resolveAll(ctx context.Context, items []any) ([]any, error) {
	out := make([]any, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		if !pending(item) {
			out[i] = item
			continue
		}
		if gctx.Err() != nil {
			break
		}
		bctx, rc := runctx.ForkAt(gctx, i)
		done := make(chan struct{})
		g.Go(func() error {
			defer close(done)
			v, err := ResolveDeep(bctx, item)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
		awaitLaunch(gctx, rc.Started(), done)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// launchGrace bounds how long a launch waits for the previous sibling.
const launchGrace = 20 * time.Millisecond

// awaitLaunch holds back the next sibling until the branch registered its
// first node or finished, so sequence numbers follow index order. A branch
// that blocks before its first node releases the next sibling after
// launchGrace.
func awaitLaunch(ctx context.Context, started, done <-chan struct{}) {
	timer := time.NewTimer(launchGrace)
	defer timer.Stop()
	select {
	case <-started:
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// pending reports whether v holds anything left to resolve.
func pending(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case *Element:
		return x != nil
	case resolvable:
		return true
	case []*Element:
		return len(x) > 0
	case []any:
		for _, item := range x {
			if pending(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range x {
			if pending(item) {
				return true
			}
		}
	}
	return false
}
