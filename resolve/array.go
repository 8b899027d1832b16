//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package resolve

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-durable-go/runctx"
)

// Array is a lazy pipeline over a list. Nothing runs until ToArray is
// called or the array is passed to ResolveDeep. Each stage is fully
// evaluated before the next one starts.
type Array[T any] struct {
	eval func(ctx context.Context) ([]T, error)
}

// Option configures a stage.
type Option func(*stageOptions)

type stageOptions struct {
	concurrency int
}

// WithConcurrency bounds the number of items of a stage that run at once.
// Zero or less runs every item concurrently.
func WithConcurrency(n int) Option {
	return func(o *stageOptions) { o.concurrency = n }
}

// From starts a pipeline over items.
func From[T any](items []T) *Array[T] {
	cp := append([]T(nil), items...)
	return &Array[T]{eval: func(context.Context) ([]T, error) { return cp, nil }}
}

// Map applies fn to every item.
func Map[T, U any](a *Array[T], fn func(ctx context.Context, item T, index int) (U, error), opts ...Option) *Array[U] {
	o := newStageOptions(opts)
	return &Array[U]{eval: func(ctx context.Context) ([]U, error) {
		items, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		return runStage(ctx, items, o.concurrency, fn)
	}}
}

// FlatMap applies fn to every item and concatenates the results in item
// order.
func FlatMap[T, U any](a *Array[T], fn func(ctx context.Context, item T, index int) ([]U, error), opts ...Option) *Array[U] {
	o := newStageOptions(opts)
	return &Array[U]{eval: func(ctx context.Context) ([]U, error) {
		items, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		nested, err := runStage(ctx, items, o.concurrency, fn)
		if err != nil {
			return nil, err
		}
		var out []U
		for _, part := range nested {
			out = append(out, part...)
		}
		return out, nil
	}}
}

// Filter keeps the items for which fn reports true.
func (a *Array[T]) Filter(fn func(ctx context.Context, item T, index int) (bool, error), opts ...Option) *Array[T] {
	o := newStageOptions(opts)
	return &Array[T]{eval: func(ctx context.Context) ([]T, error) {
		items, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		keep, err := runStage(ctx, items, o.concurrency, fn)
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(items))
		for i, ok := range keep {
			if ok {
				out = append(out, items[i])
			}
		}
		return out, nil
	}}
}

// ToArray runs the pipeline.
func (a *Array[T]) ToArray(ctx context.Context) ([]T, error) {
	out, err := a.eval(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func (a *Array[T]) resolveValue(ctx context.Context) (any, error) {
	return a.ToArray(ctx)
}

func newStageOptions(opts []Option) stageOptions {
	var o stageOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// runStage runs fn over items on a worker pool. Items launch in index
// order through awaitLaunch.
func runStage[T, U any](
	parent context.Context,
	items []T,
	concurrency int,
	fn func(ctx context.Context, item T, index int) (U, error),
) ([]U, error) {
	out := make([]U, len(items))
	if len(items) == 0 {
		return out, nil
	}
	size := concurrency
	if size <= 0 || size > len(items) {
		size = len(items)
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("resolve: create worker pool: %w", err)
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		bctx, rc := runctx.ForkAt(ctx, i)
		done := make(chan struct{})
		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					fail(fmt.Errorf("resolve: item %d panicked: %v", i, r))
				}
			}()
			v, err := fn(bctx, item, i)
			if err != nil {
				fail(err)
				return
			}
			out[i] = v
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			fail(fmt.Errorf("resolve: submit item %d: %w", i, err))
			break
		}
		awaitLaunch(ctx, rc.Started(), done)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
