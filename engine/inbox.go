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
	"errors"
	"sort"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-durable-go/log"
)

// ErrAlreadyFulfilled is returned when a value is delivered twice.
var ErrAlreadyFulfilled = errors.New("engine: request already fulfilled")

// ErrInboxFull is returned when too many deliveries wait for branches that
// have not suspended yet.
var ErrInboxFull = errors.New("engine: too many early deliveries")

// Defaults for buffered early deliveries.
const (
	DefaultEarlyLimit = 1024
	DefaultEarlyTTL   = 5 * time.Minute
)

type delivery struct {
	value any
	err   error
	at    time.Time
}

type waiter struct {
	ch  chan delivery
	req *InputRequest
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithEarlyLimit caps the deliveries kept for branches that have not
// suspended yet. Non-positive values keep the default.
func WithEarlyLimit(n int) InboxOption {
	return func(i *Inbox) {
		if n > 0 {
			i.earlyLimit = n
		}
	}
}

// WithEarlyTTL sets how long an early delivery is kept. Non-positive values
// keep the default.
func WithEarlyTTL(d time.Duration) InboxOption {
	return func(i *Inbox) {
		if d > 0 {
			i.earlyTTL = d
		}
	}
}

// Inbox is an in-process Host. Suspended branches wait on it until
// Fulfill or Fail is called for their node. Values that arrive before the
// branch suspends are kept until it does, bounded in count and age.
type Inbox struct {
	mu         sync.Mutex
	waiting    map[string]*waiter
	early      map[string]delivery
	earlyLimit int
	earlyTTL   time.Duration
}

// NewInbox creates an empty inbox.
func NewInbox(opts ...InboxOption) *Inbox {
	i := &Inbox{
		waiting:    map[string]*waiter{},
		early:      map[string]delivery{},
		earlyLimit: DefaultEarlyLimit,
		earlyTTL:   DefaultEarlyTTL,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func inboxKey(runID, nodeID string) string {
	return runID + "/" + nodeID
}

// OnRequestInput implements Host. It honors req.TimeoutAt.
func (i *Inbox) OnRequestInput(ctx context.Context, req *InputRequest) (*InputResponse, error) {
	d, err := i.wait(ctx, req, req.TimeoutAt)
	if err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}
	return &InputResponse{Value: d.value}, nil
}

// OnWaitForInput implements Host.
func (i *Inbox) OnWaitForInput(ctx context.Context, runID, nodeID string) (any, error) {
	d, err := i.wait(ctx, &InputRequest{RunID: runID, NodeID: nodeID, Kind: KindInput}, nil)
	if err != nil {
		return nil, err
	}
	return d.value, d.err
}

// OnRestoreCheckpoint implements Host. Restores are always accepted.
func (i *Inbox) OnRestoreCheckpoint(ctx context.Context, req *RestoreRequest) error {
	return NoopHost{}.OnRestoreCheckpoint(ctx, req)
}

func (i *Inbox) wait(ctx context.Context, req *InputRequest, deadline *time.Time) (delivery, error) {
	k := inboxKey(req.RunID, req.NodeID)
	i.mu.Lock()
	if d, ok := i.early[k]; ok {
		delete(i.early, k)
		if !i.expired(d, time.Now()) {
			i.mu.Unlock()
			return d, nil
		}
	}
	w := &waiter{ch: make(chan delivery, 1), req: req}
	i.waiting[k] = w
	i.mu.Unlock()

	var timeout <-chan time.Time
	if deadline != nil {
		t := time.NewTimer(time.Until(*deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case d := <-w.ch:
		return d, nil
	case <-timeout:
		if d, ok := i.abandon(k, w); ok {
			return d, nil
		}
		return delivery{}, ErrInputTimeout
	case <-ctx.Done():
		if d, ok := i.abandon(k, w); ok {
			return d, nil
		}
		return delivery{}, ctx.Err()
	}
}

// abandon removes w unless a delivery raced in, which is then returned.
func (i *Inbox) abandon(k string, w *waiter) (delivery, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.waiting[k] == w {
		delete(i.waiting, k)
		return delivery{}, false
	}
	select {
	case d := <-w.ch:
		return d, true
	default:
		return delivery{}, false
	}
}

// Fulfill delivers value to the branch suspended on nodeID.
func (i *Inbox) Fulfill(runID, nodeID string, value any) error {
	return i.deliver(runID, nodeID, delivery{value: value})
}

// Fail resumes the branch suspended on nodeID with err.
func (i *Inbox) Fail(runID, nodeID string, err error) error {
	return i.deliver(runID, nodeID, delivery{err: err})
}

func (i *Inbox) deliver(runID, nodeID string, d delivery) error {
	k := inboxKey(runID, nodeID)
	i.mu.Lock()
	defer i.mu.Unlock()
	if w, ok := i.waiting[k]; ok {
		delete(i.waiting, k)
		w.ch <- d
		return nil
	}
	now := time.Now()
	i.pruneEarly(now)
	if _, ok := i.early[k]; ok {
		return ErrAlreadyFulfilled
	}
	if len(i.early) >= i.earlyLimit {
		log.Warnf("engine: dropping delivery for %s: %d early deliveries buffered", k, len(i.early))
		return ErrInboxFull
	}
	log.Debugf("engine: buffering delivery for %s before it suspends", k)
	d.at = now
	i.early[k] = d
	return nil
}

func (i *Inbox) expired(d delivery, now time.Time) bool {
	return now.Sub(d.at) > i.earlyTTL
}

// pruneEarly drops expired early deliveries. Callers hold i.mu.
func (i *Inbox) pruneEarly(now time.Time) {
	for k, d := range i.early {
		if i.expired(d, now) {
			delete(i.early, k)
		}
	}
}

// Pending returns the requests of runID currently suspended, ordered by
// node id.
func (i *Inbox) Pending(runID string) []*InputRequest {
	i.mu.Lock()
	var out []*InputRequest
	for _, w := range i.waiting {
		if w.req.RunID == runID {
			out = append(out, w.req)
		}
	}
	i.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].NodeID < out[b].NodeID })
	return out
}
