//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package checkpoint records the execution tree of a run and persists
// redacted snapshots of it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-durable-go/log"
)

// DefaultFlushTimeout bounds a single snapshot save.
const DefaultFlushTimeout = 10 * time.Second

var (
	// ErrNodeNotFound is returned for operations on an unknown node id.
	ErrNodeNotFound = errors.New("checkpoint: node not found")
	// ErrDuplicateNode is returned when a node id is registered twice.
	ErrDuplicateNode = errors.New("checkpoint: duplicate node id")
	// ErrRootExists is returned when a second root node is registered.
	ErrRootExists = errors.New("checkpoint: root node already registered")
	// ErrOutputSettled is returned when a settled output is completed again.
	ErrOutputSettled = errors.New("checkpoint: output already settled")
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	sink         Sink
	flushTimeout time.Duration
	seqStart     int64
}

// WithSink sets where snapshots are written.
func WithSink(sink Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithFlushTimeout bounds a single snapshot save.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) { o.flushTimeout = d }
}

// WithSequenceStart continues sequence numbering after seq, so a new
// attempt of the same run never reuses a number.
func WithSequenceStart(seq int64) Option {
	return func(o *options) { o.seqStart = seq }
}

type ordinalKey struct {
	parentID string
	branch   string
	name     string
}

// Manager owns the execution tree of one run attempt. All mutation goes
// through its methods.
type Manager struct {
	runID        string
	workflowName string
	opts         options

	mu       sync.Mutex
	nodes    map[string]*ExecutionNode
	root     *ExecutionNode
	seq      int64
	ordinals map[ordinalKey]int

	wmu      sync.Mutex
	flushing bool
	dirty    bool
	idle     chan struct{}
	lastErr  error
}

// NewManager creates a manager for the given run.
func NewManager(runID, workflowName string, opts ...Option) *Manager {
	o := options{flushTimeout: DefaultFlushTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		runID:        runID,
		workflowName: workflowName,
		opts:         o,
		nodes:        make(map[string]*ExecutionNode),
		seq:          o.seqStart,
		ordinals:     make(map[ordinalKey]int),
	}
}

// RunID returns the run id.
func (m *Manager) RunID() string { return m.runID }

// WorkflowName returns the workflow name.
func (m *Manager) WorkflowName() string { return m.workflowName }

// NextID returns the id of the next node named name under parentID in the
// given fork branch. Ordinals count same-named siblings per branch.
func (m *Manager) NextID(parentID, branch, name string) string {
	m.mu.Lock()
	key := ordinalKey{parentID: parentID, branch: branch, name: name}
	n := m.ordinals[key]
	m.ordinals[key] = n + 1
	m.mu.Unlock()

	ordinal := strconv.Itoa(n)
	if branch != "" {
		ordinal = branch + "/" + ordinal
	}
	return NodeID(parentID, name, ordinal)
}

// AddNode registers node as a child of node.ParentID, or as the root when
// it has no parent, and assigns its sequence number.
func (m *Manager) AddNode(node *ExecutionNode) error {
	if node == nil || node.ID == "" {
		return errors.New("checkpoint: node id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	if err := m.attachLocked(node); err != nil {
		return err
	}
	m.seq++
	node.SequenceNumber = m.seq
	if node.StartTime.IsZero() {
		node.StartTime = time.Now()
	}
	m.nodes[node.ID] = node
	log.Tracef("checkpoint: add node %s (seq %d, parent %q)", node.ID, node.SequenceNumber, node.ParentID)
	return nil
}

func (m *Manager) attachLocked(node *ExecutionNode) error {
	if node.ParentID == "" {
		if m.root != nil {
			return fmt.Errorf("%w: %s", ErrRootExists, m.root.ID)
		}
		m.root = node
		return nil
	}
	parent, ok := m.nodes[node.ParentID]
	if !ok {
		return fmt.Errorf("%w: parent %s of %s", ErrNodeNotFound, node.ParentID, node.ID)
	}
	parent.Children = append(parent.Children, node)
	return nil
}

// Graft registers a copy of a previously recorded subtree under parentID.
// Ids are kept, sequence numbers are reassigned in pre-order.
func (m *Manager) Graft(parentID string, sub *ExecutionNode) (*ExecutionNode, error) {
	if sub == nil {
		return nil, errors.New("checkpoint: nil subtree")
	}
	cp := sub.Clone()
	cp.ParentID = parentID
	m.mu.Lock()
	defer m.mu.Unlock()
	var dup error
	cp.Walk(func(n *ExecutionNode) bool {
		if _, ok := m.nodes[n.ID]; ok {
			dup = fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
			return false
		}
		return true
	})
	if dup != nil {
		return nil, dup
	}
	if err := m.attachLocked(cp); err != nil {
		return nil, err
	}
	cp.Walk(func(n *ExecutionNode) bool {
		m.seq++
		n.SequenceNumber = m.seq
		m.nodes[n.ID] = n
		return true
	})
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	cp.Metadata[MetadataReplayed] = true
	return cp.Clone(), nil
}

// SetPending marks the output of id as in flight.
func (m *Manager) SetPending(id, handle string) error {
	return m.UpdateNode(id, func(n *ExecutionNode) error {
		if n.Output != nil {
			return fmt.Errorf("%w: %s", ErrOutputSettled, id)
		}
		n.Output = Pending(handle)
		return nil
	})
}

// CompleteNode settles id. A failed invocation records cause and no output.
// A pending output may be completed once.
func (m *Manager) CompleteNode(id string, output any, cause error) error {
	return m.UpdateNode(id, func(n *ExecutionNode) error {
		if n.Output != nil && !n.Output.IsPending() {
			return fmt.Errorf("%w: %s", ErrOutputSettled, id)
		}
		if n.EndTime != nil && n.Output == nil {
			return fmt.Errorf("%w: %s", ErrOutputSettled, id)
		}
		end := time.Now()
		n.EndTime = &end
		if cause != nil {
			n.Error = cause.Error()
			n.Output = nil
			return nil
		}
		n.Output = Complete(output)
		return nil
	})
}

// AddMetadata merges md into the metadata of id.
func (m *Manager) AddMetadata(id string, md map[string]any) error {
	return m.UpdateNode(id, func(n *ExecutionNode) error {
		if n.Metadata == nil {
			n.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			n.Metadata[k] = v
		}
		return nil
	})
}

// UpdateNode applies fn to id under the manager lock.
func (m *Manager) UpdateNode(id string, fn func(n *ExecutionNode) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return fn(n)
}

// Node returns a copy of id and its subtree.
func (m *Manager) Node(id string) (*ExecutionNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Root returns a copy of the whole tree, nil before the first node.
func (m *Manager) Root() *ExecutionNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.Clone()
}

// Nodes returns copies of every node ordered by sequence number.
func (m *Manager) Nodes() []*ExecutionNode {
	m.mu.Lock()
	out := make([]*ExecutionNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

// LastSequence returns the highest sequence number handed out.
func (m *Manager) LastSequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Write schedules a snapshot save. Writes are coalesced: while a save is
// in flight further calls only mark the tree dirty, and one more save
// runs when the current one ends. Failures are logged, never returned.
func (m *Manager) Write() {
	if m.opts.sink == nil {
		return
	}
	m.wmu.Lock()
	if m.flushing {
		m.dirty = true
		m.wmu.Unlock()
		return
	}
	m.flushing = true
	m.idle = make(chan struct{})
	m.wmu.Unlock()
	go m.flushLoop()
}

func (m *Manager) flushLoop() {
	for {
		err := m.flush()
		m.wmu.Lock()
		m.lastErr = err
		if m.dirty {
			m.dirty = false
			m.wmu.Unlock()
			continue
		}
		m.flushing = false
		close(m.idle)
		m.wmu.Unlock()
		return
	}
}

func (m *Manager) flush() error {
	snap, err := m.Snapshot()
	if err != nil {
		log.Warnf("checkpoint: build snapshot of run %s: %v", m.runID, err)
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.flushTimeout)
	defer cancel()
	if err := m.opts.sink.Save(ctx, snap); err != nil {
		log.Warnf("checkpoint: save snapshot of run %s (seq %d): %v", m.runID, snap.Sequence, err)
		return err
	}
	return nil
}

// WaitForPendingUpdates returns once no save is in flight or queued. It
// reports the error of the last save, if any.
func (m *Manager) WaitForPendingUpdates(ctx context.Context) error {
	for {
		m.wmu.Lock()
		if !m.flushing {
			err := m.lastErr
			m.wmu.Unlock()
			return err
		}
		idle := m.idle
		m.wmu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
