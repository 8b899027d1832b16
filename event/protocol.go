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
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned for messages sent before start.
	ErrNotStarted = errors.New("event: stream not started")
	// ErrAlreadyStarted is returned for a second start.
	ErrAlreadyStarted = errors.New("event: stream already started")
	// ErrBusClosed is returned for messages sent after the terminal message.
	ErrBusClosed = errors.New("event: stream already ended")
	// ErrUnbalanced is returned when component start/end do not nest.
	ErrUnbalanced = errors.New("event: unbalanced component messages")
)

type openComponent struct {
	parent   string
	children int
}

// protocol tracks the message grammar:
// start (component-start | component-end | data | object | event | external-tool)* (end | error).
// A component-end for X requires X open with no open children.
type protocol struct {
	started bool
	closed  bool
	open    map[string]*openComponent
}

func newProtocol() *protocol {
	return &protocol{open: map[string]*openComponent{}}
}

func (p *protocol) check(m *Message) error {
	switch {
	case p.closed:
		return ErrBusClosed
	case m.Type == TypeStart && p.started:
		return ErrAlreadyStarted
	case m.Type != TypeStart && !p.started:
		return fmt.Errorf("%w: %s", ErrNotStarted, m.Type)
	}
	switch m.Type {
	case TypeComponentStart:
		if m.ComponentID == "" {
			return fmt.Errorf("%w: component-start without id", ErrUnbalanced)
		}
		if _, ok := p.open[m.ComponentID]; ok {
			return fmt.Errorf("%w: %s started twice", ErrUnbalanced, m.ComponentID)
		}
	case TypeComponentEnd:
		c, ok := p.open[m.ComponentID]
		if !ok {
			return fmt.Errorf("%w: %s ended without start", ErrUnbalanced, m.ComponentID)
		}
		if c.children > 0 {
			return fmt.Errorf("%w: %s ended with %d open children", ErrUnbalanced, m.ComponentID, c.children)
		}
	case TypeStart, TypeData, TypeObject, TypeEvent, TypeExternalTool, TypeEnd, TypeError:
	default:
		return fmt.Errorf("event: unknown message type %q", m.Type)
	}
	return nil
}

func (p *protocol) apply(m *Message) {
	switch m.Type {
	case TypeStart:
		p.started = true
	case TypeComponentStart:
		p.open[m.ComponentID] = &openComponent{parent: m.ParentID}
		if parent, ok := p.open[m.ParentID]; ok {
			parent.children++
		}
	case TypeComponentEnd:
		c := p.open[m.ComponentID]
		delete(p.open, m.ComponentID)
		if parent, ok := p.open[c.parent]; ok {
			parent.children--
		}
	case TypeEnd, TypeError:
		p.closed = true
	}
}

// Validate checks a recorded message stream against the grammar: exactly
// one leading start, exactly one trailing terminal message and properly
// nested component start/end pairs.
func Validate(msgs []*Message) error {
	p := newProtocol()
	for i, m := range msgs {
		if err := p.check(m); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		p.apply(m)
	}
	if !p.closed {
		return errors.New("event: stream has no terminal message")
	}
	if len(p.open) > 0 {
		return fmt.Errorf("%w: %d components never ended", ErrUnbalanced, len(p.open))
	}
	return nil
}
