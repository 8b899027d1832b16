//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package tool declares external tools and dispatches their calls to the
// host running the workflow.
package tool

import (
	"errors"
	"fmt"
	"sort"

	"trpc.group/trpc-go/trpc-durable-go/schema"
)

var (
	// ErrToolNotFound is returned for a name the box does not declare.
	ErrToolNotFound = errors.New("tool: not found")
	// ErrDuplicateTool is returned by NewBox for a name declared twice.
	ErrDuplicateTool = errors.New("tool: duplicate name")
)

// Definition is the static declaration of one external tool.
type Definition struct {
	Name        string
	Description string
	Params      schema.Schema
	Result      schema.Schema
	// SecretParams are param paths masked in messages and checkpoints.
	SecretParams []string
}

// Declaration is the serializable form of a Definition.
type Declaration struct {
	// Name is the unique identifier of the tool.
	Name string `json:"name"`
	// Description explains the tool's purpose.
	Description string `json:"description"`
	// InputSchema describes the params.
	InputSchema *schema.Description `json:"inputSchema"`
	// OutputSchema describes the result.
	OutputSchema *schema.Description `json:"outputSchema,omitempty"`
}

// Declaration describes d.
func (d *Definition) Declaration() *Declaration {
	decl := &Declaration{Name: d.Name, Description: d.Description}
	if d.Params != nil {
		decl.InputSchema = d.Params.Describe()
	}
	if d.Result != nil {
		decl.OutputSchema = d.Result.Describe()
	}
	return decl
}

// Option configures a Definition.
type Option func(*Definition)

// WithSecretParams masks param paths in messages and checkpoints. The host
// still receives them in plain text.
func WithSecretParams(paths ...string) Option {
	return func(d *Definition) { d.SecretParams = append(d.SecretParams, paths...) }
}

// WithParamsSchema replaces the params schema derived from P.
func WithParamsSchema(s schema.Schema) Option {
	return func(d *Definition) { d.Params = s }
}

// WithResultSchema replaces the result schema derived from R.
func WithResultSchema(s schema.Schema) Option {
	return func(d *Definition) { d.Result = s }
}

// Define declares a tool taking P and returning R.
func Define[P, R any](name, description string, opts ...Option) *Definition {
	d := &Definition{
		Name:        name,
		Description: description,
		Params:      schema.For[P](),
		Result:      schema.For[R](),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Box is a fixed set of tools keyed by name.
type Box struct {
	defs  map[string]*Definition
	names []string
}

// NewBox builds a box. Names must be unique and non-empty.
func NewBox(defs ...*Definition) (*Box, error) {
	b := &Box{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if d == nil || d.Name == "" {
			return nil, errors.New("tool: definition without a name")
		}
		if _, ok := b.defs[d.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
		}
		b.defs[d.Name] = d
		b.names = append(b.names, d.Name)
	}
	sort.Strings(b.names)
	return b, nil
}

// Get returns the definition of name.
func (b *Box) Get(name string) (*Definition, bool) {
	if b == nil {
		return nil, false
	}
	d, ok := b.defs[name]
	return d, ok
}

// Names returns the sorted tool names.
func (b *Box) Names() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.names...)
}

// Describe returns the declaration of every tool, sorted by name.
func (b *Box) Describe() []*Declaration {
	if b == nil {
		return nil
	}
	out := make([]*Declaration, 0, len(b.names))
	for _, name := range b.names {
		out = append(out, b.defs[name].Declaration())
	}
	return out
}
