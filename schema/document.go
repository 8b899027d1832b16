//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentURL = "schema.json"

type document struct {
	compiled *jsonschema.Schema
	desc     *Description
}

// FromJSON compiles a JSON Schema document.
func FromJSON(doc []byte) (Schema, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("schema: parse document: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(documentURL, inst); err != nil {
		return nil, fmt.Errorf("schema: add document: %w", err)
	}
	compiled, err := c.Compile(documentURL)
	if err != nil {
		return nil, fmt.Errorf("schema: compile document: %w", err)
	}
	desc := &Description{}
	if err := json.Unmarshal(doc, desc); err != nil {
		return nil, fmt.Errorf("schema: describe document: %w", err)
	}
	return &document{compiled: compiled, desc: desc}, nil
}

// FromDescription compiles a hand-built description.
func FromDescription(d *Description) (Schema, error) {
	if d == nil {
		return nil, errors.New("schema: nil description")
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal description: %w", err)
	}
	return FromJSON(b)
}

func (d *document) Validate(v any) error {
	b, err := toJSON(v)
	if err != nil {
		return &ValidationError{Message: "payload is not JSON serializable", Err: err}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return &ValidationError{Message: "payload is not valid JSON", Err: err}
	}
	if err := d.compiled.Validate(inst); err != nil {
		ve := &ValidationError{Message: err.Error(), Err: err}
		var jerr *jsonschema.ValidationError
		if errors.As(err, &jerr) {
			ve.Path = strings.Join(leafLocation(jerr), "/")
		}
		return ve
	}
	return nil
}

func (d *document) Describe() *Description {
	return d.desc
}

// leafLocation follows the first cause chain to the most specific error.
func leafLocation(e *jsonschema.ValidationError) []string {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e.InstanceLocation
}

func toJSON(v any) ([]byte, error) {
	switch x := v.(type) {
	case json.RawMessage:
		return x, nil
	case []byte:
		if json.Valid(x) {
			return x, nil
		}
	}
	return json.Marshal(v)
}
