//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package schema adapts the two schema shapes accepted by the runtime,
// Go types and JSON Schema documents, to one validate/describe surface.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Schema validates payloads and describes their wire type.
type Schema interface {
	// Validate returns a *ValidationError when v does not conform.
	Validate(v any) error
	// Describe returns the JSON Schema description of the payload.
	Describe() *Description
}

// Description is a JSON Schema shaped type description.
type Description struct {
	Type                 string                  `json:"type,omitempty"`
	Description          string                  `json:"description,omitempty"`
	Properties           map[string]*Description `json:"properties,omitempty"`
	Items                *Description            `json:"items,omitempty"`
	Required             []string                `json:"required,omitempty"`
	Enum                 []any                   `json:"enum,omitempty"`
	AdditionalProperties *Description            `json:"additionalProperties,omitempty"`
}

// ValidationError reports a payload that does not match its schema.
type ValidationError struct {
	// Path locates the offending value, "/"-separated; empty for the root.
	Path    string
	Message string
	Err     error
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed at %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Of normalizes any accepted schema shape into a Schema. It accepts a
// Schema, a *Description, or a JSON Schema document as []byte,
// json.RawMessage, string or map[string]any. A nil input yields nil.
func Of(v any) (Schema, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case Schema:
		return s, nil
	case *Description:
		return FromDescription(s)
	case json.RawMessage:
		return FromJSON(s)
	case []byte:
		return FromJSON(s)
	case string:
		return FromJSON([]byte(s))
	case map[string]any:
		b, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("schema: marshal document: %w", err)
		}
		return FromJSON(b)
	default:
		return nil, fmt.Errorf("schema: unsupported schema shape %T", v)
	}
}
