//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package schema_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-durable-go/schema"
)

type approval struct {
	Approved bool     `json:"approved"`
	Reviewer string   `json:"reviewer" validate:"required" jsonschema:"description=who reviewed"`
	Note     *string  `json:"note,omitempty"`
	Tags     []string `json:"tags,omitempty" validate:"max=3"`
}

func TestFor_Describe(t *testing.T) {
	d := schema.For[approval]().Describe()
	require.Equal(t, "object", d.Type)
	assert.ElementsMatch(t, []string{"approved", "reviewer"}, d.Required)
	assert.Equal(t, "boolean", d.Properties["approved"].Type)
	assert.Equal(t, "who reviewed", d.Properties["reviewer"].Description)
	assert.Equal(t, "string", d.Properties["note"].Type)
	assert.Equal(t, "array", d.Properties["tags"].Type)
	assert.Equal(t, "string", d.Properties["tags"].Items.Type)
}

func TestFor_Validate(t *testing.T) {
	s := schema.For[approval]()
	tests := []struct {
		name    string
		payload any
		path    string
		wantErr bool
	}{
		{"map ok", map[string]any{"approved": true, "reviewer": "kim"}, "", false},
		{"raw ok", json.RawMessage(`{"approved":false,"reviewer":"lee","tags":["a"]}`), "", false},
		{"typed ok", approval{Reviewer: "x"}, "", false},
		{"missing reviewer", map[string]any{"approved": true}, "reviewer", true},
		{"wrong type", map[string]any{"approved": "yes", "reviewer": "k"}, "approved", true},
		{"unknown field", map[string]any{"reviewer": "k", "extra": 1}, "", true},
		{"too many tags", map[string]any{"approved": true, "reviewer": "k", "tags": []string{"a", "b", "c", "d"}}, "tags", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.payload)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *schema.ValidationError
			require.ErrorAs(t, err, &ve)
			if tt.path != "" {
				assert.Equal(t, tt.path, ve.Path)
			}
			assert.True(t, schema.IsValidationError(err))
		})
	}
}

type audit struct {
	Actor string `json:"actor"`
}

type review struct {
	audit
	Decision approval   `json:"decision"`
	History  []approval `json:"history,omitempty"`
}

func TestFor_ValidateRequiredProperties(t *testing.T) {
	s := schema.For[review]()
	assert.ElementsMatch(t, []string{"actor", "decision"}, s.Describe().Required)

	tests := []struct {
		name    string
		payload any
		path    string
	}{
		{"empty object", map[string]any{}, "actor"},
		{"embedded field", map[string]any{"decision": map[string]any{"approved": true, "reviewer": "kim"}}, "actor"},
		{"nested object", map[string]any{"actor": "a", "decision": map[string]any{"reviewer": "kim"}}, "decision/approved"},
		{"array item", json.RawMessage(`{"actor":"a","decision":{"approved":true,"reviewer":"k"},"history":[{"approved":true}]}`), "history/0/reviewer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.payload)
			var ve *schema.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.path, ve.Path)
			assert.Equal(t, "missing required property", ve.Message)
		})
	}

	got, err := schema.DecodeStrict[review](map[string]any{
		"actor":    "a",
		"decision": map[string]any{"approved": false, "reviewer": "kim"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", got.Actor)
	assert.Equal(t, "kim", got.Decision.Reviewer)
}

func TestFromJSON(t *testing.T) {
	s, err := schema.FromJSON([]byte(`{
		"type": "object",
		"properties": {"count": {"type": "integer", "minimum": 1}},
		"required": ["count"]
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"count"}, s.Describe().Required)
	assert.Equal(t, "integer", s.Describe().Properties["count"].Type)

	require.NoError(t, s.Validate(map[string]any{"count": 2}))
	err = s.Validate(map[string]any{"count": 0})
	var ve *schema.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "count", ve.Path)
	require.Error(t, s.Validate(map[string]any{}))
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := schema.FromJSON([]byte(`{"type": 12}`))
	require.Error(t, err)
	_, err = schema.FromJSON([]byte(`not json`))
	require.Error(t, err)
}

func TestOf_NormalizesShapes(t *testing.T) {
	typed := schema.For[int]()
	got, err := schema.Of(typed)
	require.NoError(t, err)
	assert.Same(t, typed, got)

	for _, in := range []any{
		`{"type":"string"}`,
		[]byte(`{"type":"string"}`),
		json.RawMessage(`{"type":"string"}`),
		map[string]any{"type": "string"},
		&schema.Description{Type: "string"},
	} {
		s, err := schema.Of(in)
		require.NoError(t, err, "%T", in)
		assert.Equal(t, "string", s.Describe().Type)
		assert.NoError(t, s.Validate("ok"))
		assert.Error(t, s.Validate(3))
	}

	s, err := schema.Of(nil)
	require.NoError(t, err)
	assert.Nil(t, s)
	_, err = schema.Of(42)
	require.Error(t, err)
}

func TestDecode(t *testing.T) {
	got, err := schema.Decode[approval](map[string]any{"approved": true, "reviewer": "kim", "other": 1})
	require.NoError(t, err)
	assert.Equal(t, approval{Approved: true, Reviewer: "kim"}, got)

	n, err := schema.Decode[int](float64(4))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	ts, err := schema.Decode[time.Time]("2025-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 2025, ts.Year())

	raw, err := schema.Decode[[]int](json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, raw)

	zero, err := schema.Decode[string](nil)
	require.NoError(t, err)
	assert.Equal(t, "", zero)
}
