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
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Decode converts a loosely typed payload, such as a decoded JSON map or a
// json.RawMessage, into T. Unknown fields are ignored; use DecodeStrict to
// reject them.
func Decode[T any](v any) (T, error) {
	var out T
	switch x := v.(type) {
	case nil:
		return out, nil
	case T:
		return x, nil
	case json.RawMessage:
		err := json.Unmarshal(x, &out)
		return out, wrapDecode(err)
	case []byte:
		if json.Valid(x) {
			err := json.Unmarshal(x, &out)
			return out, wrapDecode(err)
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
	})
	if err == nil && dec.Decode(v) == nil {
		return out, nil
	}
	// mapstructure cannot decode through custom unmarshalers like time.Time.
	var fallback T
	b, err := json.Marshal(v)
	if err != nil {
		return fallback, wrapDecode(err)
	}
	return fallback, wrapDecode(json.Unmarshal(b, &fallback))
}

func wrapDecode(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("schema: decode: %w", err)
}
