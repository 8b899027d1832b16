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
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, skip := jsonName(field)
			if skip {
				return ""
			}
			return name
		})
	})
	return validate
}

type typed[T any] struct {
	once sync.Once
	desc *Description
}

// For returns the schema of Go type T. Payloads are validated by decoding
// them into T, rejecting unknown object fields and objects missing a
// required property, and then running the `validate` struct tags.
func For[T any]() Schema {
	return &typed[T]{}
}

func (s *typed[T]) Validate(v any) error {
	_, err := DecodeStrict[T](v)
	return err
}

func (s *typed[T]) Describe() *Description {
	s.once.Do(func() {
		s.desc = describeType(reflect.TypeOf((*T)(nil)).Elem())
	})
	return s.desc
}

// DecodeStrict decodes v into T the way For[T] validates it.
func DecodeStrict[T any](v any) (T, error) {
	var out T
	if t, ok := v.(T); ok && v != nil {
		out = t
	} else {
		b, err := toJSON(v)
		if err != nil {
			return out, &ValidationError{Message: "payload is not JSON serializable", Err: err}
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&out); err != nil {
			return out, decodeError(err)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return out, decodeError(err)
		}
		desc := describeType(reflect.TypeOf((*T)(nil)).Elem())
		if err := checkRequired(desc, generic, nil); err != nil {
			return out, err
		}
	}
	if err := validateStruct(out); err != nil {
		return out, err
	}
	return out, nil
}

// checkRequired walks v along d and reports the first object that lacks
// one of its required properties.
func checkRequired(d *Description, v any, path []string) *ValidationError {
	if d == nil {
		return nil
	}
	switch x := v.(type) {
	case map[string]any:
		for _, name := range d.Required {
			if _, ok := x[name]; !ok {
				return &ValidationError{
					Path:    strings.Join(append(path, name), "/"),
					Message: "missing required property",
				}
			}
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sub := d.Properties[k]
			if sub == nil {
				sub = d.AdditionalProperties
			}
			if err := checkRequired(sub, x[k], append(path, k)); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range x {
			if err := checkRequired(d.Items, item, append(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStruct(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	err := structValidator().Struct(rv.Interface())
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return &ValidationError{
			Path:    fieldPath(first.Namespace()),
			Message: "failed on the '" + first.Tag() + "' rule",
			Err:     err,
		}
	}
	return &ValidationError{Message: err.Error(), Err: err}
}

// fieldPath turns "Props.items[0].name" into "items/0/name".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	ns = strings.NewReplacer("[", ".", "]", "").Replace(ns)
	return strings.ReplaceAll(ns, ".", "/")
}

func decodeError(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{
			Path:    strings.ReplaceAll(typeErr.Field, ".", "/"),
			Message: "expected " + typeErr.Type.String() + ", got " + typeErr.Value,
			Err:     err,
		}
	}
	return &ValidationError{Message: err.Error(), Err: err}
}
