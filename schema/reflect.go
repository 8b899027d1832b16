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
	"reflect"
	"strings"
	"time"
)

var (
	timeType       = reflect.TypeOf(time.Time{})
	rawMessageType = reflect.TypeOf(json.RawMessage{})
)

// describeType derives a description from a Go type. Struct fields use
// their json names; a field is required unless it is a pointer or tagged
// omitempty. The `jsonschema` tag accepts description=... and enum=a|b.
func describeType(t reflect.Type) *Description {
	return describeTypeSeen(t, map[reflect.Type]bool{})
}

func describeTypeSeen(t reflect.Type, seen map[reflect.Type]bool) *Description {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return &Description{Type: "string", Description: "RFC 3339 timestamp"}
	case t == rawMessageType:
		return &Description{}
	}
	switch t.Kind() {
	case reflect.String:
		return &Description{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Description{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &Description{Type: "number"}
	case reflect.Bool:
		return &Description{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		return &Description{Type: "array", Items: describeTypeSeen(t.Elem(), seen)}
	case reflect.Map:
		return &Description{Type: "object", AdditionalProperties: describeTypeSeen(t.Elem(), seen)}
	case reflect.Struct:
		if seen[t] {
			return &Description{Type: "object"}
		}
		seen[t] = true
		defer delete(seen, t)
		return describeStruct(t, seen)
	case reflect.Interface:
		return &Description{}
	default:
		return &Description{Type: "object"}
	}
}

func describeStruct(t reflect.Type, seen map[reflect.Type]bool) *Description {
	d := &Description{Type: "object", Properties: map[string]*Description{}}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if embedded := promoted(field); embedded != nil {
			if seen[embedded] {
				continue
			}
			seen[embedded] = true
			inner := describeStruct(embedded, seen)
			delete(seen, embedded)
			for name, fd := range inner.Properties {
				if _, ok := d.Properties[name]; !ok {
					d.Properties[name] = fd
				}
			}
			d.Required = append(d.Required, inner.Required...)
			continue
		}
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonName(field)
		if skip {
			continue
		}
		fd := describeTypeSeen(field.Type, seen)
		applyTag(fd, field.Tag.Get("jsonschema"))
		d.Properties[name] = fd
		if field.Type.Kind() != reflect.Ptr && !omitEmpty {
			d.Required = append(d.Required, name)
		}
	}
	return d
}

// promoted returns the struct type whose fields encoding/json inlines for
// an untagged embedded field, or nil.
func promoted(field reflect.StructField) reflect.Type {
	if !field.Anonymous || field.Tag.Get("json") != "" {
		return nil
	}
	t := field.Type
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

func jsonName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = field.Name
	if tag == "" {
		return name, false, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, p := range parts[1:] {
		if p == "omitempty" || p == "omitzero" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func applyTag(d *Description, tag string) {
	if tag == "" {
		return
	}
	for _, part := range strings.Split(tag, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "description":
			d.Description = value
		case "enum":
			for _, e := range strings.Split(value, "|") {
				d.Enum = append(d.Enum, e)
			}
		}
	}
}
