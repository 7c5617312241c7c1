// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

// Package dynamic implements the polymorphic value type used throughout spec
// parsing and evaluation. A Value eagerly computes every projection the
// evaluator might need so that condition checks never re-parse.
package dynamic

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Value is a JSON value with pre-parsed projections. The zero Value is
// "absent"; an explicit JSON null is distinguishable through Null.
type Value struct {
	// Null is true for an explicit JSON null.
	Null bool

	BoolValue   *bool
	IntValue    *int64
	FloatValue  *float64
	TimeValue   *int64 // ms since epoch
	StringValue *string

	ArrayValue  []Value
	ObjectValue map[string]Value

	raw  interface{}
	hash uint64
}

// timestamp layouts accepted in target values and user attributes, beyond
// plain millisecond epochs.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// New builds a Value from a decoded JSON tree (the interface{} shapes
// produced by encoding/json and jsoniter).
func New(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Value{Null: true, raw: nil}
	case bool:
		s := strconv.FormatBool(t)
		return Value{BoolValue: &t, StringValue: &s, raw: t}
	case float64:
		return fromFloat(t, t)
	case int:
		return fromFloat(float64(t), t)
	case int64:
		return fromFloat(float64(t), t)
	case uint64:
		return fromFloat(float64(t), t)
	case string:
		return fromString(t)
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = New(e)
		}
		return Value{ArrayValue: arr, raw: t}
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = New(e)
		}
		return Value{ObjectValue: obj, raw: t}
	case jsoniter.Number:
		if f, err := t.Float64(); err == nil {
			return fromFloat(f, t)
		}
		return fromString(t.String())
	default:
		// unexpected shape; keep the string form so equality still works
		return fromString(toString(t))
	}
}

// FromJSON decodes data into a Value.
func FromJSON(data []byte) (Value, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, err
	}
	return New(v), nil
}

func fromFloat(f float64, raw interface{}) Value {
	i := int64(f)
	t := int64(f) // numeric target values double as ms timestamps
	v := Value{FloatValue: &f, IntValue: &i, TimeValue: &t, raw: raw}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	v.StringValue = &s
	return v
}

func fromString(s string) Value {
	v := Value{StringValue: &s, raw: s}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		i := int64(f)
		ts := int64(f)
		v.FloatValue = &f
		v.IntValue = &i
		v.TimeValue = &ts
		return v
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			ms := ts.UnixMilli()
			v.TimeValue = &ms
			break
		}
	}
	return v
}

// Absent reports whether the value carries nothing at all, i.e. the field it
// came from did not exist. An explicit null is not absent.
func (v Value) Absent() bool {
	return !v.Null && v.BoolValue == nil && v.IntValue == nil && v.FloatValue == nil &&
		v.TimeValue == nil && v.StringValue == nil && v.ArrayValue == nil && v.ObjectValue == nil
}

// Raw returns the decoded JSON tree backing the value, suitable for
// re-serialization. Absent and null both return nil.
func (v Value) Raw() interface{} { return v.raw }

// String returns the string projection, or "" when there is none.
func (v Value) String() string {
	if v.StringValue != nil {
		return *v.StringValue
	}
	if v.raw == nil {
		return ""
	}
	return toString(v.raw)
}

// Hash returns a stable 64-bit hash of the value, computed on first use.
func (v *Value) Hash() uint64 {
	if v.hash == 0 {
		b, err := json.Marshal(v.raw)
		if err != nil {
			b = []byte(v.String())
		}
		v.hash = xxhash.Sum64(b)
	}
	return v.hash
}

// MarshalJSON serializes the original JSON tree.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.raw)
}

// UnmarshalJSON decodes into a fully projected Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	*v = New(tree)
	return nil
}

func toString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
