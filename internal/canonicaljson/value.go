// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package canonicaljson models JSON documents as a tagged union and encodes
// them in the Matrix canonical form: sorted keys, no insignificant
// whitespace, integers only and UTF-8 throughout. The same bytes are used as
// the hashing and signing input and as the transmitted request body, so any
// divergence here breaks verification on the remote side.
package canonicaljson

import (
	"encoding/json"
	"sort"
)

// Kind identifies which variant of the union a Value holds.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return "invalid"
}

// MaxSafeInteger is the largest magnitude an integer may have in canonical JSON.
const MaxSafeInteger = 1<<53 - 1

// Value is an immutable JSON value. The zero Value is JSON null.
// Methods that appear to modify a Value return a modified copy instead.
type Value struct {
	kind Kind
	b    bool
	n    int64
	s    string
	arr  []Value
	obj  map[string]Value
}

func NewNull() Value { return Value{} }
func NewBool(b bool) Value { return Value{kind: Bool, b: b} }
func NewInt(n int64) Value { return Value{kind: Number, n: n} }
func NewString(s string) Value { return Value{kind: String, s: s} }
func NewArray(vs ...Value) Value { return Value{kind: Array, arr: append([]Value(nil), vs...)} }
func NewStringArray(ss ...string) Value {
	arr := make([]Value, len(ss))
	for i, s := range ss {
		arr[i] = NewString(s)
	}
	return Value{kind: Array, arr: arr}
}

// NewObject copies the given map into a new object value.
func NewObject(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: Object, obj: obj}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == Null }
func (v Value) IsObject() bool { return v.kind == Object }
func (v Value) IsArray() bool { return v.kind == Array }

// Bool returns the boolean held, or false for any other kind.
func (v Value) Bool() bool { return v.kind == Bool && v.b }

// Int returns the integer held, or 0 for any other kind.
func (v Value) Int() int64 {
	if v.kind != Number {
		return 0
	}
	return v.n
}

// Str returns the string held, or "" for any other kind.
func (v Value) Str() string {
	if v.kind != String {
		return ""
	}
	return v.s
}

// Len is the number of elements of an array or fields of an object.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Object:
		return len(v.obj)
	}
	return 0
}

// Elems returns a copy of the elements of an array value.
func (v Value) Elems() []Value {
	if v.kind != Array {
		return nil
	}
	return append([]Value(nil), v.arr...)
}

// Keys returns the sorted keys of an object value.
func (v Value) Keys() []string {
	if v.kind != Object {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get looks up a field of an object value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	field, ok := v.obj[key]
	return field, ok
}

// Path walks nested objects, returning false if any step is missing.
func (v Value) Path(keys ...string) (Value, bool) {
	cur := v
	for _, key := range keys {
		next, ok := cur.Get(key)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// With returns a copy of the object with key set to field. Calling With on a
// non-object value starts from an empty object.
func (v Value) With(key string, field Value) Value {
	obj := make(map[string]Value, len(v.obj)+1)
	if v.kind == Object {
		for k, f := range v.obj {
			obj[k] = f
		}
	}
	obj[key] = field
	return Value{kind: Object, obj: obj}
}

// Without returns a copy of the object with the given keys removed.
func (v Value) Without(keys ...string) Value {
	if v.kind != Object {
		return v
	}
	obj := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		obj[k] = f
	}
	for _, k := range keys {
		delete(obj, k)
	}
	return Value{kind: Object, obj: obj}
}

// Only returns a copy of the object holding just the given keys.
func (v Value) Only(keys ...string) Value {
	obj := make(map[string]Value, len(keys))
	for _, k := range keys {
		if f, ok := v.Get(k); ok {
			obj[k] = f
		}
	}
	return Value{kind: Object, obj: obj}
}

// Equal reports whether two values are structurally identical.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Bool:
		return v.b == other.b
	case Number:
		return v.n == other.n
	case String:
		return v.s == other.s
	case Array:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for k, f := range v.obj {
			g, ok := other.obj[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	}
	return false
}

// Native converts the value into plain Go types: nil, bool, int64, string,
// []any and map[string]any.
func (v Value) Native() any {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return v.n
	case String:
		return v.s
	case Array:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Native()
		}
		return out
	case Object:
		out := make(map[string]any, len(v.obj))
		for k, f := range v.obj {
			out[k] = f.Native()
		}
		return out
	}
	return nil
}

// FromNative converts any value that encoding/json can marshal into a Value.
func FromNative(in any) (Value, error) {
	switch t := in.(type) {
	case Value:
		return t, nil
	case json.RawMessage:
		return Parse(t)
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return Value{}, encodingError("", err.Error())
	}
	return Parse(raw)
}

// MarshalJSON encodes the value canonically.
func (v Value) MarshalJSON() ([]byte, error) {
	return Marshal(v)
}

// UnmarshalJSON parses any valid JSON document into the value.
func (v *Value) UnmarshalJSON(raw []byte) error {
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
