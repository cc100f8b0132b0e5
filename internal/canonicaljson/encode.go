// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package canonicaljson

import (
	"bytes"
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/element-hq/roomfed/internal"
)

const hexDigits = "0123456789abcdef"

func encodingError(path, msg string) error {
	return &internal.EncodingError{Path: path, Message: msg}
}

// Canonicalize re-encodes a raw JSON document in canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	v, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

// Parse decodes a JSON document. Numbers must be integers within
// MaxSafeInteger; integral floats such as 2.0 are accepted and normalised.
func Parse(raw []byte) (Value, error) {
	if !utf8.Valid(raw) {
		return Value{}, encodingError("", "invalid UTF-8")
	}
	if !gjson.ValidBytes(raw) {
		return Value{}, encodingError("", "invalid JSON")
	}
	return fromResult(gjson.ParseBytes(raw), "$")
}

func fromResult(r gjson.Result, path string) (Value, error) {
	switch r.Type {
	case gjson.Null:
		return Value{}, nil
	case gjson.False:
		return NewBool(false), nil
	case gjson.True:
		return NewBool(true), nil
	case gjson.Number:
		n, err := parseNumber(r.Raw, path)
		if err != nil {
			return Value{}, err
		}
		return NewInt(n), nil
	case gjson.String:
		return NewString(r.Str), nil
	}

	var err error
	switch {
	case r.IsArray():
		arr := []Value{}
		i := 0
		r.ForEach(func(_, elem gjson.Result) bool {
			var v Value
			v, err = fromResult(elem, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return false
			}
			arr = append(arr, v)
			i++
			return true
		})
		return Value{kind: Array, arr: arr}, err
	case r.IsObject():
		obj := map[string]Value{}
		r.ForEach(func(key, field gjson.Result) bool {
			var v Value
			v, err = fromResult(field, path+"."+key.Str)
			if err != nil {
				return false
			}
			obj[key.Str] = v
			return true
		})
		return Value{kind: Object, obj: obj}, err
	}
	return Value{}, encodingError(path, "unexpected token")
}

func parseNumber(raw, path string) (int64, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > MaxSafeInteger || n < -MaxSafeInteger {
			return 0, encodingError(path, "integer out of range "+raw)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, encodingError(path, "unrepresentable number "+raw)
	}
	if f != math.Trunc(f) {
		return 0, encodingError(path, "non-integer number "+raw)
	}
	if f > MaxSafeInteger || f < -MaxSafeInteger {
		return 0, encodingError(path, "integer out of range "+raw)
	}
	return int64(f), nil
}

// Marshal encodes the value canonically.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v Value, path string) error {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		if v.n > MaxSafeInteger || v.n < -MaxSafeInteger {
			return encodingError(path, "integer out of range "+strconv.FormatInt(v.n, 10))
		}
		buf.WriteString(strconv.FormatInt(v.n, 10))
	case String:
		return encodeString(buf, v.s, path)
	case Array:
		buf.WriteByte('[')
		for i, elem := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		// Byte order of valid UTF-8 matches code point order.
		for i, key := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, key, path); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, v.obj[key], path+"."+key); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return encodingError(path, "invalid value kind")
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s, path string) error {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf.WriteString(`\"`)
			case '\\':
				buf.WriteString(`\\`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				if c < 0x20 {
					buf.WriteString(`\u00`)
					buf.WriteByte(hexDigits[c>>4])
					buf.WriteByte(hexDigits[c&0xf])
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return encodingError(path, "invalid UTF-8 in string")
		}
		buf.WriteString(s[i : i+size])
		i += size
	}
	buf.WriteByte('"')
	return nil
}
