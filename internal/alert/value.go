package alert

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged variant for the free-form event payload. Server
// payloads mix booleans, numbers, strings, arrays and nested objects
// under the same keys; accessors report "wrong type" explicitly instead
// of silently coercing.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []Value
	obj  map[string]Value
}

// Constructors, mainly for tests and synthetic payloads.

func Null() Value                     { return Value{} }
func Bool(v bool) Value               { return Value{kind: KindBool, b: v} }
func Number(v float64) Value          { return Value{kind: KindNumber, num: v} }
func String(v string) Value           { return Value{kind: KindString, str: v} }
func Array(v ...Value) Value          { return Value{kind: KindArray, arr: v} }
func Object(v map[string]Value) Value { return Value{kind: KindObject, obj: v} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the boolean and true, or false,false for other kinds.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsFloat returns the number and true, or 0,false for other kinds.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsInt returns the number truncated to int64 and true, or 0,false.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return int64(v.num), true
}

// AsString returns the string and true, or "",false for other kinds.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsArray returns the element slice and true, or nil,false.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// AsObject returns the member map and true, or nil,false.
func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// UnmarshalJSON classifies the raw JSON with gjson and recurses into
// containers.
func (v *Value) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	*v = fromResult(res)
	return nil
}

func fromResult(res gjson.Result) Value {
	switch res.Type {
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.Number:
		return Number(res.Num)
	case gjson.String:
		return String(res.Str)
	case gjson.JSON:
		if res.IsArray() {
			var arr []Value
			res.ForEach(func(_, el gjson.Result) bool {
				arr = append(arr, fromResult(el))
				return true
			})
			return Value{kind: KindArray, arr: arr}
		}
		obj := make(map[string]Value)
		res.ForEach(func(key, el gjson.Result) bool {
			obj[key.Str] = fromResult(el)
			return true
		})
		return Value{kind: KindObject, obj: obj}
	default:
		return Null()
	}
}

// MarshalJSON writes the native JSON form of the variant.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
}
