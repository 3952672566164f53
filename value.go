package vbus

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Kind is the type tag of a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindByte
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindDouble
	KindString
	KindArray
	KindObject
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindByte:   "byte",
	KindInt32:  "int32",
	KindUint32: "uint32",
	KindInt64:  "int64",
	KindUint64: "uint64",
	KindDouble: "double",
	KindString: "string",
	KindArray:  "array",
	KindObject: "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Value is an immutable, dynamically typed value that can cross the
// DBus boundary.
//
// The zero Value is Null. Integers are stored widened to 64 bits,
// with the Kind recording the width they have on the wire. Array and
// Object values own their elements: constructors copy their inputs,
// and accessors never expose internal storage.
type Value struct {
	kind Kind
	i    int64  // bool, int32, int64
	u    uint64 // byte, uint32, uint64, double bits
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the Null value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.i = 1
	}
	return v
}

// Byte returns a byte Value.
func Byte(b uint8) Value { return Value{kind: KindByte, u: uint64(b)} }

// Int32 returns a 32-bit signed integer Value.
func Int32(i int32) Value { return Value{kind: KindInt32, i: int64(i)} }

// Uint32 returns a 32-bit unsigned integer Value.
func Uint32(u uint32) Value { return Value{kind: KindUint32, u: uint64(u)} }

// Int64 returns a 64-bit signed integer Value.
func Int64(i int64) Value { return Value{kind: KindInt64, i: i} }

// Uint64 returns a 64-bit unsigned integer Value.
func Uint64(u uint64) Value { return Value{kind: KindUint64, u: u} }

// Double returns a floating point Value.
func Double(f float64) Value { return Value{kind: KindDouble, u: math.Float64bits(f)} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an Array of the given elements. Array() with no
// arguments is the empty Array, which is distinct from Null.
func Array(elems ...Value) Value {
	return Value{kind: KindArray, arr: slices.Clone(elems)}
}

// ObjectOf returns an Object with the given members.
func ObjectOf(members map[string]Value) Value {
	if members == nil {
		members = map[string]Value{}
	}
	return Value{kind: KindObject, obj: maps.Clone(members)}
}

// Kind returns the Value's type tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is Null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns v's boolean value, if v is a Bool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.i != 0, true
}

// AsInt64 returns v's value, if v is an Int32 or Int64.
func (v Value) AsInt64() (int64, bool) {
	switch v.kind {
	case KindInt32, KindInt64:
		return v.i, true
	}
	return 0, false
}

// AsUint64 returns v's value, if v is a Byte, Uint32 or Uint64.
func (v Value) AsUint64() (uint64, bool) {
	switch v.kind {
	case KindByte, KindUint32, KindUint64:
		return v.u, true
	}
	return 0, false
}

// AsDouble returns v's value, if v is a Double.
func (v Value) AsDouble() (float64, bool) {
	if v.kind != KindDouble {
		return 0, false
	}
	return math.Float64frombits(v.u), true
}

// AsString returns v's value, if v is a String.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Len returns the number of elements in an Array or members in an
// Object, and 0 for all other kinds.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	}
	return 0
}

// Index returns the i-th element of an Array. It returns Null if v is
// not an Array or i is out of range.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Value{}
	}
	return v.arr[i]
}

// Elems returns a copy of an Array's elements.
func (v Value) Elems() []Value {
	if v.kind != KindArray {
		return nil
	}
	return slices.Clone(v.arr)
}

// Key returns the member of an Object with the given key.
func (v Value) Key(k string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	ret, ok := v.obj[k]
	return ret, ok
}

// Keys returns an Object's keys in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	return slices.Sorted(maps.Keys(v.obj))
}

// Equal reports whether v and o have the same Kind and content.
//
// Doubles compare bit for bit, so NaNs with equal payloads are equal
// and 0 differs from -0.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool, KindInt32, KindInt64:
		return v.i == o.i
	case KindByte, KindUint32, KindUint64, KindDouble:
		return v.u == o.u
	case KindString:
		return v.s == o.s
	case KindArray:
		return slices.EqualFunc(v.arr, o.arr, Value.Equal)
	case KindObject:
		return maps.EqualFunc(v.obj, o.obj, Value.Equal)
	}
	return false
}

// String renders v deterministically. Objects render with sorted
// keys.
func (v Value) String() string {
	var b strings.Builder
	v.render(&b)
	return b.String()
}

func (v Value) render(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		b.WriteString(strconv.FormatBool(v.i != 0))
	case KindByte, KindUint32, KindUint64:
		fmt.Fprintf(b, "%s(%d)", v.kind, v.u)
	case KindInt32, KindInt64:
		fmt.Fprintf(b, "%s(%d)", v.kind, v.i)
	case KindDouble:
		fmt.Fprintf(b, "double(%s)", strconv.FormatFloat(math.Float64frombits(v.u), 'g', -1, 64))
	case KindString:
		b.WriteString(strconv.Quote(v.s))
	case KindArray:
		b.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				b.WriteString(", ")
			}
			e.render(b)
		}
		b.WriteByte(']')
	case KindObject:
		b.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(k))
			b.WriteString(": ")
			v.obj[k].render(b)
		}
		b.WriteByte('}')
	default:
		b.WriteString(v.kind.String())
	}
}

// LogValue implements slog.LogValuer.
func (v Value) LogValue() slog.Value {
	return slog.StringValue(v.String())
}

// Native returns v as plain Go values: nil, bool, uint8, int32,
// uint32, int64, uint64, float64, string, []any or map[string]any.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.i != 0
	case KindByte:
		return uint8(v.u)
	case KindInt32:
		return int32(v.i)
	case KindUint32:
		return uint32(v.u)
	case KindInt64:
		return v.i
	case KindUint64:
		return v.u
	case KindDouble:
		return math.Float64frombits(v.u)
	case KindString:
		return v.s
	case KindArray:
		ret := make([]any, len(v.arr))
		for i, e := range v.arr {
			ret[i] = e.Native()
		}
		return ret
	case KindObject:
		ret := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			ret[k] = e.Native()
		}
		return ret
	}
	return nil
}

// ValueOf converts a Go value into a Value.
//
// bool, uint8, int16, int32, int64, uint16, uint32, uint64, float64
// and string convert to the scalar of the same or next wider DBus
// width. Slices and arrays convert to Arrays, maps with string keys
// convert to Objects, pointers convert to the value they point to
// (or Null if nil), and Values are returned as-is.
//
// int, uint, uintptr, int8, float32, complex, channel and function
// values have no portable DBus representation, and cause ValueOf to
// return a [TypeError].
func ValueOf(x any) (Value, error) {
	return valueOf(reflect.ValueOf(x), 0)
}

var valueType = reflect.TypeFor[Value]()

func valueOf(rv reflect.Value, depth int) (Value, error) {
	if !rv.IsValid() {
		return Value{}, nil
	}
	if depth > maxDepth {
		return Value{}, typeErr(rv.Type().String(), "value nested more than %d levels deep", maxDepth)
	}
	if rv.Type() == valueType {
		return rv.Interface().(Value), nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Uint8:
		return Byte(uint8(rv.Uint())), nil
	case reflect.Int16, reflect.Int32:
		return Int32(int32(rv.Int())), nil
	case reflect.Int64:
		return Int64(rv.Int()), nil
	case reflect.Uint16, reflect.Uint32:
		return Uint32(uint32(rv.Uint())), nil
	case reflect.Uint64:
		return Uint64(rv.Uint()), nil
	case reflect.Float64:
		return Double(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		return Value{}, typeErr(rv.Type().String(), "int and uint aren't portable, use fixed width integers")
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Value{}, nil
		}
		return valueOf(rv.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		elems := make([]Value, rv.Len())
		for i := range elems {
			e, err := valueOf(rv.Index(i), depth+1)
			if err != nil {
				return Value{}, err
			}
			elems[i] = e
		}
		return Value{kind: KindArray, arr: elems}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, typeErr(rv.Type().String(), "map keys must be strings")
		}
		members := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e, err := valueOf(iter.Value(), depth+1)
			if err != nil {
				return Value{}, err
			}
			members[iter.Key().String()] = e
		}
		return Value{kind: KindObject, obj: members}, nil
	}
	return Value{}, typeErr(rv.Type().String(), "no known mapping")
}
