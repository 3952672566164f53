package vbus

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/danderson/vbus/fragments"
)

// Encode encodes args as a message body whose type is sig, in the
// given byte order.
//
// Each arg is encoded as the corresponding complete type of sig. A
// Value may be encoded as any type that can represent it exactly:
// integers encode to any integer type whose range includes the
// value, strings encode to strings, object paths and signatures (if
// well-formed), and any representable Value encodes to a variant.
//
// Encode attempts every argument even if an earlier one fails, and
// returns all the failures.
func Encode(ord fragments.ByteOrder, sig Signature, args ...Value) ([]byte, error) {
	parts := sig.Parts()
	if len(parts) != len(args) {
		return nil, fmt.Errorf("signature %q describes %d values, got %d", sig, len(parts), len(args))
	}
	e := encodeState{enc: &fragments.Encoder{Order: ord}}
	var errs []error
	for i, arg := range args {
		if err := e.encode(arg, parts[i]); err != nil {
			errs = append(errs, fmt.Errorf("argument %d: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return e.enc.Out, nil
}

// frame is an open container.
type frame struct {
	code byte // 'a', '(', '{' or 'v'
	mark fragments.ArrayMark
}

// encodeState writes Values to an Encoder.
//
// Containers are tracked on an explicit stack of frames. Every
// container that is opened is closed, innermost first, even when one
// of its elements fails to encode.
type encodeState struct {
	enc   *fragments.Encoder
	stack []frame

	// opened and closed count container frames over the lifetime of
	// the encodeState.
	opened, closed int
}

func (e *encodeState) open(code byte, elemAlign int) {
	f := frame{code: code}
	switch code {
	case 'a':
		f.mark = e.enc.OpenArray(elemAlign)
	case '(', '{':
		e.enc.Struct()
	}
	e.stack = append(e.stack, f)
	e.opened++
}

func (e *encodeState) close(code byte) error {
	if len(e.stack) == 0 {
		return fmt.Errorf("closing %q container with no open containers", code)
	}
	top := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	e.closed++
	if top.code != code {
		return fmt.Errorf("closing %q container, but innermost open container is %q", code, top.code)
	}
	if top.code == 'a' {
		return e.enc.CloseArray(top.mark)
	}
	return nil
}

func mismatch(v Value, sig Signature) error {
	return typeErr(sig.String(), "cannot encode %s value %s", v.kind, v)
}

// encode writes v as the single complete type sig.
func (e *encodeState) encode(v Value, sig Signature) error {
	switch c := sig.Code(); c {
	case 'b':
		b, ok := v.AsBool()
		if !ok {
			return mismatch(v, sig)
		}
		e.enc.Bool(b)
		return nil
	case 'y', 'n', 'q', 'i', 'u', 'x', 't':
		return e.encodeInt(v, c)
	case 'd':
		f, ok := v.AsDouble()
		if !ok {
			return mismatch(v, sig)
		}
		e.enc.Double(f)
		return nil
	case 's':
		s, ok := v.AsString()
		if !ok {
			return mismatch(v, sig)
		}
		if err := validString(s); err != nil {
			return typeErr("s", "%w", err)
		}
		e.enc.String(s)
		return nil
	case 'o':
		s, ok := v.AsString()
		if !ok {
			return mismatch(v, sig)
		}
		if err := validObjectPath(s); err != nil {
			return typeErr("o", "%w", err)
		}
		e.enc.String(s)
		return nil
	case 'g':
		s, ok := v.AsString()
		if !ok {
			return mismatch(v, sig)
		}
		if _, err := ParseSignature(s); err != nil {
			return typeErr("g", "%w", err)
		}
		return e.enc.Signature(s)
	case 'h':
		return typeErr("h", "file descriptors cannot be represented as Values")
	case 'v':
		inner, err := SignatureOf(v)
		if err != nil {
			return err
		}
		return e.encodeVariant(v, inner)
	case 'a':
		if sig.IsDict() {
			return e.encodeDict(v, sig)
		}
		return e.encodeArray(v, sig)
	case '(':
		return e.encodeStruct(v, sig)
	case 0:
		if sig.IsZero() {
			return typeErr("", "cannot encode %s with an empty signature", v.kind)
		}
		return typeErr(sig.String(), "cannot encode a single value as a sequence of types")
	default:
		return typeErr(sig.String(), "unknown type code %q", c)
	}
}

func validString(s string) error {
	if !utf8.ValidString(s) {
		return errors.New("string is not valid UTF-8")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return errors.New("string contains a NUL byte")
	}
	return nil
}

// encodeInt writes v as the integer type c, if v is an integer that
// fits in c's range.
func (e *encodeState) encodeInt(v Value, c byte) error {
	r := intRange[c]
	var bits uint64
	if i, ok := v.AsInt64(); ok {
		if i < r.min || (i >= 0 && uint64(i) > r.umax) {
			return typeErr(string(c), "%s value %d out of range", v.kind, i)
		}
		bits = uint64(i)
	} else if u, ok := v.AsUint64(); ok {
		if u > r.umax {
			return typeErr(string(c), "%s value %d out of range", v.kind, u)
		}
		bits = u
	} else {
		return typeErr(string(c), "cannot encode %s value %s", v.kind, v)
	}

	switch c {
	case 'y':
		e.enc.Uint8(uint8(bits))
	case 'n', 'q':
		e.enc.Uint16(uint16(bits))
	case 'i', 'u':
		e.enc.Uint32(uint32(bits))
	default:
		e.enc.Uint64(bits)
	}
	return nil
}

// encodeVariant writes v as a variant containing the type inner.
func (e *encodeState) encodeVariant(v Value, inner Signature) error {
	if inner.Code() == 0 {
		return typeErr("v", "variant must contain a single complete type, not %q", inner)
	}
	if e.variantDepth() >= maxDepth {
		return typeErr("v", "variants nested more than %d levels deep", maxDepth)
	}
	e.open('v', 1)
	err := e.enc.Signature(inner.String())
	if err == nil {
		err = e.encode(v, inner)
	}
	return cmp.Or(err, e.close('v'))
}

func (e *encodeState) variantDepth() int {
	n := 0
	for _, f := range e.stack {
		if f.code == 'v' {
			n++
		}
	}
	return n
}

func (e *encodeState) encodeArray(v Value, sig Signature) error {
	if v.kind != KindArray {
		return mismatch(v, sig)
	}
	elem := sig.Elem()
	e.open('a', elem.align())
	var err error
	for i, x := range v.arr {
		if err = e.encode(x, elem); err != nil {
			err = fmt.Errorf("array element %d: %w", i, err)
			break
		}
	}
	return cmp.Or(err, e.close('a'))
}

func (e *encodeState) encodeDict(v Value, sig Signature) error {
	if v.kind != KindObject {
		return mismatch(v, sig)
	}
	keySig, valSig := sig.Elem().Key(), sig.Elem().Elem()
	e.open('a', 8)
	var err error
	for _, k := range v.Keys() {
		e.open('{', 8)
		err = e.encodeKey(k, keySig)
		if err == nil {
			err = e.encode(v.obj[k], valSig)
		}
		err = cmp.Or(err, e.close('{'))
		if err != nil {
			err = fmt.Errorf("dict entry %q: %w", k, err)
			break
		}
	}
	return cmp.Or(err, e.close('a'))
}

// encodeKey writes an Object key as the basic type sig. Keys are
// strings, so keys for non-string basic types are parsed back from
// the form decodeKey renders them in.
func (e *encodeState) encodeKey(k string, sig Signature) error {
	var (
		kv  Value
		err error
	)
	switch c := sig.Code(); c {
	case 's', 'o', 'g':
		kv = String(k)
	case 'b':
		var b bool
		b, err = strconv.ParseBool(k)
		kv = Bool(b)
	case 'y', 'q', 'u', 't':
		var u uint64
		u, err = strconv.ParseUint(k, 10, 64)
		kv = Uint64(u)
	case 'n', 'i', 'x':
		var i int64
		i, err = strconv.ParseInt(k, 10, 64)
		kv = Int64(i)
	case 'd':
		var f float64
		f, err = strconv.ParseFloat(k, 64)
		kv = Double(f)
	default:
		return typeErr(sig.String(), "cannot encode dict key %q", k)
	}
	if err != nil {
		return typeErr(sig.String(), "cannot encode dict key %q: %w", k, err)
	}
	return e.encode(kv, sig)
}

func (e *encodeState) encodeStruct(v Value, sig Signature) error {
	fields := sig.Fields()
	if v.kind != KindArray || len(v.arr) != len(fields) {
		return typeErr(sig.String(), "cannot encode %s as a struct of %d fields", v, len(fields))
	}
	e.open('(', 8)
	var err error
	for i, f := range fields {
		if err = e.encode(v.arr[i], f); err != nil {
			err = fmt.Errorf("struct field %d: %w", i, err)
			break
		}
	}
	return cmp.Or(err, e.close('('))
}
