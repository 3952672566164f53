package vbus

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/danderson/vbus/fragments"
)

// Decode decodes a message body of type sig, in the given byte order.
//
// A body with exactly one value decodes to that value. Bodies with
// zero or several values decode to an Array of the values, so an
// empty body is the empty Array rather than Null.
//
// Basic types decode to the scalar Kind of the same signedness that
// can hold them: int16 decodes to Int32 and uint16 to Uint32. Object
// paths and signatures decode to String, and file descriptors decode
// to Null. Structs decode to an Array of their fields. Dictionaries
// decode to Objects: keys of other basic types are converted to
// strings, and entries with an undecodable or empty key, or a Null
// value, are skipped. Other arrays skip elements that decode to Null.
// Variants decode to the value they contain.
//
// Errors wrap [ErrMalformed].
func Decode(ord fragments.ByteOrder, sig Signature, body []byte) (Value, error) {
	d := decodeState{dec: &fragments.Decoder{Order: ord, In: body}}
	parts := sig.Parts()
	vals := make([]Value, 0, len(parts))
	for _, p := range parts {
		v, err := d.decode(p)
		if err != nil {
			return Value{}, err
		}
		vals = append(vals, v)
	}
	if n := d.dec.Remaining(); n > 0 {
		return Value{}, malformed("%d trailing bytes after values of type %q", n, sig)
	}
	if len(vals) == 1 {
		return vals[0], nil
	}
	return Value{kind: KindArray, arr: vals}, nil
}

type decodeState struct {
	dec *fragments.Decoder
	// variants is the number of variants currently being decoded.
	variants int
}

// fail wraps a low-level decoding error.
func (d *decodeState) fail(sig Signature, err error) error {
	return fmt.Errorf("%w: reading %q at offset %d: %w", ErrMalformed, sig, d.dec.Offset(), err)
}

func (d *decodeState) decode(sig Signature) (Value, error) {
	switch c := sig.Code(); c {
	case 'b':
		b, err := d.dec.Bool()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Bool(b), nil
	case 'y':
		u, err := d.dec.Uint8()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Byte(u), nil
	case 'n':
		u, err := d.dec.Uint16()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Int32(int32(int16(u))), nil
	case 'q':
		u, err := d.dec.Uint16()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Uint32(uint32(u)), nil
	case 'i':
		u, err := d.dec.Uint32()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Int32(int32(u)), nil
	case 'u':
		u, err := d.dec.Uint32()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Uint32(u), nil
	case 'x':
		u, err := d.dec.Uint64()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Int64(int64(u)), nil
	case 't':
		u, err := d.dec.Uint64()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Uint64(u), nil
	case 'd':
		f, err := d.dec.Double()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Double(f), nil
	case 's', 'o':
		bs, err := d.dec.StringBytes()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		if !utf8.Valid(bs) {
			return Value{}, malformed("string at offset %d is not valid UTF-8", d.dec.Offset())
		}
		if c == 'o' {
			if err := validObjectPath(string(bs)); err != nil {
				return Value{}, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
		}
		return String(string(bs)), nil
	case 'g':
		s, err := d.dec.Signature()
		if err != nil {
			return Value{}, d.fail(sig, err)
		}
		if _, err := ParseSignature(s); err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return String(s), nil
	case 'h':
		if _, err := d.dec.Uint32(); err != nil {
			return Value{}, d.fail(sig, err)
		}
		return Value{}, nil
	case 'v':
		return d.decodeVariant()
	case 'a':
		if sig.IsDict() {
			return d.decodeDict(sig)
		}
		return d.decodeArray(sig)
	case '(':
		return d.decodeStruct(sig)
	default:
		return Value{}, malformed("cannot decode type %q as a single value", sig)
	}
}

func (d *decodeState) decodeVariant() (Value, error) {
	s, err := d.dec.Signature()
	if err != nil {
		return Value{}, d.fail(Signature{}, err)
	}
	inner, err := ParseSignature(s)
	if err != nil {
		return Value{}, fmt.Errorf("%w: variant: %w", ErrMalformed, err)
	}
	if inner.Code() == 0 {
		return Value{}, malformed("variant signature %q is not a single complete type", s)
	}
	d.variants++
	defer func() { d.variants-- }()
	if d.variants > maxDepth {
		return Value{}, malformed("variants nested more than %d levels deep", maxDepth)
	}
	return d.decode(inner)
}

func (d *decodeState) decodeArray(sig Signature) (Value, error) {
	elem := sig.Elem()
	end, err := d.dec.Array(elem.align())
	if err != nil {
		return Value{}, d.fail(sig, err)
	}
	elems := []Value{}
	for d.dec.Offset() < end {
		v, err := d.decode(elem)
		if err != nil {
			return Value{}, err
		}
		if v.IsNull() {
			continue
		}
		elems = append(elems, v)
	}
	if d.dec.Offset() != end {
		return Value{}, malformed("array of %q overran its length by %d bytes", elem, d.dec.Offset()-end)
	}
	return Value{kind: KindArray, arr: elems}, nil
}

func (d *decodeState) decodeDict(sig Signature) (Value, error) {
	keySig, valSig := sig.Elem().Key(), sig.Elem().Elem()
	end, err := d.dec.Array(8)
	if err != nil {
		return Value{}, d.fail(sig, err)
	}
	members := map[string]Value{}
	for d.dec.Offset() < end {
		if err := d.dec.Struct(); err != nil {
			return Value{}, d.fail(sig, err)
		}
		k, ok, err := d.decodeKey(keySig)
		if err != nil {
			return Value{}, err
		}
		v, err := d.decode(valSig)
		if err != nil {
			return Value{}, err
		}
		if !ok || k == "" || v.IsNull() {
			continue
		}
		members[k] = v
	}
	if d.dec.Offset() != end {
		return Value{}, malformed("dict %q overran its length by %d bytes", sig, d.dec.Offset()-end)
	}
	return Value{kind: KindObject, obj: members}, nil
}

// decodeKey reads a dict entry key and renders it as a string. ok is
// false if the key was read but cannot be used as an Object key. A
// non-nil error means the message framing is broken and decoding
// cannot continue.
func (d *decodeState) decodeKey(sig Signature) (k string, ok bool, err error) {
	switch sig.Code() {
	case 's', 'o':
		bs, err := d.dec.StringBytes()
		if err != nil {
			return "", false, d.fail(sig, err)
		}
		if !utf8.Valid(bs) {
			return "", false, nil
		}
		return string(bs), true, nil
	case 'g':
		s, err := d.dec.Signature()
		if err != nil {
			return "", false, d.fail(sig, err)
		}
		return s, utf8.ValidString(s), nil
	case 'b':
		u, err := d.dec.Uint32()
		if err != nil {
			return "", false, d.fail(sig, err)
		}
		if u > 1 {
			return "", false, nil
		}
		return strconv.FormatBool(u == 1), true, nil
	}

	v, err := d.decode(sig)
	if err != nil {
		return "", false, err
	}
	switch v.kind {
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10), true, nil
	case KindByte, KindUint32, KindUint64:
		return strconv.FormatUint(v.u, 10), true, nil
	case KindDouble:
		f, _ := v.AsDouble()
		return strconv.FormatFloat(f, 'g', -1, 64), true, nil
	}
	return "", false, nil
}

func (d *decodeState) decodeStruct(sig Signature) (Value, error) {
	if err := d.dec.Struct(); err != nil {
		return Value{}, d.fail(sig, err)
	}
	fields := sig.Fields()
	vals := make([]Value, 0, len(fields))
	for _, f := range fields {
		v, err := d.decode(f)
		if err != nil {
			return Value{}, err
		}
		vals = append(vals, v)
	}
	return Value{kind: KindArray, arr: vals}, nil
}
