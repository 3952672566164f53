package fragments

import (
	"fmt"
	"math"
)

// MaxArrayLen is the largest array body, in bytes, that the DBus
// specification permits.
const MaxArrayLen = 1 << 26

// An Encoder provides utilities to write a DBus wire format message
// to a byte slice.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
//
// Alignment is computed relative to the start of Out, so an Encoder
// must start on an 8-byte boundary of the final message. Message
// bodies satisfy this, since the header is padded to 8 bytes.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the message a multiple
// of align bytes. If the message is already correctly aligned, no
// padding is inserted.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// String writes a DBus string (also used for object paths).
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes a DBus type signature. Signatures use a single
// byte length prefix and are limited to 255 bytes.
func (e *Encoder) Signature(sig string) error {
	if len(sig) > 255 {
		return fmt.Errorf("signature %q exceeds 255 bytes", sig)
	}
	e.Uint8(uint8(len(sig)))
	e.Out = append(e.Out, sig...)
	e.Out = append(e.Out, 0)
	return nil
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Bool writes a DBus boolean, which is a uint32 restricted to 0 or 1.
func (e *Encoder) Bool(b bool) {
	if b {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

// Double writes an IEEE 754 double.
func (e *Encoder) Double(f float64) {
	e.Uint64(math.Float64bits(f))
}

// An ArrayMark records where an open array started, so that its
// length can be filled in when the array is closed.
type ArrayMark struct {
	lenAt int
	start int
}

// OpenArray writes an array header, and returns a mark that must be
// passed to CloseArray once all array elements have been written.
//
// elemAlign is the alignment of the array's element type. The header
// is padded to that alignment even if the array ends up empty, as
// required by the DBus specification.
func (e *Encoder) OpenArray(elemAlign int) ArrayMark {
	e.Pad(4)
	lenAt := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)
	return ArrayMark{lenAt, len(e.Out)}
}

// CloseArray finalizes the array opened with m, by writing the
// array's byte length into its header.
func (e *Encoder) CloseArray(m ArrayMark) error {
	if m.lenAt < 0 || m.start > len(e.Out) || m.lenAt+4 > len(e.Out) {
		return fmt.Errorf("invalid array mark %+v for output of length %d", m, len(e.Out))
	}
	n := len(e.Out) - m.start
	if n > MaxArrayLen {
		return fmt.Errorf("array length %d exceeds maximum %d", n, MaxArrayLen)
	}
	e.Order.PutUint32(e.Out[m.lenAt:], uint32(n))
	return nil
}

// Struct aligns the output for the start of a struct or dict entry.
func (e *Encoder) Struct() {
	e.Pad(8)
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B')
// that matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Write([]byte{e.Order.dbusFlag()})
}
