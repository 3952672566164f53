package fragments

import (
	"fmt"
	"io"
	"math"
)

// A Decoder provides utilities to read a DBus wire format message
// from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim.
//
// As with [Encoder], alignment is computed relative to the start of
// In.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read.
	In []byte

	// pos is the number of bytes consumed off the front of In so
	// far.
	pos int
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.pos
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.In) - d.pos
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.pos % align
	if extra == 0 {
		return nil
	}
	_, err := d.Read(align - extra)
	return err
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || n > d.Remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	ret := d.In[d.pos : d.pos+n]
	d.pos += n
	return ret, nil
}

// StringBytes reads a DBus string, and returns its raw content
// without the trailing NUL.
//
// StringBytes only validates framing. The caller is responsible for
// checking that the content is valid UTF-8, which allows callers to
// skip over a bad string without losing their position in the
// message.
func (d *Decoder) StringBytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return nil, err
	}
	if bs[ln] != 0 {
		return nil, fmt.Errorf("string of length %d is not NUL terminated", ln)
	}
	return bs[:ln], nil
}

// Signature reads a DBus type signature.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", fmt.Errorf("signature of length %d is not NUL terminated", ln)
	}
	return string(bs[:ln]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Bool reads a DBus boolean.
func (d *Decoder) Bool() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch u {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean value %d", u)
	}
}

// Double reads an IEEE 754 double.
func (d *Decoder) Double() (float64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// Array reads an array header, and returns the offset at which the
// array's elements end.
//
// elemAlign is the alignment of the array's element type, so that the
// decoder consumes header padding correctly even if the array is
// empty. The caller should read elements until [Decoder.Offset]
// reaches end, and must not read beyond it.
func (d *Decoder) Array(elemAlign int) (end int, err error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxArrayLen {
		return 0, fmt.Errorf("array length %d exceeds maximum %d", ln, MaxArrayLen)
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	end = d.pos + int(ln)
	if end > len(d.In) {
		return 0, io.ErrUnexpectedEOF
	}
	return end, nil
}

// Struct aligns the read cursor to the start of a struct or dict
// entry.
func (d *Decoder) Struct() error {
	return d.Pad(8)
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	ord, err := OrderForFlag(v)
	if err != nil {
		return err
	}
	d.Order = ord
	return nil
}
