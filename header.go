package vbus

import (
	"errors"
	"fmt"
	"io"

	"github.com/danderson/vbus/fragments"
)

// msgType is the type of a DBus message.
type msgType byte

const (
	msgTypeCall msgType = iota + 1
	msgTypeReturn
	msgTypeError
	msgTypeSignal
)

func (t msgType) String() string {
	switch t {
	case msgTypeCall:
		return "method_call"
	case msgTypeReturn:
		return "method_return"
	case msgTypeError:
		return "error"
	case msgTypeSignal:
		return "signal"
	}
	return fmt.Sprintf("msgType(%d)", byte(t))
}

const flagNoReplyExpected = 0x1

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// maxMessageLen is the largest message the DBus specification
// permits, header included.
const maxMessageLen = 1 << 27

// headerFieldsSig is the type of a message header, up to the end of
// the header fields array.
var headerFieldsSig = mustParseSignature("yyyyuua(yv)")

// header is a DBus message header
type header struct {
	// Order is the message's byte order.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type msgType
	// Flags is the message's flag byte.
	Flags byte
	// Length is the length of the message body, not including the
	// header or padding between header and body.
	Length uint32
	// Serial is the serial for this message. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for msgTypeCall and msgTypeSignal.
	Path string
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Required for msgTypeSignal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for msgTypeCall and msgTypeSignal.
	Member string
	// ErrName is the name of the error that occurred. Required
	// for msgTypeError.
	ErrName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for msgTypeReturn and msgTypeError.
	ReplySerial uint32
	// Destination is the target for a message.
	Destination string
	// Sender is the unique name of the message sender. The bus
	// fills this in.
	Sender string
	// Signature is the type signature of the message body.
	Signature Signature
	// NumFDs is the number of file descriptors attached to this
	// message.
	NumFDs uint32
}

// Valid checks that the message header is valid for its message type.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	switch h.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case msgTypeCall:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	case msgTypeReturn:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case msgTypeError:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return errors.New("missing required header field ErrName")
		}
	case msgTypeSignal:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the D-Bus specification requires us to
		// gracefully allow them.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *header) WantReply() bool {
	return h.Type == msgTypeCall && h.Flags&flagNoReplyExpected == 0
}

// encode appends the wire form of h, including the padding that
// precedes the body, to enc.
func (h *header) encode(enc *fragments.Encoder) error {
	e := encodeState{enc: enc}
	enc.ByteOrderFlag()
	enc.Uint8(byte(h.Type))
	enc.Uint8(h.Flags)
	enc.Uint8(1) // protocol version
	enc.Uint32(h.Length)
	enc.Uint32(h.Serial)

	var errs []error
	field := func(code byte, sig string, v Value) {
		e.open('(', 8)
		enc.Uint8(code)
		errs = append(errs, e.encodeVariant(v, mustParseSignature(sig)))
		errs = append(errs, e.close('('))
	}
	e.open('a', 8)
	if h.Path != "" {
		field(fieldPath, "o", String(h.Path))
	}
	if h.Interface != "" {
		field(fieldInterface, "s", String(h.Interface))
	}
	if h.Member != "" {
		field(fieldMember, "s", String(h.Member))
	}
	if h.ErrName != "" {
		field(fieldErrName, "s", String(h.ErrName))
	}
	if h.ReplySerial != 0 {
		field(fieldReplySerial, "u", Uint32(h.ReplySerial))
	}
	if h.Destination != "" {
		field(fieldDestination, "s", String(h.Destination))
	}
	if h.Sender != "" {
		field(fieldSender, "s", String(h.Sender))
	}
	if !h.Signature.IsZero() {
		field(fieldSignature, "g", String(h.Signature.String()))
	}
	if h.NumFDs != 0 {
		field(fieldNumFDs, "u", Uint32(h.NumFDs))
	}
	errs = append(errs, e.close('a'))
	enc.Pad(8)
	return errors.Join(errs...)
}

// decodeHeader parses a message header from bs, which must contain
// exactly the header up to the end of its fields array.
func decodeHeader(ord fragments.ByteOrder, bs []byte) (*header, error) {
	v, err := Decode(ord, headerFieldsSig, bs)
	if err != nil {
		return nil, err
	}
	fixed := v.Elems()
	if len(fixed) != 7 {
		return nil, malformed("header has %d parts, want 7", len(fixed))
	}
	num := func(v Value) uint32 {
		u, _ := v.AsUint64()
		return uint32(u)
	}
	if num(fixed[3]) != 1 {
		return nil, malformed("unsupported protocol version %d", num(fixed[3]))
	}
	ret := &header{
		Order:  ord,
		Type:   msgType(num(fixed[1])),
		Flags:  byte(num(fixed[2])),
		Length: num(fixed[4]),
		Serial: num(fixed[5]),
	}

	for _, f := range fixed[6].Elems() {
		code, val := num(f.Index(0)), f.Index(1)
		s, isStr := val.AsString()
		u, isNum := val.AsUint64()
		badType := func() error {
			return malformed("header field %d has unexpected value %s", code, val)
		}
		switch code {
		case fieldPath, fieldInterface, fieldMember, fieldErrName, fieldDestination, fieldSender, fieldSignature:
			if !isStr {
				return nil, badType()
			}
		case fieldReplySerial, fieldNumFDs:
			if !isNum || val.Kind() != KindUint32 {
				return nil, badType()
			}
		}
		switch code {
		case fieldPath:
			ret.Path = s
		case fieldInterface:
			ret.Interface = s
		case fieldMember:
			ret.Member = s
		case fieldErrName:
			ret.ErrName = s
		case fieldReplySerial:
			ret.ReplySerial = uint32(u)
		case fieldDestination:
			ret.Destination = s
		case fieldSender:
			ret.Sender = s
		case fieldSignature:
			sig, err := ParseSignature(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			ret.Signature = sig
		case fieldNumFDs:
			ret.NumFDs = uint32(u)
		default:
			// Unknown header fields must be ignored.
		}
	}
	return ret, nil
}

// msg is a received message.
type msg struct {
	*header
	body []byte
}

// Value decodes the message body.
func (m *msg) Value() (Value, error) {
	return Decode(m.Order, m.Signature, m.body)
}

// readMsg reads one complete DBus message from r. If the message
// carries file descriptors, getFiles is called to collect them from
// the transport.
func readMsg(r io.Reader, getFiles func(int) error) (*msg, error) {
	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	// Framing errors are not ErrMalformed: the reader cannot find
	// the start of the next message.
	ord, err := fragments.OrderForFlag(fixed[0])
	if err != nil {
		return nil, err
	}
	bodyLen := uint64(ord.Uint32(fixed[4:8]))
	fieldsLen := uint64(ord.Uint32(fixed[12:16]))
	hdrLen := 16 + fieldsLen
	paddedLen := (hdrLen + 7) &^ 7
	if paddedLen+bodyLen > maxMessageLen {
		return nil, fmt.Errorf("message of %d bytes exceeds maximum size %d", paddedLen+bodyLen, maxMessageLen)
	}

	buf := make([]byte, paddedLen+bodyLen)
	copy(buf, fixed[:])
	if _, err := io.ReadFull(r, buf[len(fixed):]); err != nil {
		return nil, err
	}

	hdr, err := decodeHeader(ord, buf[:hdrLen])
	if err != nil {
		return nil, err
	}
	if hdr.NumFDs > 0 && getFiles != nil {
		if err := getFiles(int(hdr.NumFDs)); err != nil {
			return nil, err
		}
	}
	return &msg{hdr, buf[paddedLen:]}, nil
}
