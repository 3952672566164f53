package vbus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danderson/vbus/fragments"
)

// A Message is an outbound DBus message under construction.
//
// Messages are created by [Conn.NewMethodCall], [Conn.NewSignal],
// [Call.NewReturn] and [Call.NewError]. Arguments are added in order
// with the Append methods, and the message is finished by exactly one
// of [Message.Send], [Message.SendAsync] or [Message.Release].
//
// A message whose arguments failed to encode is never sent: Send and
// SendAsync return the first encoding failure instead.
//
// A Message is not safe for concurrent use.
type Message struct {
	conn *Conn
	hdr  header
	body fragments.Encoder
	sig  strings.Builder
	err  error
	// call is the inbound call that this message answers, for
	// returns and errors.
	call     *Call
	released bool
}

func (c *Conn) newMessage(hdr header) *Message {
	return &Message{
		conn: c,
		hdr:  hdr,
		body: fragments.Encoder{Order: fragments.NativeEndian},
	}
}

// NewMethodCall returns a new method call to method on the given
// interface of the object at path, offered by the peer dest.
//
// iface may be empty, in which case the peer picks the first
// interface it offers with a matching method name.
func (c *Conn) NewMethodCall(dest, path, iface, method string) *Message {
	m := c.newMessage(header{
		Type:        msgTypeCall,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      method,
	})
	errs := []error{validBusName(dest), validObjectPath(path), validMemberName(method)}
	if iface != "" {
		errs = append(errs, validInterfaceName(iface))
	}
	if err := errors.Join(errs...); err != nil {
		m.fail(err)
	}
	return m
}

// NewSignal returns a new signal emitted by the object at path.
func (c *Conn) NewSignal(path, iface, name string) *Message {
	m := c.newMessage(header{
		Type:      msgTypeSignal,
		Path:      path,
		Interface: iface,
		Member:    name,
	})
	if err := errors.Join(validObjectPath(path), validInterfaceName(iface), validMemberName(name)); err != nil {
		m.fail(err)
	}
	return m
}

func (m *Message) fail(err error) bool {
	if m.err == nil {
		m.err = err
	}
	return false
}

// Err returns the first failure that occurred while building the
// message, or nil if the message can be sent.
func (m *Message) Err() error { return m.err }

// Signature returns the signature of the arguments appended so far.
func (m *Message) Signature() string { return m.sig.String() }

// Append appends args to the message, each encoded as the type
// reported by [SignatureOf].
//
// Append reports whether all args were encoded. Every arg is
// attempted even if an earlier one fails.
func (m *Message) Append(args ...Value) bool {
	ok := true
	for _, v := range args {
		if !m.appendValue(v, Signature{}, false) {
			ok = false
		}
	}
	return ok
}

// AppendAs appends v to the message, encoded as the single complete
// type sig. This allows sending types that SignatureOf never
// produces, such as object paths or 16-bit integers.
func (m *Message) AppendAs(sig string, v Value) bool {
	s, err := ParseSignature(sig)
	if err != nil {
		return m.fail(err)
	}
	if s.Code() == 0 {
		return m.fail(typeErr(sig, "must be a single complete type"))
	}
	return m.appendValue(v, s, false)
}

// AppendVariant appends v to the message as a variant containing the
// single complete type sig.
func (m *Message) AppendVariant(sig string, v Value) bool {
	s, err := ParseSignature(sig)
	if err != nil {
		return m.fail(err)
	}
	if s.Code() == 0 {
		return m.fail(typeErr(sig, "must be a single complete type"))
	}
	return m.appendValue(v, s, true)
}

func (m *Message) appendValue(v Value, sig Signature, asVariant bool) bool {
	if m.released {
		return m.fail(ErrReleased)
	}
	if sig.IsZero() {
		s, err := SignatureOf(v)
		if err != nil {
			return m.fail(err)
		}
		sig = s
	}
	wire := sig.String()
	if asVariant {
		wire = "v"
	}
	if m.sig.Len()+len(wire) > maxSignatureLen {
		return m.fail(typeErr(m.sig.String()+wire, "message signature exceeds %d bytes", maxSignatureLen))
	}

	e := encodeState{enc: &m.body}
	var err error
	if asVariant {
		err = e.encodeVariant(v, sig)
	} else {
		err = e.encode(v, sig)
	}
	if err != nil {
		return m.fail(err)
	}
	m.sig.WriteString(wire)
	return true
}

// Release discards the message without sending it. Release is
// idempotent, and is implied by Send and SendAsync.
func (m *Message) Release() {
	m.released = true
	m.body.Out = nil
}

// Send sends a method call and waits for the reply.
//
// Send waits at most for the Conn's configured call timeout, or until
// ctx is done, whichever comes first. If no reply arrives in time,
// Send returns a [CallError] that unwraps to [ErrTimeout]. If the
// peer replies with an error, Send returns it as a CallError.
func (m *Message) Send(ctx context.Context) (*Reply, error) {
	if m.released {
		return nil, ErrReleased
	}
	defer m.Release()
	if m.hdr.Type != msgTypeCall {
		return nil, fmt.Errorf("cannot wait for a reply to a %s message", m.hdr.Type)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.conn.call(ctx, m)
}

// SendAsync sends the message without waiting for a response.
//
// A nil error means only that the message was written to the
// connection, not that any peer received or acted on it. Method
// calls sent with SendAsync ask the peer not to reply.
func (m *Message) SendAsync() error {
	if m.released {
		return ErrReleased
	}
	defer m.Release()
	if m.err != nil {
		return m.err
	}
	if m.call != nil {
		if err := m.call.claim(m.hdr.Type); err != nil {
			return err
		}
		if !m.call.msg.WantReply() {
			return nil
		}
	}
	if m.hdr.Type == msgTypeCall {
		m.hdr.Flags |= flagNoReplyExpected
	}
	_, err := m.conn.send(m, nil)
	return err
}

// Reply is the response to a method call.
type Reply struct {
	hdr   *header
	value Value
}

// Value returns the decoded reply body.
//
// Like all message bodies, a reply with one value decodes to that
// value, and other replies decode to an Array.
func (r *Reply) Value() Value { return r.value }

// Sender returns the unique bus name of the peer that replied.
func (r *Reply) Sender() string { return r.hdr.Sender }

// Signature returns the signature of the reply body.
func (r *Reply) Signature() Signature { return r.hdr.Signature }
