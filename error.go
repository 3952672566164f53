package vbus

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations on a Conn whose bus
	// connection could not be established, or has been lost.
	ErrNotConnected = errors.New("not connected to bus")
	// ErrTimeout is the reason reported by a [CallError] when a
	// synchronous call received no reply within its time bound.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrMalformed is wrapped by errors that report an unparseable
	// or pathologically nested message.
	ErrMalformed = errors.New("malformed message")
	// ErrReleased is returned when a message handle is used after it
	// reached a terminal state (sent, replied to, or released).
	ErrReleased = errors.New("message handle already released")
)

// TypeError is the error returned when a value cannot be represented
// in the DBus wire format.
type TypeError struct {
	// Signature is the DBus type that was being encoded, or the Go
	// type that was being converted to a Value.
	Signature string
	// Reason is an explanation of why the value isn't representable
	// by DBus.
	Reason error
}

func (e TypeError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("dbus cannot represent value: %s", e.Reason)
	}
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Signature, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(sig string, reason string, args ...any) error {
	return TypeError{sig, fmt.Errorf(reason, args...)}
}

func malformed(reason string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(reason, args...))
}

// Well-known error names.
const (
	errNameFailed        = "org.freedesktop.DBus.Error.Failed"
	errNameNoReply       = "org.freedesktop.DBus.Error.NoReply"
	errNameDisconnected  = "org.freedesktop.DBus.Error.Disconnected"
	errNameUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
)

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
	// Body is the complete decoded error body. Detail is taken from
	// its first string argument, if any.
	Body Value

	reason error
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Unwrap returns the local reason for the failure, such as
// [ErrTimeout], if the error did not come from the remote peer.
func (e CallError) Unwrap() error {
	return e.reason
}

// IsTimeout reports whether the call failed because no reply arrived
// in time.
func (e CallError) IsTimeout() bool {
	return errors.Is(e.reason, ErrTimeout)
}

// callErrorFromBody builds a CallError from a received error
// message's name and decoded body.
func callErrorFromBody(name string, body Value) CallError {
	ret := CallError{Name: name, Body: body}
	if s, ok := body.AsString(); ok {
		ret.Detail = s
	} else if body.Kind() == KindArray && body.Len() > 0 {
		if s, ok := body.Index(0).AsString(); ok {
			ret.Detail = s
		}
	}
	return ret
}
