package vbus

import (
	"context"
	"fmt"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// NewMethodCall returns an empty call to method on the interface, for
// callers that need [Message.AppendAs] to control argument types.
func (f Interface) NewMethodCall(method string) *Message {
	return f.Conn().NewMethodCall(f.Peer().Name(), f.Object().Path(), f.name, method)
}

func (f Interface) newCall(method string, args []Value) *Message {
	m := f.NewMethodCall(method)
	m.Append(args...)
	return m
}

// Call calls method on the interface with the given arguments, and
// returns the decoded response.
//
// Each argument is encoded as the type [SignatureOf] reports. To send
// other types, build the call with [Conn.NewMethodCall] and
// [Message.AppendAs].
func (f Interface) Call(ctx context.Context, method string, args ...Value) (Value, error) {
	r, err := f.newCall(method, args).Send(ctx)
	if err != nil {
		return Value{}, err
	}
	return r.Value(), nil
}

// CallAsync calls method on the interface with the given arguments,
// and tells the peer not to send a reply.
//
// CallAsync returns after the method call is written to the
// connection. Since the response is suppressed at the bus level,
// there is no way to know whether the call was delivered to anyone,
// or acted upon.
func (f Interface) CallAsync(method string, args ...Value) error {
	return f.newCall(method, args).SendAsync()
}

// GetProperty returns the value of the given property.
func (f Interface) GetProperty(ctx context.Context, name string) (Value, error) {
	return f.Object().Interface(ifaceProps).Call(ctx, "Get", String(f.name), String(name))
}

// SetProperty sets the given property to v, sent as a variant of the
// type [SignatureOf] reports.
func (f Interface) SetProperty(ctx context.Context, name string, v Value) error {
	sig, err := SignatureOf(v)
	if err != nil {
		return err
	}
	return f.SetPropertyAs(ctx, name, sig.String(), v)
}

// SetPropertyAs sets the given property to v, sent as a variant of
// the type sig.
func (f Interface) SetPropertyAs(ctx context.Context, name, sig string, v Value) error {
	m := f.Object().Interface(ifaceProps).newCall("Set", []Value{String(f.name), String(name)})
	m.AppendVariant(sig, v)
	_, err := m.Send(ctx)
	return err
}

// GetAllProperties returns all the properties exported by the
// interface, as an Object.
func (f Interface) GetAllProperties(ctx context.Context) (Value, error) {
	return f.Object().Interface(ifaceProps).Call(ctx, "GetAll", String(f.name))
}
