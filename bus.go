package vbus

import (
	"context"
	"errors"
	"fmt"
)

const (
	busName  = "org.freedesktop.DBus"
	busPath  = "/org/freedesktop/DBus"
	busIface = "org.freedesktop.DBus"
)

// bus returns the message bus's own interface.
func (c *Conn) bus() Interface {
	return c.Peer(busName).Object(busPath).Interface(busIface)
}

// hello registers the connection with the bus, and returns the
// connection's unique name.
func (c *Conn) hello(ctx context.Context) (string, error) {
	v, err := c.bus().Call(ctx, "Hello")
	if err != nil {
		return "", err
	}
	name, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("unexpected Hello response %s", v)
	}
	return name, nil
}

// AddMatch installs a match rule with the bus. Most callers should
// use [Conn.Subscribe] instead.
func (c *Conn) AddMatch(ctx context.Context, rule string) error {
	_, err := c.bus().Call(ctx, "AddMatch", String(rule))
	return err
}

// RemoveMatch removes a match rule previously installed with
// AddMatch.
func (c *Conn) RemoveMatch(ctx context.Context, rule string) error {
	_, err := c.bus().Call(ctx, "RemoveMatch", String(rule))
	return err
}

type NameRequestFlags byte

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// RequestName asks the bus to assign name to the connection.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	v, err := c.bus().Call(ctx, "RequestName", String(name), Uint32(uint32(flags)))
	if err != nil {
		return false, err
	}
	resp, _ := v.AsUint64()
	switch resp {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, errors.New("requested name not available")
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response %s to RequestName", v)
	}
}

// ReleaseName gives up ownership of name.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.bus().Call(ctx, "ReleaseName", String(name))
	return err
}

// NameHasOwner reports whether any connection owns name.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	v, err := c.bus().Call(ctx, "NameHasOwner", String(name))
	if err != nil {
		return false, err
	}
	b, ok := v.AsBool()
	if !ok {
		return false, fmt.Errorf("unexpected NameHasOwner response %s", v)
	}
	return b, nil
}

// GetNameOwner returns the unique name of name's owner.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	v, err := c.bus().Call(ctx, "GetNameOwner", String(name))
	if err != nil {
		return "", err
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("unexpected GetNameOwner response %s", v)
	}
	return s, nil
}

// ListNames returns the names currently owned on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	v, err := c.bus().Call(ctx, "ListNames")
	if err != nil {
		return nil, err
	}
	return stringList(v)
}

// GetBusID returns the bus's unique ID.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	v, err := c.bus().Call(ctx, "GetId")
	if err != nil {
		return "", err
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("unexpected GetId response %s", v)
	}
	return s, nil
}

func stringList(v Value) ([]string, error) {
	if v.Kind() != KindArray {
		return nil, fmt.Errorf("expected array of strings, got %s", v)
	}
	ret := make([]string, 0, v.Len())
	for _, e := range v.Elems() {
		s, ok := e.AsString()
		if !ok {
			return nil, fmt.Errorf("expected array of strings, got element %s", e)
		}
		ret = append(ret, s)
	}
	return ret, nil
}

// Not implemented:
//  - StartServiceByName and activation, which are out of scope.
//  - UpdateActivationEnvironment, so locked down you can't really do
//    much with it any more.
//  - GetConnectionCredentials and friends, whose replies carry file
//    descriptors that Values cannot represent.
