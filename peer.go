package vbus

import (
	"context"
)

const ifacePeer = "org.freedesktop.DBus.Peer"

// Peer is a participant on the bus, identified by its bus name.
type Peer struct {
	c    *Conn
	name string
}

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

func (p Peer) Conn() *Conn  { return p.c }
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns the peer's object at path.
func (p Peer) Object(path string) Object {
	return Object{
		p:    p,
		path: path,
	}
}

// Ping checks that the peer is reachable.
func (p Peer) Ping(ctx context.Context) error {
	_, err := p.Object("/").Interface(ifacePeer).Call(ctx, "Ping")
	return err
}
