package vbus

import "fmt"

// Object is an object offered by a [Peer].
type Object struct {
	p    Peer
	path string
}

func (o Object) Conn() *Conn  { return o.p.Conn() }
func (o Object) Peer() Peer   { return o.p }
func (o Object) Path() string { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Interface returns the named interface of the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}
