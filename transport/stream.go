package transport

import (
	"errors"
	"net"
	"os"
)

// FromConn returns a Transport that speaks DBus over an already
// established and authenticated connection, such as one half of a
// [net.Pipe] in tests.
//
// Stream transports cannot carry file descriptors.
func FromConn(conn net.Conn) Transport {
	return streamTransport{conn}
}

type streamTransport struct {
	net.Conn
}

func (s streamTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errors.New("file descriptors not supported on stream transport")
}
