package vbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// BusType identifies one of the well-known message buses.
type BusType int

const (
	BusSystem BusType = iota
	BusSession
)

func (b BusType) String() string {
	switch b {
	case BusSystem:
		return "system"
	case BusSession:
		return "session"
	default:
		return fmt.Sprintf("BusType(%d)", int(b))
	}
}

var shared = map[BusType]func() (*Conn, error){
	BusSystem:  sync.OnceValues(func() (*Conn, error) { return dialShared(BusSystem) }),
	BusSession: sync.OnceValues(func() (*Conn, error) { return dialShared(BusSession) }),
}

func dialShared(bus BusType) (*Conn, error) {
	cfg, err := LoadConfig("")
	if err != nil {
		slog.Error("loading bus configuration", "bus", bus, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	defer cancel()

	var conn *Conn
	switch bus {
	case BusSystem:
		conn, err = SystemBus(ctx, WithConfig(cfg))
	case BusSession:
		conn, err = SessionBus(ctx, WithConfig(cfg))
	}
	if err != nil {
		slog.Error("connecting to shared bus", "bus", bus, "err", err)
		return nil, err
	}
	return conn, nil
}

// Shared returns the process-wide connection to bus, connecting on
// first use.
//
// The shared connection is configured by [LoadConfig] with no file,
// so only defaults and environment variables apply. If connecting
// fails, the failure is logged once and every later call to Shared
// returns the same error. Shared connections are never closed.
func Shared(bus BusType) (*Conn, error) {
	f, ok := shared[bus]
	if !ok {
		return nil, fmt.Errorf("unknown bus type %s", bus)
	}
	return f()
}

func sharedInterface(bus BusType, dest, path, iface string) (Interface, error) {
	conn, err := Shared(bus)
	if err != nil {
		return Interface{}, err
	}
	return conn.Peer(dest).Object(path).Interface(iface), nil
}

// CallBus calls a method on the shared connection to bus, and waits
// for the reply.
func CallBus(ctx context.Context, bus BusType, dest, path, iface, method string, args ...Value) (Value, error) {
	f, err := sharedInterface(bus, dest, path, iface)
	if err != nil {
		return Value{}, err
	}
	return f.Call(ctx, method, args...)
}

// CallBusAsync calls a method on the shared connection to bus,
// without waiting for or requesting a reply.
func CallBusAsync(bus BusType, dest, path, iface, method string, args ...Value) error {
	f, err := sharedInterface(bus, dest, path, iface)
	if err != nil {
		return err
	}
	return f.CallAsync(method, args...)
}
