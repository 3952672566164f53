package vbus

import "context"

const ifaceProps = "org.freedesktop.DBus.Properties"

// Get returns the value of a property, using the shared connection to
// bus.
func Get(ctx context.Context, bus BusType, dest, path, iface, prop string) (Value, error) {
	f, err := sharedInterface(bus, dest, path, iface)
	if err != nil {
		return Value{}, err
	}
	return f.GetProperty(ctx, prop)
}

// Set sets a property to v, using the shared connection to bus. v is
// sent as a variant of the type [SignatureOf] reports.
//
// Set waits for the peer to acknowledge the change, so that failures
// are reported to the caller.
func Set(ctx context.Context, bus BusType, dest, path, iface, prop string, v Value) error {
	f, err := sharedInterface(bus, dest, path, iface)
	if err != nil {
		return err
	}
	return f.SetProperty(ctx, prop, v)
}

// GetAll returns all properties of an interface as an Object, using
// the shared connection to bus.
func GetAll(ctx context.Context, bus BusType, dest, path, iface string) (Value, error) {
	f, err := sharedInterface(bus, dest, path, iface)
	if err != nil {
		return Value{}, err
	}
	return f.GetAllProperties(ctx)
}
