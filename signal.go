package vbus

// EmitSignal emits a signal from the object at path, with args as
// the signal body.
//
// Each arg is encoded as the type [SignatureOf] reports. Use
// [Conn.NewSignal] to control the body's types.
func (c *Conn) EmitSignal(path, iface, name string, args ...Value) error {
	m := c.NewSignal(path, iface, name)
	m.Append(args...)
	return m.SendAsync()
}

// SignalFilter returns a Filter for the named signal of the
// interface, emitted by the interface's object.
func (f Interface) SignalFilter(name string) *Filter {
	return SignalFilter().Path(f.Object().Path()).Interface(f.name).Member(name)
}

// PropertiesChangedFilter returns a Filter for the
// org.freedesktop.DBus.Properties.PropertiesChanged signal of the
// object. The signal body is an Array of the interface name, an
// Object of changed properties, and an Array of the names of
// invalidated properties.
func (o Object) PropertiesChangedFilter() *Filter {
	return o.Interface(ifaceProps).SignalFilter("PropertiesChanged")
}
