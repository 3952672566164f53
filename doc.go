// Package vbus is a dynamically typed DBus client.
//
// Message bodies are represented as [Value], a tagged union of null,
// booleans, integers of several widths, doubles, strings, arrays and
// string-keyed objects. Values are converted to and from the DBus wire
// format according to a DBus type signature:
//
//   - [Encode] writes Values as a given signature, converting integers
//     between widths when the value fits, and filling object paths,
//     signatures and variants from strings and other Values.
//   - [Decode] reads a message body into a Value. Structs become
//     Arrays, dictionaries become Objects with stringified keys, and
//     variants are unwrapped.
//   - [SignatureOf] reports the signature a Value is sent as when no
//     signature is given explicitly.
//
// A [Conn] is a connection to a bus. Outbound messages are built with
// [Conn.NewMethodCall] and [Conn.NewSignal], and sent with
// [Message.Send] or [Message.SendAsync]. For common cases,
// [Interface.Call] and the property helpers build and send the
// message in one step, and the package-level [Call], [Get], [Set] and
// [GetAll] do the same over a process-wide [Shared] connection.
//
// Inbound signals and method calls are delivered to handlers
// registered with [Conn.Subscribe], but only when the owner of the
// Conn calls [Conn.Pump]. This makes handler execution cooperative:
// handlers run on the goroutine that calls Pump, in the order their
// messages arrived. Replies to outbound calls do not wait for Pump.
//
// A message that fails to encode is never sent. Protocol errors from
// peers are returned as [CallError], malformed inbound messages are
// logged and dropped, and losing the bus connection makes later
// operations fail with [ErrNotConnected]. Nothing in this package
// terminates the process.
package vbus
