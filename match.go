package vbus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/mds/value"
)

// MessageClass is the class of inbound message a [Filter] selects.
type MessageClass byte

const (
	ClassSignal MessageClass = iota + 1
	ClassMethodCall
)

func (c MessageClass) String() string {
	switch c {
	case ClassSignal:
		return "signal"
	case ClassMethodCall:
		return "method_call"
	}
	return fmt.Sprintf("MessageClass(%d)", byte(c))
}

func (c MessageClass) msgType() msgType {
	switch c {
	case ClassSignal:
		return msgTypeSignal
	case ClassMethodCall:
		return msgTypeCall
	}
	return 0
}

// Filter selects inbound signals or method calls.
//
// A Filter always matches a single message class. Path, interface and
// member are optional: an unset field matches any value.
type Filter struct {
	class  MessageClass
	path   value.Maybe[string]
	iface  value.Maybe[string]
	member value.Maybe[string]
}

// SignalFilter returns a Filter for all signals.
func SignalFilter() *Filter {
	return &Filter{class: ClassSignal}
}

// MethodFilter returns a Filter for all method calls.
func MethodFilter() *Filter {
	return &Filter{class: ClassMethodCall}
}

// Class returns the class of message that f matches.
func (f *Filter) Class() MessageClass { return f.class }

// Path restricts the filter to messages for or from a single object
// path.
func (f *Filter) Path(p string) *Filter {
	f.path = value.Just(p)
	return f
}

// Interface restricts the filter to a single interface.
func (f *Filter) Interface(name string) *Filter {
	f.iface = value.Just(name)
	return f
}

// Member restricts the filter to a single method or signal name.
func (f *Filter) Member(name string) *Filter {
	f.member = value.Just(name)
	return f
}

// Valid checks that f's fields are well-formed.
func (f *Filter) Valid() error {
	var errs []error
	if f.class != ClassSignal && f.class != ClassMethodCall {
		errs = append(errs, fmt.Errorf("unknown message class %v", f.class))
	}
	if p, ok := f.path.GetOK(); ok {
		errs = append(errs, validObjectPath(p))
	}
	if i, ok := f.iface.GetOK(); ok {
		errs = append(errs, validInterfaceName(i))
	}
	if m, ok := f.member.GetOK(); ok {
		errs = append(errs, validMemberName(m))
	}
	return errors.Join(errs...)
}

// Rule returns the filter in the match rule format that the bus
// wants for the AddMatch and RemoveMatch methods.
func (f *Filter) Rule() string {
	ms := []string{"type=" + escapeMatchArg(f.class.String())}
	kv := func(k string, v value.Maybe[string]) {
		if s, ok := v.GetOK(); ok {
			ms = append(ms, k+"="+escapeMatchArg(s))
		}
	}
	kv("path", f.path)
	kv("interface", f.iface)
	kv("member", f.member)
	return strings.Join(ms, ",")
}

func (f *Filter) String() string { return f.Rule() }

// matches reports whether the message described by hdr satisfies
// the filter, using the same logic that the bus applies to f's
// Rule.
//
// This is necessary because a Conn receives a single stream of
// messages, the union of all its subscriptions, and each
// subscription must only see the messages it asked for.
func (f *Filter) matches(hdr *header) bool {
	if hdr.Type != f.class.msgType() {
		return false
	}
	if p, ok := f.path.GetOK(); ok && hdr.Path != p {
		return false
	}
	if i, ok := f.iface.GetOK(); ok && hdr.Interface != i {
		return false
	}
	if m, ok := f.member.GetOK(); ok && hdr.Member != m {
		return false
	}
	return true
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
