package vbus

import (
	"errors"
	"fmt"
	"strings"
)

const maxNameLen = 255

func isNameChar(c byte, allowDash bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		return true
	case c == '-':
		return allowDash
	}
	return false
}

// validObjectPath checks that p is a well-formed object path, such
// as "/org/freedesktop/DBus".
func validObjectPath(p string) error {
	if p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("object path %q must start with /", p)
	}
	for _, elem := range strings.Split(p[1:], "/") {
		if elem == "" {
			return fmt.Errorf("object path %q has an empty element", p)
		}
		for i := range len(elem) {
			if !isNameChar(elem[i], false) {
				return fmt.Errorf("object path %q contains invalid character %q", p, elem[i])
			}
		}
	}
	return nil
}

// validDottedName checks that n is a well-formed interface or error
// name: two or more dot-separated elements that don't start with a
// digit.
func validDottedName(kind, n string) error {
	if n == "" {
		return fmt.Errorf("empty %s name", kind)
	}
	if len(n) > maxNameLen {
		return fmt.Errorf("%s name %q is longer than %d bytes", kind, n, maxNameLen)
	}
	elems := strings.Split(n, ".")
	if len(elems) < 2 {
		return fmt.Errorf("%s name %q must have at least two elements", kind, n)
	}
	for _, elem := range elems {
		if err := validElement(elem, false, false); err != nil {
			return fmt.Errorf("%s name %q: %w", kind, n, err)
		}
	}
	return nil
}

func validInterfaceName(n string) error { return validDottedName("interface", n) }
func validErrorName(n string) error     { return validDottedName("error", n) }

// validMemberName checks that n is a well-formed method or signal
// name.
func validMemberName(n string) error {
	if len(n) > maxNameLen {
		return fmt.Errorf("member name %q is longer than %d bytes", n, maxNameLen)
	}
	if err := validElement(n, false, false); err != nil {
		return fmt.Errorf("member name %q: %w", n, err)
	}
	return nil
}

// validBusName checks that n is a well-formed unique (":1.42") or
// well-known ("org.freedesktop.DBus") bus name.
func validBusName(n string) error {
	if n == "" {
		return errors.New("empty bus name")
	}
	if len(n) > maxNameLen {
		return fmt.Errorf("bus name %q is longer than %d bytes", n, maxNameLen)
	}
	unique := strings.HasPrefix(n, ":")
	elems := strings.Split(strings.TrimPrefix(n, ":"), ".")
	if len(elems) < 2 {
		return fmt.Errorf("bus name %q must have at least two elements", n)
	}
	for _, elem := range elems {
		if err := validElement(elem, true, unique); err != nil {
			return fmt.Errorf("bus name %q: %w", n, err)
		}
	}
	return nil
}

func validElement(elem string, allowDash, allowLeadingDigit bool) error {
	if elem == "" {
		return errors.New("empty element")
	}
	if !allowLeadingDigit && elem[0] >= '0' && elem[0] <= '9' {
		return fmt.Errorf("element %q starts with a digit", elem)
	}
	for i := range len(elem) {
		if !isNameChar(elem[i], allowDash) {
			return fmt.Errorf("element %q contains invalid character %q", elem, elem[i])
		}
	}
	return nil
}
