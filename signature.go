package vbus

import (
	"errors"
	"fmt"
)

// A Signature describes the type of a DBus value, or the types of a
// sequence of values such as a message body.
//
// The zero Signature is the empty signature, which describes no
// values at all.
type Signature struct {
	n *sigNode
}

type sigNode struct {
	// code is the DBus type code, or 0 if the node is a sequence of
	// several complete types.
	code byte
	str  string
	// elem is the element type of an array, or the value type of a
	// dict entry.
	elem *sigNode
	// key is the key type of a dict entry.
	key *sigNode
	// fields are the fields of a struct, or the complete types of a
	// sequence.
	fields []*sigNode
}

var sigCache cache[string, Signature]

// ParseSignature parses a DBus type signature string.
//
// Signatures longer than 255 bytes, or with more than 32 levels of
// nested arrays or structs, are rejected.
func ParseSignature(sig string) (Signature, error) {
	if ent, ok := sigCache.Get(sig); ok {
		return ent.val, ent.err
	}
	ret, err := parseSignature(sig)
	if err != nil {
		err = fmt.Errorf("invalid type signature %q: %w", sig, err)
	}
	sigCache.Set(sig, ret, err)
	return ret, err
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

func parseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return Signature{}, fmt.Errorf("signature is %d bytes, max is %d", len(sig), maxSignatureLen)
	}
	p := sigParser{s: sig}
	var parts []*sigNode
	for p.pos < len(p.s) {
		n, err := p.parseOne(false)
		if err != nil {
			return Signature{}, err
		}
		parts = append(parts, n)
	}
	switch len(parts) {
	case 0:
		return Signature{}, nil
	case 1:
		return Signature{parts[0]}, nil
	default:
		return Signature{&sigNode{str: sig, fields: parts}}, nil
	}
}

type sigParser struct {
	s       string
	pos     int
	arrays  int
	structs int
}

// parseOne consumes one complete type from the front of the
// remaining signature.
func (p *sigParser) parseOne(arrayElem bool) (*sigNode, error) {
	if p.pos >= len(p.s) {
		return nil, errors.New("unexpected end of signature")
	}
	start := p.pos
	c := p.s[p.pos]
	p.pos++

	if basicCodes.Has(c) || c == 'v' {
		return &sigNode{code: c, str: p.s[start:p.pos]}, nil
	}

	switch c {
	case 'a':
		p.arrays++
		if p.arrays > maxArrayNesting {
			return nil, fmt.Errorf("more than %d nested arrays", maxArrayNesting)
		}
		elem, err := p.parseOne(true)
		if err != nil {
			return nil, err
		}
		p.arrays--
		return &sigNode{code: 'a', str: p.s[start:p.pos], elem: elem}, nil
	case '(':
		p.structs++
		if p.structs > maxStructNesting {
			return nil, fmt.Errorf("more than %d nested structs", maxStructNesting)
		}
		var fields []*sigNode
		for {
			if p.pos >= len(p.s) {
				return nil, errors.New("missing closing ) in struct definition")
			}
			if p.s[p.pos] == ')' {
				p.pos++
				break
			}
			f, err := p.parseOne(false)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return nil, errors.New("empty struct")
		}
		p.structs--
		return &sigNode{code: '(', str: p.s[start:p.pos], fields: fields}, nil
	case '{':
		if !arrayElem {
			return nil, errors.New("dict entry type found outside array")
		}
		p.structs++
		if p.structs > maxStructNesting {
			return nil, fmt.Errorf("more than %d nested structs", maxStructNesting)
		}
		key, err := p.parseOne(false)
		if err != nil {
			return nil, err
		}
		if !basicCodes.Has(key.code) {
			return nil, fmt.Errorf("invalid dict entry key type %q, must be a basic type", key.str)
		}
		val, err := p.parseOne(false)
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.s) || p.s[p.pos] != '}' {
			return nil, errors.New("missing closing } in dict entry definition")
		}
		p.pos++
		p.structs--
		return &sigNode{code: '{', str: p.s[start:p.pos], key: key, elem: val}, nil
	default:
		return nil, fmt.Errorf("unknown type specifier %q", c)
	}
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	if s.n == nil {
		return ""
	}
	return s.n.str
}

// IsZero reports whether the signature is empty.
func (s Signature) IsZero() bool { return s.n == nil }

// Code returns the DBus type code of a single complete type, such as
// 'i', 'a' or '('. It returns 0 for the empty signature and for
// sequences of several types.
func (s Signature) Code() byte {
	if s.n == nil {
		return 0
	}
	return s.n.code
}

// Elem returns the element type of an array, or the value type of a
// dict entry.
func (s Signature) Elem() Signature {
	if s.n == nil || s.n.elem == nil {
		return Signature{}
	}
	return Signature{s.n.elem}
}

// Key returns the key type of a dict entry.
func (s Signature) Key() Signature {
	if s.n == nil || s.n.key == nil {
		return Signature{}
	}
	return Signature{s.n.key}
}

// Fields returns the field types of a struct.
func (s Signature) Fields() []Signature {
	if s.n == nil || s.n.code != '(' {
		return nil
	}
	return wrapNodes(s.n.fields)
}

// Parts returns the sequence of complete types described by the
// signature.
func (s Signature) Parts() []Signature {
	switch {
	case s.n == nil:
		return nil
	case s.n.code == 0:
		return wrapNodes(s.n.fields)
	default:
		return []Signature{s}
	}
}

// IsDict reports whether the signature is an array of dict entries.
func (s Signature) IsDict() bool {
	return s.Code() == 'a' && s.Elem().Code() == '{'
}

func (s Signature) align() int {
	return codeAlign[s.Code()]
}

func wrapNodes(ns []*sigNode) []Signature {
	ret := make([]Signature, len(ns))
	for i, n := range ns {
		ret[i] = Signature{n}
	}
	return ret
}

// SignatureOf returns the Signature that v encodes to when no other
// signature is requested.
//
// Scalars map to the basic type of the same width. Arrays whose
// elements all share a signature T are "aT", other Arrays (including
// the empty Array) are "av". Objects are "a{sv}". Null has no DBus
// representation.
func SignatureOf(v Value) (Signature, error) {
	s, err := signatureStr(v)
	if err != nil {
		return Signature{}, err
	}
	return ParseSignature(s)
}

func signatureStr(v Value) (string, error) {
	if c, ok := kindToCode[v.kind]; ok {
		return string(c), nil
	}
	switch v.kind {
	case KindArray:
		if len(v.arr) == 0 {
			return "av", nil
		}
		first, err := signatureStr(v.arr[0])
		if err != nil {
			return "", err
		}
		for _, e := range v.arr[1:] {
			s, err := signatureStr(e)
			if err != nil {
				return "", err
			}
			if s != first {
				return "av", nil
			}
		}
		return "a" + first, nil
	case KindObject:
		return "a{sv}", nil
	case KindNull:
		return "", typeErr("", "null has no DBus representation")
	}
	return "", typeErr("", "unknown value kind %s", v.kind)
}
