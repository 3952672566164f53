package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danderson/vbus"
	"gopkg.in/yaml.v3"
)

// arg is a method or signal argument given on the command line.
type arg struct {
	v vbus.Value
	// sig is the explicit wire type, or empty to use the type
	// vbus.SignatureOf reports.
	sig string
}

func (a arg) appendTo(m *vbus.Message) {
	if a.sig == "" {
		m.Append(a.v)
	} else {
		m.AppendAs(a.sig, a.v)
	}
}

// parseArg parses a command line argument, which is one of:
//
//	KIND:VALUE, where KIND is bool, byte, int32, uint32, int64,
//	  uint64, double or string
//	@SIG:YAML, a YAML (or JSON) literal sent as the wire type SIG
//	YAML:YAML, a YAML literal sent as its natural type
//	anything else, sent as a string
func parseArg(s string) (arg, error) {
	if sig, lit, ok := strings.Cut(s, ":"); ok && strings.HasPrefix(sig, "@") {
		v, err := parseLiteral(lit)
		if err != nil {
			return arg{}, err
		}
		return arg{v: v, sig: sig[1:]}, nil
	}

	kind, lit, ok := strings.Cut(s, ":")
	if !ok {
		return arg{v: vbus.String(s)}, nil
	}
	var (
		v   vbus.Value
		err error
	)
	switch kind {
	case "bool":
		var b bool
		b, err = strconv.ParseBool(lit)
		v = vbus.Bool(b)
	case "byte":
		var u uint64
		u, err = strconv.ParseUint(lit, 0, 8)
		v = vbus.Byte(uint8(u))
	case "int32":
		var i int64
		i, err = strconv.ParseInt(lit, 0, 32)
		v = vbus.Int32(int32(i))
	case "uint32":
		var u uint64
		u, err = strconv.ParseUint(lit, 0, 32)
		v = vbus.Uint32(uint32(u))
	case "int64":
		var i int64
		i, err = strconv.ParseInt(lit, 0, 64)
		v = vbus.Int64(i)
	case "uint64":
		var u uint64
		u, err = strconv.ParseUint(lit, 0, 64)
		v = vbus.Uint64(u)
	case "double":
		var f float64
		f, err = strconv.ParseFloat(lit, 64)
		v = vbus.Double(f)
	case "string":
		v = vbus.String(lit)
	case "yaml":
		v, err = parseLiteral(lit)
	default:
		v = vbus.String(s)
	}
	if err != nil {
		return arg{}, fmt.Errorf("parsing %s argument %q: %w", kind, lit, err)
	}
	return arg{v: v}, nil
}

func parseArgs(ss []string) ([]arg, error) {
	ret := make([]arg, 0, len(ss))
	for _, s := range ss {
		a, err := parseArg(s)
		if err != nil {
			return nil, err
		}
		ret = append(ret, a)
	}
	return ret, nil
}

// parseLiteral parses a YAML literal into a Value. Integers become
// Int64, and mapping keys must be scalars.
func parseLiteral(s string) (vbus.Value, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil {
		return vbus.Value{}, fmt.Errorf("parsing literal %q: %w", s, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return vbus.String(s), nil
	}
	return nodeValue(doc.Content[0])
}

func nodeValue(n *yaml.Node) (vbus.Value, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.SequenceNode:
		elems := make([]vbus.Value, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return vbus.Value{}, err
			}
			elems = append(elems, v)
		}
		return vbus.Array(elems...), nil
	case yaml.MappingNode:
		members := make(map[string]vbus.Value, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return vbus.Value{}, fmt.Errorf("line %d: mapping keys must be scalars", k.Line)
			}
			mv, err := nodeValue(v)
			if err != nil {
				return vbus.Value{}, err
			}
			members[k.Value] = mv
		}
		return vbus.ObjectOf(members), nil
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!null":
			return vbus.Null(), nil
		case "!!bool":
			var b bool
			if err := n.Decode(&b); err != nil {
				return vbus.Value{}, err
			}
			return vbus.Bool(b), nil
		case "!!int":
			var i int64
			if err := n.Decode(&i); err != nil {
				var u uint64
				if n.Decode(&u) != nil {
					return vbus.Value{}, err
				}
				return vbus.Uint64(u), nil
			}
			return vbus.Int64(i), nil
		case "!!float":
			var f float64
			if err := n.Decode(&f); err != nil {
				return vbus.Value{}, err
			}
			return vbus.Double(f), nil
		default:
			return vbus.String(n.Value), nil
		}
	}
	return vbus.Value{}, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}
