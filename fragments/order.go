package fragments

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/cpu"
)

// ByteOrder is a binary.ByteOrder that also knows its DBus byte order
// flag.
type ByteOrder interface {
	byteOrder
	dbusFlag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
}

func (w wrapStd) dbusFlag() byte {
	switch w.byteOrder {
	case binary.BigEndian:
		return 'B'
	case binary.LittleEndian:
		return 'l'
	case binary.NativeEndian:
		if cpu.IsBigEndian {
			return 'B'
		}
		return 'l'
	default:
		panic("unknown ByteOrder, how did you manage to make one of those?")
	}
}

var (
	BigEndian    = wrapStd{binary.BigEndian}
	LittleEndian = wrapStd{binary.LittleEndian}
	NativeEndian = wrapStd{binary.NativeEndian}
)

// OrderForFlag returns the ByteOrder described by a DBus byte order
// flag byte.
func OrderForFlag(flag byte) (ByteOrder, error) {
	switch flag {
	case 'B':
		return BigEndian, nil
	case 'l':
		return LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order flag %q", flag)
	}
}

// Flag returns the DBus byte order flag for ord.
func Flag(ord ByteOrder) byte {
	return ord.dbusFlag()
}
