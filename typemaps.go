package vbus

import (
	"github.com/creachadair/mds/mapset"
)

const (
	// maxDepth is the maximum nesting of variants in a decoded
	// message, and of Values converted with ValueOf.
	maxDepth = 64
	// maxArrayNesting and maxStructNesting are the per-kind
	// container nesting limits for a type signature.
	maxArrayNesting  = 32
	maxStructNesting = 32
	// maxSignatureLen is the maximum length of a type signature.
	maxSignatureLen = 255
)

var (
	// basicCodes is the set of type codes for DBus basic types,
	// which are the types permitted as dict entry keys.
	basicCodes = mapset.New[byte]('b', 'y', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h')

	// codeAlign maps DBus type codes to their wire alignment.
	codeAlign = map[byte]int{
		'y': 1,
		'g': 1,
		'v': 1,
		'n': 2,
		'q': 2,
		'b': 4,
		'i': 4,
		'u': 4,
		's': 4,
		'o': 4,
		'a': 4,
		'h': 4,
		'x': 8,
		't': 8,
		'd': 8,
		'(': 8,
		'{': 8,
	}

	// kindToCode is the DBus type code that scalar Values encode to
	// when no other signature is requested.
	kindToCode = map[Kind]byte{
		KindBool:   'b',
		KindByte:   'y',
		KindInt32:  'i',
		KindUint32: 'u',
		KindInt64:  'x',
		KindUint64: 't',
		KindDouble: 'd',
		KindString: 's',
	}

	// intRange is the inclusive range of values each DBus integer
	// type can carry.
	intRange = map[byte]struct {
		min  int64
		umax uint64
	}{
		'y': {0, 1<<8 - 1},
		'n': {-1 << 15, 1<<15 - 1},
		'q': {0, 1<<16 - 1},
		'i': {-1 << 31, 1<<31 - 1},
		'u': {0, 1<<32 - 1},
		'x': {-1 << 63, 1<<63 - 1},
		't': {0, 1<<64 - 1},
	}
)
