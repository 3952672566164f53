package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// indenter writes lines to out with a configurable indent.
type indenter struct {
	// out is the destination. If nil, os.Stdout is used.
	out        io.Writer
	prefix     string
	indentNext bool
}

func (i *indenter) dest() io.Writer {
	if i.out == nil {
		return os.Stdout
	}
	return i.out
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	out := i.dest()
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			if _, err := io.WriteString(out, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		if idx := bytes.IndexByte(bs, '\n'); idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := out.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}
