package main

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIndenter(t *testing.T) {
	var buf bytes.Buffer
	out := indenter{out: &buf}

	out.v("org.example.Iface")
	out.indent(1)
	out.f("%s: %d", "Answer", 42)
	out.f("Name: multi\nline")
	out.indent(2)
	// Partial lines are not indented twice.
	out.Write([]byte("deep "))
	out.Write([]byte("value\n"))
	out.indent(0)
	out.v("done")

	want := `org.example.Iface
  Answer: 42
  Name: multi
  line
    deep value
done
`
	if diff := cmp.Diff(buf.String(), want); diff != "" {
		t.Errorf("indenter output wrong (-got+want):\n%s", diff)
	}
}
