package main

import (
	"bytes"
	"testing"
)

func TestConsoleWriterStripsEscapes(t *testing.T) {
	var out bytes.Buffer
	c := newConsoleWriter(&out, true)
	// Guests write one byte per OUT, so sequences arrive split.
	for _, b := range []byte("\x1b[31mred\x1b[0m\npartial") {
		if _, err := c.Write([]byte{b}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := out.String(); got != "red\n" {
		t.Fatalf("before flush = %q", got)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := out.String(); got != "red\npartial" {
		t.Fatalf("after flush = %q", got)
	}
}

func TestConsoleWriterPassthrough(t *testing.T) {
	var out bytes.Buffer
	c := newConsoleWriter(&out, false)
	if _, err := c.Write([]byte("\x1b[1mbold\x1b[0m\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := out.String(); got != "\x1b[1mbold\x1b[0m\n" {
		t.Fatalf("output = %q", got)
	}
}
