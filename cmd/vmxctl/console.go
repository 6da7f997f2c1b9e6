package main

import (
	"bytes"
	"io"

	"github.com/charmbracelet/x/ansi"
)

// consoleWriter forwards guest console output a line at a time. When strip
// is set, ANSI escape sequences are removed so logs stay readable.
type consoleWriter struct {
	w     io.Writer
	strip bool
	buf   bytes.Buffer
}

func newConsoleWriter(w io.Writer, strip bool) *consoleWriter {
	return &consoleWriter{w: w, strip: strip}
}

func (c *consoleWriter) Write(p []byte) (int, error) {
	c.buf.Write(p)
	for {
		i := bytes.IndexByte(c.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		if err := c.emit(c.buf.Next(i + 1)); err != nil {
			return len(p), err
		}
	}
}

func (c *consoleWriter) emit(line []byte) error {
	if c.strip {
		line = []byte(ansi.Strip(string(line)))
	}
	_, err := c.w.Write(line)
	return err
}

// Flush writes any partial last line.
func (c *consoleWriter) Flush() error {
	if c.buf.Len() == 0 {
		return nil
	}
	err := c.emit(c.buf.Bytes())
	c.buf.Reset()
	return err
}
