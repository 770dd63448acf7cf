package xio

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{
		w: w,
	}
}

// LineWriter buffers writes and forwards complete lines only.
type LineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.buf.Write(p)
			total += len(p)
			return total, nil
		}

		w.buf.Write(p[:i+1])
		_, err := w.w.Write(w.buf.Bytes())
		if err != nil {
			return total, err
		}

		total += i + 1
		w.buf.Reset()
		p = p[i+1:]
	}
}

// Flush forwards a pending incomplete line.
func (w *LineWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}

	_, err := w.w.Write(w.buf.Bytes())
	if err != nil {
		return err
	}

	w.buf.Reset()
	return nil
}

// LineFunc adapts a line callback to an io.Writer. Combine it with a LineWriter so every
// call receives exactly one line without its line ending.
type LineFunc func(line string)

func (f LineFunc) Write(p []byte) (int, error) {
	if f != nil {
		f(strings.TrimRight(string(p), "\r\n"))
	}

	return len(p), nil
}

// NewLineCallback returns a line buffered writer invoking fn for every line.
func NewLineCallback(fn func(line string)) *LineWriter {
	return NewLineWriter(LineFunc(fn))
}
