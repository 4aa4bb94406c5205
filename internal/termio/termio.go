// Package termio serializes console output so progress lines, prompts and
// logs never interleave mid-line.
package termio

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

type writer struct {
	file *os.File
	ch   chan []byte
	wg   sync.WaitGroup
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan []byte, 1024),
	}
	go func() {
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
			w.wg.Done()
		}
	}()
	return w
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.wg.Add(1)
	w.ch <- buf
	return len(p), nil
}

// flush blocks until everything queued so far is written.
func (w *writer) flush() {
	w.wg.Wait()
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func initWriters() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

// Stdout returns the serialized standard output.
func Stdout() io.Writer {
	initWriters()
	return global.stdout
}

// Stderr returns the serialized standard error.
func Stderr() io.Writer {
	initWriters()
	return global.stderr
}

// Flush waits until queued output reached both files. Call it before exit.
func Flush() {
	initWriters()
	global.stdout.flush()
	global.stderr.flush()
}

// IsTerminal reports whether w is a terminal. Serialized writers report on
// the file behind them.
func IsTerminal(w io.Writer) bool {
	var f *os.File
	switch v := w.(type) {
	case *writer:
		f = v.file
	case *os.File:
		f = v
	default:
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
