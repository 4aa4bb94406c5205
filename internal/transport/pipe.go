package transport

import "net"

// NewPipe returns two connected in-memory streams. Writes block until the
// other end reads, which keeps protocol tests strictly turn-based.
func NewPipe() (Stream, Stream) {
	a, b := net.Pipe()
	return a, b
}
