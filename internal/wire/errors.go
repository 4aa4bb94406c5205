package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrFileNotFound indicates the local file could not be opened. No bytes
	// were written to the stream.
	ErrFileNotFound = errors.New("file not found")
	// ErrEmptyFile indicates a zero-byte file. Length 0 is the sentinel, so
	// empty files cannot be framed.
	ErrEmptyFile = errors.New("empty file cannot be transferred")
	// ErrFrameTooLarge indicates a length header above the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrShortFrame indicates the stream ended before a frame was complete.
	ErrShortFrame = errors.New("stream closed inside frame")
	// ErrConnClosed indicates the peer closed the stream between frames.
	ErrConnClosed = errors.New("connection closed")
	// ErrPeerUnresponsive indicates an I/O deadline expired.
	ErrPeerUnresponsive = errors.New("peer unresponsive")
	// ErrUnexpectedSentinel indicates a zero length header where a file was expected.
	ErrUnexpectedSentinel = errors.New("unexpected zero-length header")
)

// TransferError names the file and phase of a failed transfer.
type TransferError struct {
	Sending bool
	Path    string
	Op      string
	Err     error
}

func (e *TransferError) Error() string {
	verb := "receiving"
	if e.Sending {
		verb = "sending"
	}
	if e.Path == "" {
		return fmt.Sprintf("error %s frame: %s: %v", verb, e.Op, e.Err)
	}
	return fmt.Sprintf("error %s file %s: %s: %v", verb, e.Path, e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// classify maps raw stream errors onto the protocol error set.
// inFrame reports whether some bytes of the current unit were already consumed.
func classify(ctx context.Context, err error, inFrame bool) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrPeerUnresponsive, err)
	}
	closed := errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
	if errors.Is(err, io.ErrUnexpectedEOF) || (inFrame && closed) {
		return fmt.Errorf("%w: %w", ErrShortFrame, err)
	}
	if closed {
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	return err
}
