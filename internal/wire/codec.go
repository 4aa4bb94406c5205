package wire

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/sheerbytes/mixrelay/internal/bufpool"
)

const (
	// HeaderSize is the length of a frame header on the wire.
	HeaderSize = 4

	DefaultChunkSize     = 1024
	DefaultAckBufferSize = 1024
	DefaultMaxFrameSize  = 100 * 1024 * 1024 // 100 MiB
	DefaultTimeout       = 30 * time.Second
)

// Stream is the byte stream a Codec runs over.
type Stream interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Options tune a Codec. None of them change the bytes on the wire.
type Options struct {
	ChunkSize     int           // payload bytes per write/read call
	AckBufferSize int           // max bytes consumed by one ack or text read
	MaxFrameSize  uint32        // receivers reject larger headers
	Timeout       time.Duration // per read/write deadline; 0 blocks forever
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ChunkSize:     DefaultChunkSize,
		AckBufferSize: DefaultAckBufferSize,
		MaxFrameSize:  DefaultMaxFrameSize,
		Timeout:       DefaultTimeout,
	}
}

// Normalize fills zero sizes with defaults. Timeout is kept as given.
func (o Options) Normalize() Options {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.AckBufferSize <= 0 {
		out.AckBufferSize = DefaultAckBufferSize
	}
	if out.MaxFrameSize == 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	if out.Timeout < 0 {
		out.Timeout = 0
	}
	return out
}

// Codec frames files on a Stream. A Codec is not safe for concurrent use;
// the protocol has exactly one caller per stream.
type Codec struct {
	s    Stream
	opts Options
	pool *bufpool.Pool
}

// NewCodec wraps s.
func NewCodec(s Stream, opts Options) *Codec {
	opts = opts.Normalize()
	return &Codec{
		s:    s,
		opts: opts,
		pool: bufpool.For(opts.ChunkSize),
	}
}

// Options returns the effective options.
func (c *Codec) Options() Options {
	return c.opts
}

// arm sets the deadline for the next read or write and makes ctx
// cancellation expire it immediately. The returned func must be called
// once the operation finishes.
func (c *Codec) arm(ctx context.Context, read bool) (func() bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set := c.s.SetWriteDeadline
	if read {
		set = c.s.SetReadDeadline
	}
	var deadline time.Time
	if c.opts.Timeout > 0 {
		deadline = time.Now().Add(c.opts.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := set(deadline); err != nil {
		return nil, classify(ctx, err, false)
	}
	return context.AfterFunc(ctx, func() {
		_ = set(time.Now())
	}), nil
}

// writeFull writes all of p, looping over short writes.
func (c *Codec) writeFull(ctx context.Context, p []byte, inFrame bool) error {
	stop, err := c.arm(ctx, false)
	if err != nil {
		return err
	}
	defer stop()

	for len(p) > 0 {
		n, err := c.s.Write(p)
		p = p[n:]
		if err != nil {
			return classify(ctx, err, inFrame)
		}
		if n == 0 {
			return classify(ctx, io.ErrShortWrite, inFrame)
		}
	}
	return nil
}

// ReadExact reads exactly n bytes.
func (c *Codec) ReadExact(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := c.readFull(ctx, buf, false); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Codec) readFull(ctx context.Context, p []byte, inFrame bool) error {
	stop, err := c.arm(ctx, true)
	if err != nil {
		return err
	}
	defer stop()

	if _, err := io.ReadFull(c.s, p); err != nil {
		return classify(ctx, err, inFrame)
	}
	return nil
}

// WriteHeader writes a 4-byte big-endian length.
func (c *Codec) WriteHeader(ctx context.Context, length uint32) error {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], length)
	return c.writeFull(ctx, hdr[:], false)
}

// WriteSentinel writes the zero-length header that ends a job.
func (c *Codec) WriteSentinel(ctx context.Context) error {
	return c.WriteHeader(ctx, 0)
}

// ReadHeader reads a 4-byte big-endian length. A length above MaxFrameSize
// is returned together with ErrFrameTooLarge so the caller can answer the
// peer before dropping the stream.
func (c *Codec) ReadHeader(ctx context.Context) (uint32, error) {
	var hdr [HeaderSize]byte
	if err := c.readFull(ctx, hdr[:], false); err != nil {
		return 0, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > c.opts.MaxFrameSize {
		return length, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, c.opts.MaxFrameSize)
	}
	return length, nil
}

// ReadAck blocks for one acknowledgment and returns its text. Only the
// arrival matters; the content is informational.
func (c *Codec) ReadAck(ctx context.Context) (string, error) {
	return c.ReadText(ctx)
}

// WriteAck sends an acknowledgment.
func (c *Codec) WriteAck(ctx context.Context, msg string) error {
	return c.WriteText(ctx, msg)
}

// ReadText performs a single read of at most AckBufferSize bytes.
func (c *Codec) ReadText(ctx context.Context) (string, error) {
	stop, err := c.arm(ctx, true)
	if err != nil {
		return "", err
	}
	defer stop()

	buf := make([]byte, c.opts.AckBufferSize)
	for {
		n, err := c.s.Read(buf)
		if n > 0 {
			return string(buf[:n]), nil
		}
		if err != nil {
			return "", classify(ctx, err, false)
		}
	}
}

// WriteText writes s verbatim.
func (c *Codec) WriteText(ctx context.Context, s string) error {
	return c.writeFull(ctx, []byte(s), false)
}

// WritePayload copies exactly length bytes from r to the stream in chunks.
func (c *Codec) WritePayload(ctx context.Context, r io.Reader, length int64, onBytes func(int)) error {
	buf := c.pool.Get()
	defer c.pool.Put(buf)

	remaining := length
	for remaining > 0 {
		chunk := int64(len(buf))
		if chunk > remaining {
			chunk = remaining
		}
		n, err := io.ReadFull(r, buf[:chunk])
		if err != nil {
			return fmt.Errorf("failed to read source: %w", err)
		}
		if err := c.writeFull(ctx, buf[:n], true); err != nil {
			return err
		}
		remaining -= int64(n)
		if onBytes != nil {
			onBytes(n)
		}
	}
	return nil
}

// ReadPayload copies exactly length bytes from the stream to w. A stream that
// ends early yields ErrShortFrame, never a truncated success.
func (c *Codec) ReadPayload(ctx context.Context, w io.Writer, length uint32, onBytes func(int)) error {
	buf := c.pool.Get()
	defer c.pool.Put(buf)

	remaining := int64(length)
	for remaining > 0 {
		chunk := int64(len(buf))
		if chunk > remaining {
			chunk = remaining
		}
		if err := c.readFull(ctx, buf[:chunk], true); err != nil {
			return err
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return fmt.Errorf("failed to write destination: %w", err)
		}
		remaining -= chunk
		if onBytes != nil {
			onBytes(int(chunk))
		}
	}
	return nil
}

// SendFile runs the sender side of one file transfer: header, ack, payload,
// ack. If the file cannot be opened the stream is not touched.
func (c *Codec) SendFile(ctx context.Context, path string, onBytes func(int)) (int64, error) {
	fail := func(op string, err error) (int64, error) {
		return 0, &TransferError{Sending: true, Path: path, Op: op, Err: err}
	}

	file, err := os.Open(path)
	if err != nil {
		return fail("open", fmt.Errorf("%w: %w", ErrFileNotFound, err))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fail("stat", fmt.Errorf("%w: %w", ErrFileNotFound, err))
	}
	if info.IsDir() {
		return fail("open", fmt.Errorf("%w: is a directory", ErrFileNotFound))
	}
	size := info.Size()
	if size == 0 {
		return fail("stat", ErrEmptyFile)
	}
	if size > math.MaxUint32 || size > int64(c.opts.MaxFrameSize) {
		return fail("stat", fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, c.opts.MaxFrameSize))
	}

	if err := c.WriteHeader(ctx, uint32(size)); err != nil {
		return fail("write header", err)
	}
	if _, err := c.ReadAck(ctx); err != nil {
		return fail("read size ack", err)
	}
	if err := c.WritePayload(ctx, file, size, onBytes); err != nil {
		return fail("write payload", err)
	}
	if _, err := c.ReadAck(ctx); err != nil {
		return fail("read file ack", err)
	}
	return size, nil
}

// ReceiveFrame runs the receiver side of one file transfer into dst,
// answering with preAck after the header and postAck after the payload.
func (c *Codec) ReceiveFrame(ctx context.Context, dst io.Writer, preAck, postAck string, onBytes func(int)) (uint32, error) {
	fail := func(op string, err error) (uint32, error) {
		return 0, &TransferError{Op: op, Err: err}
	}

	length, err := c.ReadHeader(ctx)
	if err != nil {
		return fail("read header", err)
	}
	if length == 0 {
		return fail("read header", ErrUnexpectedSentinel)
	}
	if err := c.WriteAck(ctx, preAck); err != nil {
		return fail("write size ack", err)
	}
	if err := c.ReadPayload(ctx, dst, length, onBytes); err != nil {
		return fail("read payload", err)
	}
	if err := c.WriteAck(ctx, postAck); err != nil {
		return fail("write file ack", err)
	}
	return length, nil
}
