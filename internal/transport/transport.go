package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Stream is one reliable, ordered, bidirectional byte stream. A job
// submission owns exactly one Stream from dial to close.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener yields one Stream per connecting client.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// Kind selects the carrier for the byte stream.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "ws"
)

const dialTimeout = 5 * time.Second

// ParseKind validates a transport name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindTCP:
		return KindTCP, nil
	case KindQUIC:
		return KindQUIC, nil
	case KindWebSocket, "websocket":
		return KindWebSocket, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want tcp, quic or ws)", s)
	}
}

// Dial opens a stream to addr.
func Dial(ctx context.Context, kind Kind, addr string, logger *slog.Logger) (Stream, error) {
	switch kind {
	case KindTCP, "":
		return dialTCP(ctx, addr, logger)
	case KindQUIC:
		return dialQUIC(ctx, addr, logger)
	case KindWebSocket:
		return dialWS(ctx, addr, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Listen starts accepting streams on addr.
func Listen(ctx context.Context, kind Kind, addr string, logger *slog.Logger) (Listener, error) {
	switch kind {
	case KindTCP, "":
		return listenTCP(ctx, addr, logger)
	case KindQUIC:
		return listenQUIC(ctx, addr, logger)
	case KindWebSocket:
		return listenWS(ctx, addr, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// acceptQueue hands streams produced by a background accept loop to Accept
// callers, and reports the loop's terminal error once it stops.
type acceptQueue struct {
	streams chan Stream
	done    chan struct{}
	err     error
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{
		streams: make(chan Stream),
		done:    make(chan struct{}),
	}
}

// push delivers s unless the queue has stopped, in which case s is closed.
func (q *acceptQueue) push(s Stream) {
	select {
	case q.streams <- s:
	case <-q.done:
		_ = s.Close()
	}
}

// stop records err and wakes all Accept callers. Only the first call counts.
func (q *acceptQueue) stop(err error) {
	select {
	case <-q.done:
		return
	default:
	}
	if err == nil {
		err = net.ErrClosed
	}
	q.err = err
	close(q.done)
}

func (q *acceptQueue) accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-q.streams:
		return s, nil
	case <-q.done:
		return nil, q.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
