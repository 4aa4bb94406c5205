package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
)

func dialTCP(ctx context.Context, addr string, logger *slog.Logger) (Stream, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	logger.Debug("tcp connected", "remote_addr", conn.RemoteAddr())
	return conn, nil
}

type tcpListener struct {
	ln     net.Listener
	logger *slog.Logger
}

func listenTCP(ctx context.Context, addr string, logger *slog.Logger) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logger.Info("tcp listener created", "local_addr", ln.Addr())
	return &tcpListener{ln: ln, logger: logger}, nil
}

// Accept waits for the next connection. Cancelling ctx closes the listener.
func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	type res struct {
		conn net.Conn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- res{conn: c, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = l.ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		l.logger.Debug("tcp connection accepted", "remote_addr", r.conn.RemoteAddr())
		return r.conn, nil
	}
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
