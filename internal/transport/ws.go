package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP path the server upgrades.
const WebSocketPath = "/job"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var dialer = websocket.Dialer{
	HandshakeTimeout: dialTimeout,
}

// wsURL turns host:port into a ws:// URL; full URLs pass through.
func wsURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + WebSocketPath
}

func dialWS(ctx context.Context, addr string, logger *slog.Logger) (Stream, error) {
	u := wsURL(addr)
	conn, resp, err := dialer.DialContext(ctx, u, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	logger.Debug("websocket connected", "url", u)
	return newWSStream(conn), nil
}

type wsListener struct {
	ln     net.Listener
	srv    *http.Server
	queue  *acceptQueue
	logger *slog.Logger
}

func listenWS(ctx context.Context, addr string, logger *slog.Logger) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &wsListener{
		ln:     ln,
		queue:  newAcceptQueue(),
		logger: logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, l.handle)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		l.queue.stop(l.srv.Serve(ln))
	}()

	logger.Info("websocket listener created", "local_addr", ln.Addr(), "path", WebSocketPath)
	return l, nil
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	l.logger.Debug("websocket connection accepted", "remote_addr", conn.RemoteAddr())
	l.queue.push(newWSStream(conn))
}

func (l *wsListener) Accept(ctx context.Context) (Stream, error) {
	return l.queue.accept(ctx)
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *wsListener) Close() error {
	l.queue.stop(net.ErrClosed)
	return l.srv.Close()
}

// wsStream presents a websocket as a byte stream: writes become binary
// messages, reads concatenate binary message payloads.
type wsStream struct {
	conn    *websocket.Conn
	readMu  sync.Mutex
	reader  io.Reader
	writeMu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.reader == nil {
			messageType, r, err := s.conn.NextReader()
			if err != nil {
				return 0, wsReadError(err)
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

// wsReadError reports an orderly or abrupt close between messages as EOF.
func wsReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	return s.conn.Close()
}
