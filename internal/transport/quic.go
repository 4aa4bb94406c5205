package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol identifies the job protocol during the QUIC handshake.
const ALPNProtocol = "mixrelay-v1"

// lingerTimeout bounds how long Close waits for the peer's FIN so the last
// ack is not cut off by the connection close.
const lingerTimeout = 2 * time.Second

// ServerTLSConfig returns a TLS configuration with a fresh self-signed certificate.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns a TLS configuration that accepts the server's
// self-signed certificate.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultQUICConfig keeps the connection alive across the client's poll
// sleeps. One stream per connection is all the protocol uses.
func DefaultQUICConfig() *quic.Config {
	cfg, _ := tunedQUICConfig(&quic.Config{
		KeepAlivePeriod:       10 * time.Second,
		MaxIdleTimeout:        60 * time.Second,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}, defaultQUICWindow)
	return cfg
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"mixrelay"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

func dialQUIC(ctx context.Context, addr string, logger *slog.Logger) (Stream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, ClientTLSConfig(), DefaultQUICConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	logger.Debug("quic connected", "remote_addr", conn.RemoteAddr(), "stream_id", stream.StreamID())
	return &quicStream{conn: conn, stream: stream}, nil
}

type quicListener struct {
	udp    *net.UDPConn
	tr     *quic.Transport
	ln     *quic.Listener
	queue  *acceptQueue
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func listenQUIC(ctx context.Context, addr string, logger *slog.Logger) (Listener, error) {
	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	tune := tuneUDPBuffers(udpConn, defaultUDPBuffer)
	if tune.Err != nil {
		logger.Warn("udp buffer tuning failed", "result", tune.String())
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(tlsConfig, DefaultQUICConfig())
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logger.Info("QUIC listener created", "local_addr", ln.Addr(), "udp_buffers", tune.String())

	lctx, cancel := context.WithCancel(ctx)
	l := &quicListener{
		udp:    udpConn,
		tr:     tr,
		ln:     ln,
		queue:  newAcceptQueue(),
		ctx:    lctx,
		cancel: cancel,
		logger: logger,
	}
	go l.acceptLoop()
	return l, nil
}

// acceptLoop accepts connections and, per connection, the client's single
// stream. A connection that never opens a stream cannot stall other clients.
func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.queue.stop(fmt.Errorf("failed to accept QUIC connection: %w", err))
			return
		}
		go func() {
			stream, err := conn.AcceptStream(l.ctx)
			if err != nil {
				l.logger.Debug("QUIC connection closed before opening a stream", "remote_addr", conn.RemoteAddr(), "error", err)
				_ = conn.CloseWithError(0, "")
				return
			}
			l.logger.Debug("QUIC stream accepted", "remote_addr", conn.RemoteAddr(), "stream_id", stream.StreamID())
			l.queue.push(&quicStream{conn: conn, stream: stream})
		}()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	return l.queue.accept(ctx)
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	l.cancel()
	l.queue.stop(net.ErrClosed)
	err := l.ln.Close()
	_ = l.tr.Close()
	if cerr := l.udp.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

// quicStream owns both the stream and its connection.
type quicStream struct {
	conn      quic.Connection
	stream    quic.Stream
	closeOnce sync.Once
	closeErr  error
}

func (s *quicStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

func (s *quicStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *quicStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}

// Close sends FIN, drains until the peer's FIN or lingerTimeout, then closes
// the connection.
func (s *quicStream) Close() error {
	s.closeOnce.Do(func() {
		err := s.stream.Close()
		_ = s.stream.SetReadDeadline(time.Now().Add(lingerTimeout))
		_, _ = io.Copy(io.Discard, s.stream)
		if cerr := s.conn.CloseWithError(0, ""); err == nil {
			err = cerr
		}
		s.closeErr = err
	})
	return s.closeErr
}
