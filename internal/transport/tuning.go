package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

const (
	// Result files are produced in one piece, so a single stream gets the
	// whole connection window.
	defaultQUICWindow = 16 * 1024 * 1024
	minQUICWindow     = 1 * 1024 * 1024
	maxQUICWindow     = 256 * 1024 * 1024

	defaultUDPBuffer = 8 * 1024 * 1024
	minUDPBuffer     = 256 * 1024
	maxUDPBuffer     = 64 * 1024 * 1024
)

// Tune outcomes.
const (
	TuneOK     = "ok"
	TuneNA     = "n/a"
	TuneDenied = "denied"
)

// TuneResult reports what a best-effort socket or window adjustment did.
type TuneResult struct {
	Requested int
	Status    string
	Err       error
}

func (r TuneResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s (%s): %v", formatMiB(r.Requested), r.Status, r.Err)
	}
	return fmt.Sprintf("%s (%s)", formatMiB(r.Requested), r.Status)
}

// tunedQUICConfig copies base and sets its receive windows to window,
// clamped to sane bounds. base is not modified.
func tunedQUICConfig(base *quic.Config, window int) (*quic.Config, TuneResult) {
	cfg := &quic.Config{}
	if base != nil {
		copied := *base
		cfg = &copied
	}
	w := clamp(window, minQUICWindow, maxQUICWindow)
	cfg.InitialStreamReceiveWindow = uint64(w)
	cfg.MaxStreamReceiveWindow = uint64(w)
	cfg.InitialConnectionReceiveWindow = uint64(w)
	cfg.MaxConnectionReceiveWindow = uint64(w)
	return cfg, TuneResult{Requested: w, Status: TuneOK}
}

// tuneUDPBuffers enlarges the socket buffers of conn. Failure is reported,
// never fatal.
func tuneUDPBuffers(conn *net.UDPConn, size int) TuneResult {
	req := clamp(size, minUDPBuffer, maxUDPBuffer)
	result := TuneResult{Requested: req, Status: TuneOK}
	if conn == nil {
		result.Status = TuneNA
		result.Err = errors.New("no access to underlying UDPConn")
		return result
	}
	rerr := conn.SetReadBuffer(req)
	werr := conn.SetWriteBuffer(req)
	if err := errors.Join(rerr, werr); err != nil {
		result.Status = TuneDenied
		result.Err = err
	}
	return result
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func formatMiB(n int) string {
	if n <= 0 {
		return "0B"
	}
	const mib = 1024 * 1024
	if n%mib == 0 {
		return fmt.Sprintf("%dMiB", n/mib)
	}
	return fmt.Sprintf("%dB", n)
}
