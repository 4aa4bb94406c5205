// Package admin serves the operator control socket of mixrelayd.
package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/mixrelay/internal/executor"
)

// Commands understood by the socket. One per connection, newline-terminated.
const (
	CmdList    = "LIST"
	CmdRestart = "RESTART"
	CmdExit    = "EXIT"
)

const (
	readTimeout  = 5 * time.Second
	maxLineBytes = 1024
)

// Replies.
const (
	ListHeader      = "Job statuses:\n"
	ShutdownReply   = "Server shutting down...\n"
	UnknownReply    = "Unknown command.\n"
	restartReplyFmt = "Restarting job processing... %d failed job(s) requeued.\n"
)

var statusLabel = map[executor.Status]string{
	executor.StatusUnsubmitted: "Unsubmitted",
	executor.StatusQueued:      "In Processing Queue",
	executor.StatusRunning:     "Processing",
	executor.StatusDone:        "DONE",
	executor.StatusFailed:      "FAILED",
	executor.StatusConsumed:    "Delivered",
}

// StatusLabel returns the operator-facing label for a job status.
func StatusLabel(s executor.Status) string {
	if label, ok := statusLabel[s]; ok {
		return label
	}
	return "Unknown"
}

// Spool is the part of the job spool the socket needs.
type Spool interface {
	List() ([]executor.Job, error)
	Requeue() (int, error)
}

// Server answers admin commands. Shutdown is called once for EXIT.
type Server struct {
	spool    Spool
	shutdown func()
	logger   *slog.Logger

	once sync.Once
	wg   sync.WaitGroup
}

// NewServer returns a server over spool. shutdown may be nil.
func NewServer(spool Spool, shutdown func(), logger *slog.Logger) *Server {
	if shutdown == nil {
		shutdown = func() {}
	}
	return &Server{spool: spool, shutdown: shutdown, logger: logger}
}

// Listen creates the socket at path, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	_ = os.Remove(path) // stale socket from last run
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is done or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.wg.Wait()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("admin accept failed: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	line, err := bufio.NewReader(io.LimitReader(conn, maxLineBytes)).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		s.logger.Warn("admin read failed", "error", err)
		return
	}
	cmd := strings.ToUpper(strings.TrimSpace(line))
	s.logger.Info("admin command received", "command", cmd)

	reply, exit := s.Execute(cmd)
	if _, err := io.WriteString(conn, reply); err != nil {
		s.logger.Warn("admin reply failed", "error", err)
	}
	if exit {
		s.once.Do(s.shutdown)
	}
}

// Execute runs one command and returns the reply. exit reports whether the
// server should shut down after replying.
func (s *Server) Execute(cmd string) (reply string, exit bool) {
	switch cmd {
	case CmdList:
		jobs, err := s.spool.List()
		if err != nil {
			s.logger.Error("failed to list jobs", "error", err)
			return fmt.Sprintf("Failed to list jobs: %v\n", err), false
		}
		return FormatList(jobs), false
	case CmdRestart:
		n, err := s.spool.Requeue()
		if err != nil {
			s.logger.Error("failed to requeue jobs", "error", err)
			return fmt.Sprintf("Failed to restart jobs: %v\n", err), false
		}
		return fmt.Sprintf(restartReplyFmt, n), false
	case CmdExit:
		return ShutdownReply, true
	default:
		return UnknownReply, false
	}
}

// FormatList renders the LIST reply.
func FormatList(jobs []executor.Job) string {
	var b strings.Builder
	b.WriteString(ListHeader)
	for _, job := range jobs {
		fmt.Fprintf(&b, "job ID:%s status: %s.\n", job.ID, StatusLabel(job.Status))
	}
	return b.String()
}

// Send delivers cmd to the socket at path and returns the full reply.
func Send(ctx context.Context, path, cmd string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, strings.TrimSpace(cmd)+"\n"); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return string(reply), fmt.Errorf("failed to read reply: %w", err)
	}
	return string(reply), nil
}
