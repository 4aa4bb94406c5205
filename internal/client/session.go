package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/mixrelay/internal/wire"
)

var (
	// ErrSessionFailed is returned by every method once a session has failed.
	ErrSessionFailed = errors.New("session failed")
	// ErrJobFailed indicates the server reported the job as failed.
	ErrJobFailed = errors.New("job failed on server")
	// ErrNoPairs indicates a submission without any pair.
	ErrNoPairs = errors.New("no pairs to submit")
)

// Pair is one audio file and the transcript that goes with it.
type Pair struct {
	Audio      string
	Transcript string
}

// Options configure a Session. They are copied at construction.
type Options struct {
	Wire         wire.Options
	PollInterval time.Duration
	CheckRequest string
	ReadyPhrase  string
	FailedPhrase string // empty: every non-ready answer is pending
	ResultPath   string
}

// DefaultOptions mirrors the historical client: 1024-byte chunks, a poll
// every 5 seconds, and the result saved as done.wav.
func DefaultOptions() Options {
	return Options{
		Wire:         wire.DefaultOptions(),
		PollInterval: 5 * time.Second,
		CheckRequest: wire.CheckDoneRequest,
		ReadyPhrase:  wire.ReadyPhrase,
		ResultPath:   "done.wav",
	}
}

// FileRole tells which side of a pair, or the result, a transfer carries.
type FileRole int

const (
	RoleAudio FileRole = iota
	RoleTranscript
	RoleResult
)

func (r FileRole) String() string {
	switch r {
	case RoleAudio:
		return "audio"
	case RoleTranscript:
		return "transcript"
	default:
		return "result"
	}
}

// Observer is told about session progress. Calls come from the session's
// goroutine and must not block for long.
type Observer interface {
	StateChanged(from, to State)
	FileStarted(pair int, role FileRole, path string)
	FileProgress(n int)
	FileFinished(pair int, role FileRole, size int64)
	Polled(attempt int, answer string, status wire.Status)
}

// NopObserver ignores everything. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State)         {}
func (NopObserver) FileStarted(int, FileRole, string) {}
func (NopObserver) FileProgress(int)                  {}
func (NopObserver) FileFinished(int, FileRole, int64) {}
func (NopObserver) Polled(int, string, wire.Status)   {}

// Session drives one job over one stream: send pairs, close the job, poll,
// fetch the result. A Session is single-use and not safe for concurrent use.
type Session struct {
	stream io.Closer
	codec  *wire.Codec
	opts   Options
	obs    Observer
	logger *slog.Logger

	state State
	cause error
	polls int
}

// Stream is the connection a Session runs over.
type Stream interface {
	wire.Stream
	io.Closer
}

// NewSession takes ownership of stream.
func NewSession(stream Stream, opts Options, obs Observer, logger *slog.Logger) *Session {
	if obs == nil {
		obs = NopObserver{}
	}
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.CheckRequest == "" {
		opts.CheckRequest = def.CheckRequest
	}
	if opts.ReadyPhrase == "" {
		opts.ReadyPhrase = def.ReadyPhrase
	}
	if opts.ResultPath == "" {
		opts.ResultPath = def.ResultPath
	}
	return &Session{
		stream: stream,
		codec:  wire.NewCodec(stream, opts.Wire),
		opts:   opts,
		obs:    obs,
		logger: logger,
		state:  StateIdle,
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	return s.state
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	return s.cause
}

// Polls returns how many status requests were sent.
func (s *Session) Polls() int {
	return s.polls
}

// Close closes the stream.
func (s *Session) Close() error {
	return s.stream.Close()
}

func (s *Session) transition(to State) error {
	if !isValidTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	from := s.state
	s.state = to
	s.logger.Debug("session state changed", "from", from, "to", to)
	s.obs.StateChanged(from, to)
	return nil
}

// expect checks the session is usable and in state want.
func (s *Session) expect(want State) error {
	if s.state == StateFailed {
		return fmt.Errorf("%w: %w", ErrSessionFailed, s.cause)
	}
	if s.state != want {
		return fmt.Errorf("%w: in %s, need %s", ErrInvalidTransition, s.state, want)
	}
	return nil
}

// fail records err and moves to FAILED. It returns err for convenience.
func (s *Session) fail(err error) error {
	if s.state.Terminal() {
		return err
	}
	s.cause = err
	_ = s.transition(StateFailed)
	return err
}

// SendPairs transfers every pair in order and closes the job with the
// zero-length sentinel. On return without error the session is POLLING.
func (s *Session) SendPairs(ctx context.Context, pairs []Pair) error {
	if err := s.expect(StateIdle); err != nil {
		return err
	}
	if err := s.transition(StateSendingPairs); err != nil {
		return err
	}

	for i, pair := range pairs {
		n := i + 1
		if err := s.sendFile(ctx, n, RoleAudio, pair.Audio); err != nil {
			return s.fail(err)
		}
		if err := s.sendFile(ctx, n, RoleTranscript, pair.Transcript); err != nil {
			return s.fail(err)
		}
	}

	if err := s.codec.WriteSentinel(ctx); err != nil {
		return s.fail(fmt.Errorf("failed to close job: %w", err))
	}
	ack, err := s.codec.ReadAck(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("failed to read end-of-job ack: %w", err))
	}
	s.logger.Debug("job closed", "pairs", len(pairs), "ack", ack)

	if err := s.transition(StateJobClosed); err != nil {
		return s.fail(err)
	}
	return s.transition(StatePolling)
}

func (s *Session) sendFile(ctx context.Context, pair int, role FileRole, path string) error {
	s.obs.FileStarted(pair, role, path)
	size, err := s.codec.SendFile(ctx, path, s.obs.FileProgress)
	if err != nil {
		return fmt.Errorf("pair %d %s: %w", pair, role, err)
	}
	s.logger.Debug("file sent", "pair", pair, "role", role, "path", path, "bytes", size)
	s.obs.FileFinished(pair, role, size)
	return nil
}

// Run performs the whole cycle and returns the path of the saved result.
func (s *Session) Run(ctx context.Context, pairs []Pair) (string, error) {
	if err := s.SendPairs(ctx, pairs); err != nil {
		return "", err
	}
	if err := s.WaitDone(ctx); err != nil {
		return "", err
	}
	return s.FetchResult(ctx)
}
