package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/sheerbytes/mixrelay/internal/executor"
	"github.com/sheerbytes/mixrelay/internal/transport"
	"github.com/sheerbytes/mixrelay/internal/wire"
)

var (
	// ErrProtocol indicates the client sent something the protocol does not allow here.
	ErrProtocol = errors.New("protocol violation")
	// ErrEmptyJob indicates a job closed before any pair was sent.
	ErrEmptyJob = errors.New("job has no pairs")
	// ErrIncompletePair indicates a job closed after an audio file without its transcript.
	ErrIncompletePair = errors.New("audio file without transcript")
)

// fileBufferSize is the write buffer between the stream and a received file.
const fileBufferSize = 64 * 1024

// Options configure a Server.
type Options struct {
	Wire        wire.Options // MaxFrameSize is the largest accepted file
	MaxConns    int          // concurrent connections; 0 = unlimited
	AcceptRate  float64      // new connections per second; 0 = unlimited
	AcceptBurst int
}

// Server is the receiving peer: it stores job files in the spool, answers
// status polls and sends the result back on the same stream.
type Server struct {
	spool  *executor.Spool
	opts   Options
	logger *slog.Logger

	conns  *connLimiter
	bucket *tokenBucket
	wg     sync.WaitGroup
}

// New creates a server backed by spool.
func New(spool *executor.Spool, opts Options, logger *slog.Logger) *Server {
	opts.Wire = opts.Wire.Normalize()
	s := &Server{
		spool:  spool,
		opts:   opts,
		logger: logger,
		conns:  newConnLimiter(opts.MaxConns),
	}
	if opts.AcceptRate > 0 {
		s.bucket = newTokenBucket(opts.AcceptRate, opts.AcceptBurst)
	}
	return s
}

// Serve accepts streams until ctx is done or the listener fails, serving each
// on its own goroutine. It waits for in-flight connections before returning.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	defer s.wg.Wait()
	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if s.bucket != nil && !s.bucket.Allow() {
			s.logger.Warn("connection rejected: rate limit exceeded")
			_ = stream.Close()
			continue
		}
		if !s.conns.acquire() {
			s.logger.Warn("connection rejected: connection limit reached", "max_conns", s.opts.MaxConns)
			_ = stream.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.release()
			if err := s.HandleConn(ctx, stream); err != nil {
				s.logConnError(err)
			}
		}()
	}
}

func (s *Server) logConnError(err error) {
	switch {
	case errors.Is(err, context.Canceled):
		s.logger.Debug("connection ended by shutdown", "error", err)
	case errors.Is(err, wire.ErrConnClosed):
		s.logger.Info("client disconnected", "error", err)
	default:
		s.logger.Warn("connection failed", "error", err)
	}
}

// HandleConn serves one client stream from the first header to the result
// delivery, and closes it.
func (s *Server) HandleConn(ctx context.Context, stream transport.Stream) error {
	defer stream.Close()

	job, err := s.spool.Begin()
	if err != nil {
		return err
	}
	logger := s.logger.With("job_id", job.ID)
	logger.Info("connection opened")
	defer func() {
		if job.Status != executor.StatusUnsubmitted {
			return
		}
		if err := s.spool.Abandon(job); err != nil {
			logger.Error("failed to abandon job", "error", err)
		} else {
			logger.Info("job abandoned")
		}
	}()

	codec := wire.NewCodec(stream, s.opts.Wire)
	if err := s.receiveJob(ctx, codec, job, logger); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	if err := s.serveStatus(ctx, codec, job.ID, logger); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	return nil
}

// receiveJob reads files until the zero-length sentinel. Files alternate
// audio, transcript, audio, ...
func (s *Server) receiveJob(ctx context.Context, codec *wire.Codec, job *executor.Job, logger *slog.Logger) error {
	for files := 0; ; files++ {
		length, err := codec.ReadHeader(ctx)
		if errors.Is(err, wire.ErrFrameTooLarge) {
			_ = codec.WriteAck(ctx, wire.AckTooLarge)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to read header: %w", err)
		}

		if length == 0 {
			return s.closeJob(ctx, codec, job, files, logger)
		}

		pair := files/2 + 1
		path := job.AudioPath(pair)
		if files%2 == 1 {
			path = job.TranscriptPath(pair)
		} else if err := os.MkdirAll(job.PairDir(pair), 0o755); err != nil {
			return fmt.Errorf("failed to create pair folder: %w", err)
		}

		if err := receiveFile(ctx, codec, path, length); err != nil {
			return err
		}
		logger.Debug("file received", "pair", pair, "path", path, "bytes", length)
	}
}

func (s *Server) closeJob(ctx context.Context, codec *wire.Codec, job *executor.Job, files int, logger *slog.Logger) error {
	switch {
	case files == 0:
		_ = codec.WriteAck(ctx, wire.AckJobEmpty)
		return ErrEmptyJob
	case files%2 == 1:
		_ = codec.WriteAck(ctx, wire.AckIncompletePair)
		return ErrIncompletePair
	}

	job.Pairs = files / 2
	if err := s.spool.Commit(job); err != nil {
		return err
	}
	logger.Info("job queued", "pairs", job.Pairs)
	if err := codec.WriteAck(ctx, wire.AckJobClosed); err != nil {
		return fmt.Errorf("failed to acknowledge end of job: %w", err)
	}
	return nil
}

// receiveFile runs the receiver side of one transfer whose header was
// already read.
func receiveFile(ctx context.Context, codec *wire.Codec, path string, length uint32) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()

	if err := codec.WriteAck(ctx, wire.AckGotSize); err != nil {
		return &wire.TransferError{Path: path, Op: "write size ack", Err: err}
	}
	w := bufio.NewWriterSize(f, fileBufferSize)
	if err := codec.ReadPayload(ctx, w, length, nil); err != nil {
		return &wire.TransferError{Path: path, Op: "read payload", Err: err}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := codec.WriteAck(ctx, wire.AckGotFile); err != nil {
		return &wire.TransferError{Path: path, Op: "write file ack", Err: err}
	}
	return nil
}

// serveStatus answers CHECK_DONE until the job is done, then hands over the
// result.
func (s *Server) serveStatus(ctx context.Context, codec *wire.Codec, id string, logger *slog.Logger) error {
	for polls := 1; ; polls++ {
		req, err := codec.ReadExact(ctx, len(wire.CheckDoneRequest))
		if err != nil {
			return fmt.Errorf("failed to read status request: %w", err)
		}
		if string(req) != wire.CheckDoneRequest {
			return fmt.Errorf("%w: expected %s, got %q", ErrProtocol, wire.CheckDoneRequest, req)
		}

		status, err := s.spool.Status(id)
		if err != nil {
			return err
		}
		logger.Debug("status polled", "poll", polls, "status", status)

		switch status {
		case executor.StatusDone:
			if err := codec.WriteText(ctx, wire.ReadyPhrase); err != nil {
				return fmt.Errorf("failed to answer status request: %w", err)
			}
			return s.sendResult(ctx, codec, id, logger)
		case executor.StatusFailed:
			err = codec.WriteText(ctx, wire.FailedPhrase)
		default:
			err = codec.WriteText(ctx, wire.NotReadyPhrase)
		}
		if err != nil {
			return fmt.Errorf("failed to answer status request: %w", err)
		}
	}
}

func (s *Server) sendResult(ctx context.Context, codec *wire.Codec, id string, logger *slog.Logger) error {
	trigger, err := codec.ReadExact(ctx, wire.HeaderSize)
	if err != nil {
		return fmt.Errorf("failed to read result trigger: %w", err)
	}
	if !bytes.Equal(trigger, []byte(wire.ZeroAck)) {
		return fmt.Errorf("%w: result trigger %x", ErrProtocol, trigger)
	}

	path, err := s.spool.ResultPath(id)
	if err != nil {
		return err
	}
	n, err := codec.SendFile(ctx, path, nil)
	if err != nil {
		return err
	}
	if err := s.spool.Consume(id); err != nil {
		return err
	}
	logger.Info("result delivered", "bytes", n)
	return nil
}
