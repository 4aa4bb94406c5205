package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sheerbytes/mixrelay/internal/wire"
)

// PollOnce sends one status request and interprets the answer.
func (s *Session) PollOnce(ctx context.Context) (wire.Status, error) {
	if err := s.expect(StatePolling); err != nil {
		return wire.StatusPending, err
	}

	s.polls++
	if err := s.codec.WriteText(ctx, s.opts.CheckRequest); err != nil {
		return wire.StatusPending, s.fail(fmt.Errorf("failed to send status request: %w", err))
	}
	answer, err := s.codec.ReadText(ctx)
	if err != nil {
		return wire.StatusPending, s.fail(fmt.Errorf("failed to read status response: %w", err))
	}

	status := wire.ParseStatus(answer, s.opts.ReadyPhrase, s.opts.FailedPhrase)
	s.logger.Debug("status polled", "attempt", s.polls, "answer", answer, "status", status)
	s.obs.Polled(s.polls, answer, status)

	switch status {
	case wire.StatusDone:
		if err := s.transition(StateResultReady); err != nil {
			return status, s.fail(err)
		}
	case wire.StatusFailed:
		return status, s.fail(fmt.Errorf("%w: %q", ErrJobFailed, answer))
	}
	return status, nil
}

// WaitDone polls every PollInterval until the job is done. There is no retry
// cap; only ctx, a failed answer or a broken stream stop it.
func (s *Session) WaitDone(ctx context.Context) error {
	for {
		status, err := s.PollOnce(ctx)
		if err != nil {
			return err
		}
		if status == wire.StatusDone {
			return nil
		}
		if err := sleep(ctx, s.opts.PollInterval); err != nil {
			return s.fail(err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
