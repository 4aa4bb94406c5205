package client

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sheerbytes/mixrelay/internal/wire"
)

const resultBufferSize = 64 * 1024

// FetchResult sends the ready-to-receive trigger and stores the single result
// frame at ResultPath. The file only appears once it is complete.
func (s *Session) FetchResult(ctx context.Context) (string, error) {
	if err := s.expect(StateResultReady); err != nil {
		return "", err
	}

	if err := s.codec.WriteText(ctx, wire.ZeroAck); err != nil {
		return "", s.fail(fmt.Errorf("failed to send result trigger: %w", err))
	}

	path := s.opts.ResultPath
	size, err := s.receiveResult(ctx, path)
	if err != nil {
		return "", s.fail(err)
	}
	s.logger.Info("result saved", "path", path, "bytes", size)

	if err := s.transition(StateDone); err != nil {
		return "", s.fail(err)
	}
	return path, nil
}

func (s *Session) receiveResult(ctx context.Context, path string) (size uint32, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("failed to create result file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	s.obs.FileStarted(0, RoleResult, path)
	w := bufio.NewWriterSize(tmp, resultBufferSize)
	size, err = s.codec.ReceiveFrame(ctx, w, wire.ZeroAck, wire.ZeroAck, s.obs.FileProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to receive result: %w", err)
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("failed to write result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to write result: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to store result: %w", err)
	}
	s.obs.FileFinished(0, RoleResult, int64(size))
	return size, nil
}
