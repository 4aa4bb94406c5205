package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sheerbytes/mixrelay/internal/config"
	"github.com/sheerbytes/mixrelay/internal/transport"
	"github.com/sheerbytes/mixrelay/internal/wire"
)

// OptionsFromConfig builds session options from the client configuration.
func OptionsFromConfig(cfg config.ClientConfig) Options {
	return Options{
		Wire:         cfg.WireOptions(),
		PollInterval: cfg.PollInterval,
		CheckRequest: cfg.CheckRequest,
		ReadyPhrase:  cfg.ReadyPhrase,
		FailedPhrase: cfg.FailedPhrase,
		ResultPath:   cfg.ResultPath(),
	}
}

// PairsFromArgs groups positional arguments as audio, transcript, audio, ...
func PairsFromArgs(args []string) ([]Pair, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("expected audio/transcript pairs, got %d paths", len(args))
	}
	pairs := make([]Pair, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		pairs = append(pairs, Pair{Audio: args[i], Transcript: args[i+1]})
	}
	return pairs, nil
}

// ValidatePairs checks every file is a readable, non-empty regular file so a
// bad path is reported before anything is sent.
func ValidatePairs(pairs []Pair) error {
	if len(pairs) == 0 {
		return ErrNoPairs
	}
	var errs []error
	for i, p := range pairs {
		if err := checkFile(p.Audio); err != nil {
			errs = append(errs, fmt.Errorf("pair %d audio: %w", i+1, err))
		}
		if err := checkFile(p.Transcript); err != nil {
			errs = append(errs, fmt.Errorf("pair %d transcript: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", wire.ErrFileNotFound, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", wire.ErrFileNotFound, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s: %w", path, wire.ErrEmptyFile)
	}
	return nil
}

// Submit dials the server, runs one full job and returns the result path.
func Submit(ctx context.Context, cfg config.ClientConfig, pairs []Pair, obs Observer, logger *slog.Logger) (string, error) {
	if err := ValidatePairs(pairs); err != nil {
		return "", err
	}
	kind, err := transport.ParseKind(cfg.Transport)
	if err != nil {
		return "", err
	}

	stream, err := transport.Dial(ctx, kind, cfg.Addr, logger)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	logger.Info("connected", "addr", cfg.Addr, "transport", kind, "pairs", len(pairs))

	sess := NewSession(stream, OptionsFromConfig(cfg), obs, logger)
	defer sess.Close()

	return sess.Run(ctx, pairs)
}
