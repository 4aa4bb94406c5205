// Package sender implements `mixrelay submit`: collect audio/transcript
// pairs, run one job per connection and save the result.
package sender

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sheerbytes/mixrelay/internal/cli/prompt"
	"github.com/sheerbytes/mixrelay/internal/client"
	"github.com/sheerbytes/mixrelay/internal/config"
	"github.com/sheerbytes/mixrelay/internal/logging"
	"github.com/sheerbytes/mixrelay/internal/progress"
	"github.com/sheerbytes/mixrelay/internal/termio"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// Env is the console a submission talks to.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	// Asker is nil when stdin is not interactive; pairs must then come from
	// the command line.
	Asker prompt.Asker
}

// DefaultEnv uses the process console, prompting only when stdin is a terminal.
func DefaultEnv() Env {
	env := Env{Stdout: termio.Stdout(), Stderr: termio.Stderr()}
	if termio.IsTerminal(os.Stdin) {
		env.Asker = prompt.New(os.Stdin, os.Stdout, false)
	}
	return env
}

// Run executes submit with args (flags and audio/transcript paths) and
// returns the process exit code.
func Run(ctx context.Context, args []string, env Env) int {
	cfg, err := config.ParseClientConfig(args)
	if errors.Is(err, flag.ErrHelp) {
		return ExitOK
	}
	if err != nil {
		fmt.Fprintf(env.Stderr, "invalid configuration: %v\n", err)
		return ExitUsage
	}
	logger := logging.NewWithWriter(env.Stderr, "mixrelay", cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pairs, code := initialPairs(cfg, env)
	if code != ExitOK {
		return code
	}

	for {
		if err := submitOnce(ctx, cancel, cfg, pairs, env, logger); err != nil {
			return reportError(ctx, env.Stderr, err)
		}
		if !cfg.Loop || env.Asker == nil {
			return ExitOK
		}
		again, err := prompt.Again(env.Asker)
		if err != nil {
			return reportError(ctx, env.Stderr, err)
		}
		if !again {
			return ExitOK
		}
		if pairs, err = prompt.CollectPairs(env.Asker); err != nil {
			return reportError(ctx, env.Stderr, err)
		}
	}
}

func initialPairs(cfg config.ClientConfig, env Env) ([]client.Pair, int) {
	if len(cfg.Args) > 0 {
		pairs, err := client.PairsFromArgs(cfg.Args)
		if err != nil {
			fmt.Fprintln(env.Stderr, err)
			printSenderUsage(env.Stderr)
			return nil, ExitUsage
		}
		return pairs, ExitOK
	}
	if env.Asker == nil {
		printSenderUsage(env.Stderr)
		return nil, ExitUsage
	}
	pairs, err := prompt.CollectPairs(env.Asker)
	if err != nil {
		return nil, reportError(context.Background(), env.Stderr, err)
	}
	return pairs, ExitOK
}

func submitOnce(ctx context.Context, cancel context.CancelFunc, cfg config.ClientConfig, pairs []client.Pair, env Env, logger *slog.Logger) error {
	var obs client.Observer
	stop := func() {}
	if !cfg.Quiet {
		tracker := progress.NewTracker(cfg.Addr, pairs)
		obs = tracker
		stop = progress.Render(ctx, env.Stdout, tracker, cancel)
	}

	path, err := client.Submit(ctx, cfg, pairs, obs, logger)
	stop()
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "result saved to %s\n", path)
	return nil
}

func reportError(ctx context.Context, w io.Writer, err error) int {
	if errors.Is(err, prompt.ErrAborted) || ctx.Err() != nil {
		fmt.Fprintln(w, "interrupted")
		return ExitInterrupted
	}
	fmt.Fprintf(w, "submit failed: %v\n", err)
	return ExitFailed
}

func printSenderUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: mixrelay submit [flags] [audio transcript]...")
	fmt.Fprintln(w, "  with no paths and an interactive terminal, pairs are asked for one by one")
	fmt.Fprintln(w, "  --addr HOST:PORT         server address (default 127.0.0.1:8080)")
	fmt.Fprintln(w, "  --transport tcp|quic|ws  stream transport (default tcp)")
	fmt.Fprintln(w, "  --poll-interval D        time between status polls (default 5s)")
	fmt.Fprintln(w, "  --failed-phrase S        stop polling when the answer contains S")
	fmt.Fprintln(w, "  --out-dir DIR            directory the result is written to (default .)")
	fmt.Fprintln(w, "  --result-name NAME       result file name (default done.wav)")
	fmt.Fprintln(w, "  --config FILE            TOML config file (env MIXRELAY_CONFIG)")
	fmt.Fprintln(w, "  --quiet                  disable progress output")
	fmt.Fprintln(w, "  --loop                   offer to process another song after each result")
}
