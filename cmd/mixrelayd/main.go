package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/mixrelay/internal/cli/receiver"
	"github.com/sheerbytes/mixrelay/internal/config"
	"github.com/sheerbytes/mixrelay/internal/logging"
	"github.com/sheerbytes/mixrelay/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	defer termio.Flush()

	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return 0
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return 0
	}

	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "invalid configuration: %v\n", err)
		return 2
	}
	logger := logging.NewWithWriter(termio.Stderr(), "mixrelayd", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := receiver.New(cfg, nil, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	if err := d.Run(ctx, nil); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: mixrelayd [flags]")
	fmt.Fprintln(termio.Stderr(), "  --addr ADDR              listen address (default :8080)")
	fmt.Fprintln(termio.Stderr(), "  --transport tcp|quic|ws  stream transport (default tcp)")
	fmt.Fprintln(termio.Stderr(), "  --jobs-dir DIR           job spool directory (default jobs)")
	fmt.Fprintln(termio.Stderr(), "  --worker PATH            command run for each job, job folder appended (default ./worker)")
	fmt.Fprintln(termio.Stderr(), "  --worker-arg ARG         argument passed before the job folder (repeatable)")
	fmt.Fprintln(termio.Stderr(), "  --scan-interval D        spool rescan interval (default 10s)")
	fmt.Fprintln(termio.Stderr(), "  --admin-socket PATH      admin UNIX socket, empty disables")
	fmt.Fprintln(termio.Stderr(), "  --max-file-size N        largest accepted file in bytes (default 104857600)")
	fmt.Fprintln(termio.Stderr(), "  --io-timeout D           per read/write timeout, must exceed client poll interval (default 30s)")
	fmt.Fprintln(termio.Stderr(), "  --max-conns N            max concurrent connections (default unlimited)")
	fmt.Fprintln(termio.Stderr(), "  --accept-rate N          new connections per second (default unlimited)")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL        debug, info, warn, error (default info)")
	fmt.Fprintln(termio.Stderr(), "  --log-format text|json   log format (default text)")
	fmt.Fprintln(termio.Stderr(), "  --config FILE            TOML config file (env MIXRELAY_CONFIG)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
