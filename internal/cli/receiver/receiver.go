// Package receiver runs mixrelayd: the job spool, its worker loop, the admin
// socket and the stream listener.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/sheerbytes/mixrelay/internal/admin"
	"github.com/sheerbytes/mixrelay/internal/config"
	"github.com/sheerbytes/mixrelay/internal/executor"
	"github.com/sheerbytes/mixrelay/internal/server"
	"github.com/sheerbytes/mixrelay/internal/transport"
)

// Daemon is a configured, not yet started mixrelayd.
type Daemon struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	runner executor.Runner
}

// New prepares a daemon. A nil runner runs cfg.Worker.
func New(cfg config.ServerConfig, runner executor.Runner, logger *slog.Logger) (*Daemon, error) {
	if runner == nil {
		cr, err := executor.NewCommandRunner(cfg.Worker, cfg.WorkerArgs...)
		if err != nil {
			return nil, err
		}
		runner = cr
	}
	return &Daemon{cfg: cfg, logger: logger, runner: runner}, nil
}

// Run serves until ctx is done or an admin EXIT arrives. ready, if set, is
// called with the bound stream address once the daemon accepts clients.
func (d *Daemon) Run(ctx context.Context, ready func(net.Addr)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	spool, err := executor.New(d.cfg.JobsDir, d.runner, d.cfg.ScanInterval, d.logger.With("component", "spool"))
	if err != nil {
		return err
	}

	kind, err := transport.ParseKind(d.cfg.Transport)
	if err != nil {
		return err
	}
	ln, err := transport.Listen(ctx, kind, d.cfg.Addr, d.logger.With("component", "transport"))
	if err != nil {
		return err
	}
	defer ln.Close()

	var adminLn net.Listener
	if d.cfg.AdminSocket != "" {
		if adminLn, err = admin.Listen(d.cfg.AdminSocket); err != nil {
			return err
		}
		defer adminLn.Close()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	run("spool", func() error { return spool.Run(ctx) })
	if adminLn != nil {
		adm := admin.NewServer(spool, cancel, d.logger.With("component", "admin"))
		run("admin", func() error { return adm.Serve(ctx, adminLn) })
		d.logger.Info("admin socket listening", "path", d.cfg.AdminSocket)
	}
	srv := server.New(spool, server.Options{
		Wire:        d.cfg.WireOptions(),
		MaxConns:    d.cfg.MaxConns,
		AcceptRate:  d.cfg.AcceptRate,
		AcceptBurst: d.cfg.AcceptBurst,
	}, d.logger.With("component", "server"))
	run("server", func() error { return srv.Serve(ctx, ln) })

	d.logger.Info("server listening", "addr", ln.Addr().String(), "transport", kind, "jobs_dir", spool.Root())
	if ready != nil {
		ready(ln.Addr())
	}

	<-ctx.Done()
	_ = ln.Close()
	wg.Wait()
	d.logger.Info("server stopped")
	return errors.Join(errs...)
}
