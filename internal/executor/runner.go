package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner processes one job folder. It must leave ResultName in dir on success.
type Runner interface {
	Run(ctx context.Context, dir string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, dir string) error

func (f RunnerFunc) Run(ctx context.Context, dir string) error {
	return f(ctx, dir)
}

// RunError describes a failed worker invocation.
type RunError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("worker %s failed (exit=%d)", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// maxStderr bounds how much worker output is kept for error messages.
const maxStderr = 4096

// CommandRunner runs an external worker binary with the job folder appended
// as its last argument.
type CommandRunner struct {
	Path string
	Args []string
}

// NewCommandRunner resolves a relative worker path against the current
// directory, since the worker is started inside the job folder.
func NewCommandRunner(path string, args ...string) (*CommandRunner, error) {
	if strings.ContainsRune(path, filepath.Separator) && !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker path: %w", err)
		}
		path = abs
	}
	return &CommandRunner{Path: path, Args: args}, nil
}

// Run executes the worker in dir.
func (r *CommandRunner) Run(ctx context.Context, dir string) error {
	args := append(append([]string{}, r.Args...), dir)
	cmd := exec.CommandContext(ctx, r.Path, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		runErr := &RunError{Command: r.Path, ExitCode: -1, Stderr: tail(stderr.String()), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			runErr.ExitCode = exitErr.ExitCode()
		}
		return runErr
	}
	return nil
}

func tail(s string) string {
	if len(s) <= maxStderr {
		return s
	}
	return s[len(s)-maxStderr:]
}
