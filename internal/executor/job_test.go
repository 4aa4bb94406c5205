package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFolderName(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		status Status
		ok     bool
	}{
		{"wip_abc", "abc", StatusUnsubmitted, true},
		{"job_abc", "abc", StatusQueued, true},
		{"run_abc", "abc", StatusRunning, true},
		{"done_abc", "abc", StatusDone, true},
		{"failed_abc", "abc", StatusFailed, true},
		{"sent_abc", "abc", StatusConsumed, true},
		{"job_", "", 0, false},
		{"abc", "", 0, false},
	}
	for _, tc := range tests {
		id, st, ok := parseFolderName(tc.name)
		if ok != tc.ok || id != tc.id || (ok && st != tc.status) {
			t.Errorf("parseFolderName(%q) = %q, %v, %v", tc.name, id, st, ok)
		}
	}
}

func TestJobPaths(t *testing.T) {
	job := &Job{ID: "x", Dir: filepath.Join("spool", "wip_x"), Status: StatusUnsubmitted}
	if got := job.AudioPath(2); got != filepath.Join("spool", "wip_x", "2", "sound.wav") {
		t.Errorf("AudioPath = %q", got)
	}
	if got := job.TranscriptPath(1); got != filepath.Join("spool", "wip_x", "1", "instructions.txt") {
		t.Errorf("TranscriptPath = %q", got)
	}
	if got := job.String(); got != "job ID:x status: unsubmitted." {
		t.Errorf("String = %q", got)
	}
}

func TestStatusString(t *testing.T) {
	if StatusDone.String() != "done" || StatusConsumed.String() != "sent" {
		t.Error("unexpected status names")
	}
	if got := Status(42).String(); got != "unknown(42)" {
		t.Errorf("String = %q", got)
	}
}

func TestCommandRunner(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()

	ok := &CommandRunner{Path: sh, Args: []string{"-c", `echo mixed > "$1/done.wav"`, "worker"}}
	if err := ok.Run(context.Background(), dir); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dir, ResultName)); err != nil || strings.TrimSpace(string(data)) != "mixed" {
		t.Fatalf("unexpected result %q, %v", data, err)
	}

	bad := &CommandRunner{Path: sh, Args: []string{"-c", "echo boom >&2; exit 3", "worker"}}
	err = bad.Run(context.Background(), dir)
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if runErr.ExitCode != 3 || !strings.Contains(runErr.Error(), "boom") {
		t.Errorf("unexpected RunError %+v", runErr)
	}
}

func TestNewCommandRunnerResolvesRelativePath(t *testing.T) {
	chdir(t, t.TempDir())
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	r, err := NewCommandRunner("./bin/mix", "-q")
	if err != nil {
		t.Fatalf("NewCommandRunner error: %v", err)
	}
	if r.Path != filepath.Join(wd, "bin", "mix") || len(r.Args) != 1 {
		t.Errorf("unexpected runner %+v", r)
	}

	r, err = NewCommandRunner("mixer")
	if err != nil {
		t.Fatalf("NewCommandRunner error: %v", err)
	}
	if r.Path != "mixer" {
		t.Errorf("bare command must stay on PATH lookup, got %q", r.Path)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (stand-in for testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd error: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir error: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("Chdir error: %v", err)
		}
	})
}
