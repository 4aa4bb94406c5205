package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// DefaultScanInterval is how often the worker loop rescans the spool when
// nothing else wakes it.
const DefaultScanInterval = 10 * time.Second

// Spool is a folder-per-job queue on disk. The folder prefix is the job's
// status, so jobs survive restarts and can be inspected with ls.
type Spool struct {
	root     string
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	kick chan struct{}
}

// New opens (creating if needed) the spool at root. Jobs left running by a
// previous process go back to the queue; unfinished uploads are discarded.
func New(root string, runner Runner, interval time.Duration, logger *slog.Logger) (*Spool, error) {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve jobs dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jobs dir: %w", err)
	}
	s := &Spool{
		root:     root,
		runner:   runner,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the spool directory.
func (s *Spool) Root() string {
	return s.root
}

func (s *Spool) recover() error {
	jobs, err := s.List()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		switch job.Status {
		case StatusRunning:
			if err := s.move(job.ID, StatusRunning, StatusQueued); err != nil {
				return err
			}
			s.logger.Info("requeued interrupted job", "job_id", job.ID)
		case StatusUnsubmitted:
			if err := os.RemoveAll(job.Dir); err != nil {
				return fmt.Errorf("failed to remove stale upload %s: %w", job.ID, err)
			}
			s.logger.Info("removed stale upload", "job_id", job.ID)
		}
	}
	return nil
}

func (s *Spool) dir(id string, status Status) string {
	return filepath.Join(s.root, folderName(id, status))
}

// move renames a job folder from one status to another. Callers hold no lock.
func (s *Spool) move(id string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(id, from, to)
}

func (s *Spool) moveLocked(id string, from, to Status) error {
	if err := os.Rename(s.dir(id, from), s.dir(id, to)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s is not %s", ErrWrongStatus, id, from)
		}
		return fmt.Errorf("failed to move job %s from %s to %s: %w", id, from, to, err)
	}
	return nil
}

// Begin creates an empty unsubmitted job.
func (s *Spool) Begin() (*Job, error) {
	id := uuid.NewString()
	dir := s.dir(id, StatusUnsubmitted)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job folder: %w", err)
	}
	return &Job{ID: id, Dir: dir, Status: StatusUnsubmitted}, nil
}

// Commit queues an unsubmitted job and wakes the worker.
func (s *Spool) Commit(job *Job) error {
	if job.Status != StatusUnsubmitted {
		return fmt.Errorf("%w: cannot commit %s job", ErrWrongStatus, job.Status)
	}
	if err := s.move(job.ID, StatusUnsubmitted, StatusQueued); err != nil {
		return err
	}
	job.Status = StatusQueued
	job.Dir = s.dir(job.ID, StatusQueued)
	s.wake()
	return nil
}

// Abandon removes an unsubmitted job and everything received for it.
func (s *Spool) Abandon(job *Job) error {
	if job.Status != StatusUnsubmitted {
		return fmt.Errorf("%w: cannot abandon %s job", ErrWrongStatus, job.Status)
	}
	if err := os.RemoveAll(job.Dir); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", job.ID, err)
	}
	return nil
}

// Status reports the current status of a job.
func (s *Spool) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(id)
}

func (s *Spool) statusLocked(id string) (Status, error) {
	for st := range statusPrefix {
		if _, err := os.Stat(s.dir(id, Status(st))); err == nil {
			return Status(st), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownJob, id)
}

// ResultPath returns the result file of a finished job.
func (s *Spool) ResultPath(id string) (string, error) {
	st, err := s.Status(id)
	if err != nil {
		return "", err
	}
	if st != StatusDone {
		return "", fmt.Errorf("%w: %s is %s", ErrNotDone, id, st)
	}
	return filepath.Join(s.dir(id, StatusDone), ResultName), nil
}

// Consume marks a delivered result so it is never sent twice.
func (s *Spool) Consume(id string) error {
	return s.move(id, StatusDone, StatusConsumed)
}

// List returns every job in the spool, oldest first.
func (s *Spool) List() ([]Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs dir: %w", err)
	}

	type entry struct {
		job     Job
		modTime time.Time
	}
	var found []entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, st, ok := parseFolderName(e.Name())
		if !ok {
			continue
		}
		var mod time.Time
		if info, err := e.Info(); err == nil {
			mod = info.ModTime()
		}
		dir := filepath.Join(s.root, e.Name())
		found = append(found, entry{
			job:     Job{ID: id, Dir: dir, Status: st, Pairs: countPairs(dir)},
			modTime: mod,
		})
	}
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.Before(found[j].modTime)
		}
		return found[i].job.ID < found[j].job.ID
	})

	jobs := make([]Job, len(found))
	for i, f := range found {
		jobs[i] = f.job
	}
	return jobs, nil
}

func countPairs(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() && strings.Trim(e.Name(), "0123456789") == "" {
			n++
		}
	}
	return n
}

// Requeue moves every failed job back to the queue and returns how many moved.
func (s *Spool) Requeue() (int, error) {
	jobs, err := s.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if job.Status != StatusFailed {
			continue
		}
		if err := s.move(job.ID, StatusFailed, StatusQueued); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.wake()
	}
	return n, nil
}

func (s *Spool) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run processes queued jobs one at a time until ctx is done. It wakes on the
// scan interval, on Commit and Requeue, and when a job_ folder appears in the
// spool from outside.
func (s *Spool) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("spool watcher unavailable, relying on rescans", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(s.root); err != nil {
			s.logger.Warn("failed to watch jobs dir", "dir", s.root, "error", err)
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		s.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			if _, st, ok := parseFolderName(filepath.Base(event.Name)); !ok || st != StatusQueued {
				continue
			}
			s.logger.Debug("queued job detected", "dir", event.Name)
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.logger.Warn("spool watcher error", "error", err)
		}
	}
}

// drain runs queued jobs until none are left or ctx is done.
func (s *Spool) drain(ctx context.Context) {
	for ctx.Err() == nil {
		id, ok := s.nextQueued()
		if !ok {
			return
		}
		s.runOne(ctx, id)
	}
}

func (s *Spool) nextQueued() (string, bool) {
	jobs, err := s.List()
	if err != nil {
		s.logger.Error("failed to scan jobs dir", "error", err)
		return "", false
	}
	for _, job := range jobs {
		if job.Status == StatusQueued {
			return job.ID, true
		}
	}
	return "", false
}

func (s *Spool) runOne(ctx context.Context, id string) {
	if err := s.move(id, StatusQueued, StatusRunning); err != nil {
		s.logger.Warn("failed to start job", "job_id", id, "error", err)
		return
	}
	s.logger.Info("job started", "job_id", id)
	start := time.Now()

	dir := s.dir(id, StatusRunning)
	err := s.runner.Run(ctx, dir)
	if err == nil {
		err = checkResult(dir)
	}
	if ctx.Err() != nil {
		if mvErr := s.move(id, StatusRunning, StatusQueued); mvErr != nil {
			s.logger.Error("failed to requeue interrupted job", "job_id", id, "error", mvErr)
		}
		return
	}
	if err != nil {
		s.logger.Error("job failed", "job_id", id, "elapsed", time.Since(start), "error", err)
		if mvErr := s.move(id, StatusRunning, StatusFailed); mvErr != nil {
			s.logger.Error("failed to mark job failed", "job_id", id, "error", mvErr)
		}
		return
	}
	if err := s.move(id, StatusRunning, StatusDone); err != nil {
		s.logger.Error("failed to mark job done", "job_id", id, "error", err)
		return
	}
	s.logger.Info("job done", "job_id", id, "elapsed", time.Since(start))
}

// checkResult verifies the worker left a non-empty result file.
func checkResult(dir string) error {
	info, err := os.Stat(filepath.Join(dir, ResultName))
	if err != nil {
		return fmt.Errorf("no %s produced: %w", ResultName, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("empty %s produced", ResultName)
	}
	return nil
}
