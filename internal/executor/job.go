package executor

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// File names inside a job folder.
const (
	AudioName      = "sound.wav"
	TranscriptName = "instructions.txt"
	ResultName     = "done.wav"
)

var (
	// ErrUnknownJob is returned for an id with no folder in the spool.
	ErrUnknownJob = errors.New("unknown job")
	// ErrNotDone is returned when a result is requested before the job finished.
	ErrNotDone = errors.New("job not done")
	// ErrWrongStatus is returned when a job is not in the status an operation needs.
	ErrWrongStatus = errors.New("job in wrong status")
)

// Status is the server-side lifecycle stage of a job, encoded on disk by the
// folder prefix.
type Status int

const (
	StatusUnsubmitted Status = iota
	StatusQueued
	StatusRunning
	StatusDone
	StatusFailed
	StatusConsumed
)

var statusPrefix = [...]string{
	StatusUnsubmitted: "wip_",
	StatusQueued:      "job_",
	StatusRunning:     "run_",
	StatusDone:        "done_",
	StatusFailed:      "failed_",
	StatusConsumed:    "sent_",
}

var statusName = [...]string{
	StatusUnsubmitted: "unsubmitted",
	StatusQueued:      "queued",
	StatusRunning:     "running",
	StatusDone:        "done",
	StatusFailed:      "failed",
	StatusConsumed:    "sent",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusName) {
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
	return statusName[s]
}

// Prefix returns the folder prefix for s.
func (s Status) Prefix() string {
	return statusPrefix[s]
}

// folderName returns the spool folder name for a job.
func folderName(id string, status Status) string {
	return status.Prefix() + id
}

// parseFolderName splits a spool folder name into id and status.
func parseFolderName(name string) (string, Status, bool) {
	for st, prefix := range statusPrefix {
		if id, ok := strings.CutPrefix(name, prefix); ok && id != "" {
			return id, Status(st), true
		}
	}
	return "", 0, false
}

// Job is one spool entry.
type Job struct {
	ID     string
	Dir    string
	Status Status
	Pairs  int
}

// PairDir returns the folder holding pair n (1-based).
func (j *Job) PairDir(n int) string {
	return filepath.Join(j.Dir, strconv.Itoa(n))
}

// AudioPath returns where the audio of pair n is stored.
func (j *Job) AudioPath(n int) string {
	return filepath.Join(j.PairDir(n), AudioName)
}

// TranscriptPath returns where the transcript of pair n is stored.
func (j *Job) TranscriptPath(n int) string {
	return filepath.Join(j.PairDir(n), TranscriptName)
}

func (j *Job) String() string {
	return fmt.Sprintf("job ID:%s status: %s.", j.ID, j.Status)
}
