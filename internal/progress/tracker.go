package progress

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sheerbytes/mixrelay/internal/client"
	"github.com/sheerbytes/mixrelay/internal/wire"
)

// JobView is a snapshot of one job submission for rendering.
type JobView struct {
	Addr       string
	State      client.State
	Pair       int
	Pairs      int
	Role       client.FileRole
	File       string // base name of the file in flight
	FilesDone  int
	FilesTotal int
	Transfer   Stats // current file
	BytesSent  int64
	Polls      int
	LastAnswer string
	Since      time.Duration // time in the current state
}

// Tracker implements client.Observer and keeps the latest JobView.
type Tracker struct {
	mu      sync.Mutex
	view    JobView
	meter   *Meter
	entered time.Time
	now     func() time.Time
	changed chan struct{}
}

// NewTracker starts tracking a submission of pairs to addr.
func NewTracker(addr string, pairs []client.Pair) *Tracker {
	return newTracker(addr, pairs, time.Now)
}

func newTracker(addr string, pairs []client.Pair, now func() time.Time) *Tracker {
	return &Tracker{
		view: JobView{
			Addr:       addr,
			State:      client.StateIdle,
			Pairs:      len(pairs),
			FilesTotal: 2 * len(pairs),
		},
		meter:   NewMeterWithNow(now),
		entered: now(),
		now:     now,
		changed: make(chan struct{}, 1),
	}
}

// Changed is signalled, without blocking, after each discrete event.
func (t *Tracker) Changed() <-chan struct{} {
	return t.changed
}

func (t *Tracker) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// View returns the current snapshot.
func (t *Tracker) View() JobView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.view
	v.Transfer = t.meter.Snapshot()
	v.Since = t.now().Sub(t.entered)
	return v
}

func (t *Tracker) StateChanged(_, to client.State) {
	t.mu.Lock()
	t.view.State = to
	t.entered = t.now()
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) FileStarted(pair int, role client.FileRole, path string) {
	var size int64
	if role != client.RoleResult {
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
	}
	t.mu.Lock()
	t.view.Pair = pair
	t.view.Role = role
	t.view.File = filepath.Base(path)
	t.meter.Start(size)
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) FileProgress(n int) {
	t.meter.Add(n)
	t.mu.Lock()
	if t.view.Role != client.RoleResult {
		t.view.BytesSent += int64(n)
	}
	t.mu.Unlock()
}

func (t *Tracker) FileFinished(_ int, role client.FileRole, _ int64) {
	t.mu.Lock()
	if role != client.RoleResult {
		t.view.FilesDone++
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) Polled(attempt int, answer string, _ wire.Status) {
	t.mu.Lock()
	t.view.Polls = attempt
	t.view.LastAnswer = answer
	t.mu.Unlock()
	t.notify()
}

var _ client.Observer = (*Tracker)(nil)
