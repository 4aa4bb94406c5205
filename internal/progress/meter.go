package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of one transfer.
type Stats struct {
	Done    int64
	Total   int64 // 0 when the size is not known yet
	RateBps float64
	ETA     time.Duration
	Percent float64
	Elapsed time.Duration
}

// Meter counts bytes of one transfer and keeps an EWMA of the rate.
type Meter struct {
	mu      sync.Mutex
	total   int64
	done    int64
	started time.Time
	lastAt  time.Time
	lastN   int64
	rateBps float64
	alpha   float64
	now     func() time.Time
}

// NewMeter returns a meter using the wall clock.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a transfer of total bytes.
func (m *Meter) Start(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.done = 0
	m.started = m.now()
	m.lastAt = m.started
	m.lastN = 0
	m.rateBps = 0
}

// Add records n more bytes.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.done += int64(n)
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		// Same instant: fold the bytes into the next sample.
		return
	}
	inst := float64(m.done-m.lastN) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastN = m.done
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Done:    m.done,
		Total:   m.total,
		RateBps: m.rateBps,
	}
	if !m.started.IsZero() {
		st.Elapsed = m.now().Sub(m.started)
	}
	if m.total > 0 {
		st.Percent = float64(m.done) / float64(m.total) * 100
		if st.Percent > 100 {
			st.Percent = 100
		}
	}
	if m.rateBps > 0 && m.total > m.done {
		st.ETA = time.Duration(float64(m.total-m.done) / m.rateBps * float64(time.Second))
	}
	return st
}
