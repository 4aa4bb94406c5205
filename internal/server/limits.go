package server

import (
	"sync"
	"time"
)

// tokenBucket limits how fast new connections are admitted.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
	now    func() time.Time
}

func newTokenBucket(ratePerSec float64, burst int) *tokenBucket {
	if ratePerSec < 0 {
		ratePerSec = 0
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		tokens: float64(burst),
		last:   time.Now(),
		rate:   ratePerSec,
		burst:  float64(burst),
		now:    time.Now,
	}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

// connLimiter bounds concurrent connections. A zero max means unlimited.
type connLimiter struct {
	slots chan struct{}
}

func newConnLimiter(max int) *connLimiter {
	if max <= 0 {
		return &connLimiter{}
	}
	return &connLimiter{slots: make(chan struct{}, max)}
}

func (l *connLimiter) acquire() bool {
	if l.slots == nil {
		return true
	}
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *connLimiter) release() {
	if l.slots == nil {
		return
	}
	<-l.slots
}
