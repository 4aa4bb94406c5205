package bufpool

import (
	"sync"
)

// Pool hands out chunk buffers of one fixed size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

var (
	registryMu sync.Mutex
	registry   = make(map[int]*Pool)
)

// New creates a pool whose buffers are exactly bufSize bytes long.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() interface{} {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// For returns the shared pool for bufSize, creating it on first use.
// Codecs configured with the same chunk size share buffers this way.
func For(bufSize int) *Pool {
	registryMu.Lock()
	defer registryMu.Unlock()
	if p, ok := registry[bufSize]; ok {
		return p
	}
	p := New(bufSize)
	registry[bufSize] = p
	return p
}

// Get returns a buffer of BufSize bytes.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns buf for reuse. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:p.bufSize]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
