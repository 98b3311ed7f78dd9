package worker

import "sync"

// ringBuffer keeps the most recent cap bytes of a stream. Workers can be
// arbitrarily chatty; the tail is what matters for sentinel scanning and
// error reporting.
type ringBuffer struct {
	mu      sync.Mutex
	buf     []byte
	cap     int
	total   int64
	chunks  int
	clipped bool
}

func newRingBuffer(capBytes int) *ringBuffer {
	if capBytes <= 0 {
		capBytes = defaultBufferCap
	}
	return &ringBuffer{cap: capBytes}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total += int64(len(p))
	r.chunks++

	if len(p) >= r.cap {
		r.buf = append(r.buf[:0], p[len(p)-r.cap:]...)
		r.clipped = true
		return len(p), nil
	}
	if overflow := len(r.buf) + len(p) - r.cap; overflow > 0 {
		r.buf = r.buf[overflow:]
		r.clipped = true
	}
	r.buf = append(r.buf, p...)
	return len(p), nil
}

// String returns the buffered tail.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

// Total returns the number of bytes ever written.
func (r *ringBuffer) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Chunks returns the number of writes observed.
func (r *ringBuffer) Chunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks
}

// Clipped reports whether any bytes were discarded.
func (r *ringBuffer) Clipped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clipped
}
