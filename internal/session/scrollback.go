package session

import "sync"

// DefaultScrollbackBytes caps the raw-view snapshot buffer at 256 KiB.
const DefaultScrollbackBytes = 256 * 1024

// Scrollback is a size-capped rolling window of recent PTY output used
// for the raw view's snapshot on attach. Bytes are preserved exactly so
// an xterm-compatible client reconstructs cursor and attribute state.
type Scrollback struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

// NewScrollback creates a scrollback capped at maxBytes. Zero or less
// falls back to DefaultScrollbackBytes.
func NewScrollback(maxBytes int) *Scrollback {
	if maxBytes <= 0 {
		maxBytes = DefaultScrollbackBytes
	}
	return &Scrollback{cap: maxBytes}
}

// Write appends PTY output, dropping the oldest bytes when over cap.
func (s *Scrollback) Write(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(b) >= s.cap {
		s.buf = append(s.buf[:0], b[len(b)-s.cap:]...)
		return
	}
	s.buf = append(s.buf, b...)
	if len(s.buf) > s.cap {
		drop := len(s.buf) - s.cap
		s.buf = append(s.buf[:0], s.buf[drop:]...)
	}
}

// Snapshot returns a copy of the retained bytes.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// Len returns the number of retained bytes.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
