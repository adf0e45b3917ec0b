package session

import (
	"github.com/google/uuid"
)

// ViewKind distinguishes the two client views of a session.
type ViewKind string

const (
	// ViewRaw streams opaque terminal bytes for xterm-compatible clients.
	ViewRaw ViewKind = "raw"
	// ViewChat streams shaped chat events.
	ViewChat ViewKind = "chat"
)

// FrameKind tags an outbound frame on a viewer queue.
type FrameKind int

const (
	// FrameBinary carries raw PTY bytes (WebSocket binary frame).
	FrameBinary FrameKind = iota
	// FrameText carries JSON (control messages or chat events).
	FrameText
	// FrameClose instructs the sender to close the socket with Code.
	FrameClose
)

// Frame is one item on a viewer's send queue.
type Frame struct {
	Kind FrameKind
	Data []byte
	Code int
}

// DefaultViewerQueue bounds the per-viewer send queue.
const DefaultViewerQueue = 256

// Viewer is one attached WebSocket consumer. It is a weak participant:
// the session enqueues frames without ever blocking, and a viewer whose
// queue overflows is evicted rather than slowing the session.
//
// The session is the sole producer (under its lock); the gateway's sender
// goroutine is the sole consumer.
type Viewer struct {
	ID     string
	Kind   ViewKind
	UserID string

	sendCh chan Frame
	closed bool

	// lastSeq is the highest chat seq delivered; events at or below it
	// are discarded so replay and live streams never overlap.
	lastSeq uint64
}

// NewViewer creates a viewer with a bounded send queue.
func NewViewer(kind ViewKind, userID string, queueCap int) *Viewer {
	if queueCap <= 0 {
		queueCap = DefaultViewerQueue
	}
	return &Viewer{
		ID:     uuid.NewString(),
		Kind:   kind,
		UserID: userID,
		sendCh: make(chan Frame, queueCap),
	}
}

// Frames is consumed by the gateway's sender goroutine. The channel is
// closed after a FrameClose (or when the session shuts the viewer down).
func (v *Viewer) Frames() <-chan Frame { return v.sendCh }

// enqueue adds a frame without blocking. It returns false on overflow;
// the caller evicts the viewer. Only the owning session calls this, under
// its lock.
func (v *Viewer) enqueue(f Frame) bool {
	if v.closed {
		return true
	}
	select {
	case v.sendCh <- f:
		return true
	default:
		return false
	}
}

// ensureCapacity swaps in a larger send queue, carrying over any frames
// already buffered. Only the owning session calls this, under its lock,
// and only during attach, before the gateway's sender goroutine starts
// draining Frames.
func (v *Viewer) ensureCapacity(n int) {
	if v.closed || cap(v.sendCh) >= n {
		return
	}
	ch := make(chan Frame, n)
drain:
	for {
		select {
		case f := <-v.sendCh:
			ch <- f
		default:
			break drain
		}
	}
	v.sendCh = ch
}

// shutdown pushes a close frame (best effort) and closes the queue.
// Only the owning session calls this, under its lock.
func (v *Viewer) shutdown(code int) {
	if v.closed {
		return
	}
	v.closed = true
	select {
	case v.sendCh <- Frame{Kind: FrameClose, Code: code}:
	default:
	}
	close(v.sendCh)
}
