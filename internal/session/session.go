// Package session implements the session runtime: it binds a PTY process
// to a scrollback buffer and a stream shaper, multiplexes attached raw
// and chat viewers, and enforces the detach-grace and idle lifecycle.
//
// All mutable session state (viewer sets, ring, timestamps) is guarded by
// a single mutex held for short critical sections; the PTY read loop is
// the sole producer on the output path, and each viewer drains its own
// bounded queue so one slow consumer can never stall the session.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/chat"
	"github.com/termgate/termgate/internal/fault"
	"github.com/termgate/termgate/internal/pty"
	"github.com/termgate/termgate/internal/shaper"
)

// WebSocket close codes used on the viewer path.
const (
	CloseNormal        = 1000
	ClosePolicy        = 1008
	CloseTooBig        = 1009
	CloseInternalError = 1011
	CloseTryAgainLater = 1013
)

// Session lifecycle states as derived for listings.
const (
	StateRunning = "running"
	StateIdle    = "idle"
	StateExited  = "exited"
)

// DefaultInputQueue bounds queued user input awaiting the PTY write.
const DefaultInputQueue = 128

// Options configures a session's buffers and policy.
type Options struct {
	ScrollbackBytes int
	RingSize        int
	ViewerQueue     int
	InputQueue      int
	DetachGrace     time.Duration
	IdleTimeout     time.Duration
	Shaper          shaper.Config
}

// Info is the listing view of a session.
type Info struct {
	ID             string    `json:"sessionId"`
	Mode           string    `json:"mode"`
	Cwd            string    `json:"cwd"`
	TmuxName       string    `json:"tmuxName,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	State          string    `json:"state"`
	RawViewers     int       `json:"rawViewers"`
	ChatViewers    int       `json:"chatViewers"`
}

// rawControl is a text-frame control message on the raw view.
type rawControl struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// Session owns exactly one PTY process plus its scrollback, shaper, ring,
// and attached viewers.
type Session struct {
	ID        string
	UserID    string
	ResumeKey string
	TmuxName  string
	Cwd       string
	CreatedAt time.Time

	proc   *pty.Process
	scroll *Scrollback
	shp    *shaper.Shaper
	opts   Options

	mu             sync.Mutex
	ring           *chat.Ring
	rawViewers     map[*Viewer]struct{}
	chatViewers    map[*Viewer]struct{}
	taps           []chan []byte
	nextSeq        uint64
	lastActivity   time.Time
	detachDeadline time.Time
	state          string
	closed         bool

	inputCh   chan []byte
	closeOnce sync.Once

	// onExit is invoked once after the PTY has exited and all viewers
	// are dropped; the manager uses it to unregister the session.
	onExit func(*Session)

	sink   audit.Sink
	logger *slog.Logger
}

// New wires a session around an already-spawned PTY process and starts
// its read and write loops.
func New(id, userID, resumeKey string, proc *pty.Process, opts Options, sink audit.Sink, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	if opts.InputQueue <= 0 {
		opts.InputQueue = DefaultInputQueue
	}
	now := time.Now()
	s := &Session{
		ID:           id,
		UserID:       userID,
		ResumeKey:    resumeKey,
		Cwd:          proc.Cwd(),
		CreatedAt:    now,
		proc:         proc,
		scroll:       NewScrollback(opts.ScrollbackBytes),
		opts:         opts,
		ring:         chat.NewRing(opts.RingSize),
		rawViewers:   make(map[*Viewer]struct{}),
		chatViewers:  make(map[*Viewer]struct{}),
		lastActivity: now,
		state:        StateRunning,
		inputCh:      make(chan []byte, opts.InputQueue),
		sink:         sink,
		logger:       logger.With("session_id", id),
	}
	s.shp = shaper.New(opts.Shaper, s.emitEvent)

	go s.readLoop()
	go s.writeLoop()
	return s
}

// Mode returns the PTY spawn mode.
func (s *Session) Mode() pty.Mode { return s.proc.Mode() }

// SetOnExit registers the manager's cleanup callback. Must be called
// before the PTY can exit (i.e. right after New).
func (s *Session) SetOnExit(fn func(*Session)) { s.onExit = fn }

// readLoop pumps PTY output into the scrollback, the raw viewers, the
// taps, and the shaper until the PTY is drained.
func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.handleOutput(chunk)
		}
		if err != nil {
			break
		}
	}
	s.handleExit()
}

// writeLoop drains the bounded input queue into the PTY. Kernel-level
// write backpressure stalls only this goroutine.
func (s *Session) writeLoop() {
	for {
		select {
		case b := <-s.inputCh:
			if _, err := s.proc.Write(b); err != nil {
				s.logger.Debug("PTY write failed", "error", err)
			}
		case <-s.proc.Done():
			return
		}
	}
}

// handleOutput is the fan-out path for one chunk of PTY output.
func (s *Session) handleOutput(chunk []byte) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.scroll.Write(chunk)

	var evicted []*Viewer
	for v := range s.rawViewers {
		if !v.enqueue(Frame{Kind: FrameBinary, Data: chunk}) {
			v.shutdown(CloseTryAgainLater)
			delete(s.rawViewers, v)
			evicted = append(evicted, v)
		}
	}

	var dropped bool
	for _, tap := range s.taps {
		select {
		case tap <- chunk:
		default:
			dropped = true
		}
	}
	s.mu.Unlock()

	for _, v := range evicted {
		s.auditEvict(v)
	}
	if dropped {
		s.sink.Emit(audit.Event{Type: audit.TypeTTSDrop, SessionID: s.ID})
	}

	s.shp.Feed(chat.ChannelStdout, chunk)
}

// emitEvent stamps, sequences, stores, and fans out one chat event. It is
// the shaper's emit sink and is also used for synthesized user_input.
func (s *Session) emitEvent(eventType string, p chat.Payload) {
	ev := chat.Event{
		Type:      eventType,
		Ts:        chat.NowMillis(),
		SessionID: s.ID,
		Payload:   p,
	}

	s.mu.Lock()
	if !ev.IsMeta() {
		s.nextSeq++
		ev.Seq = s.nextSeq
		s.ring.Append(ev)
	}
	switch eventType {
	case chat.TypePromptReady:
		s.state = StateIdle
	case chat.TypeStdoutChunk, chat.TypeStderrChunk, chat.TypeMessagePatch:
		s.state = StateRunning
	case chat.TypeExit:
		s.state = StateExited
	}
	evicted := s.fanoutChatLocked(ev)
	s.mu.Unlock()

	for _, v := range evicted {
		s.auditEvict(v)
	}
}

// fanoutChatLocked delivers ev to every chat viewer, skipping viewers
// that already saw it during replay. Callers hold s.mu.
func (s *Session) fanoutChatLocked(ev chat.Event) []*Viewer {
	if len(s.chatViewers) == 0 {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal chat event", "type", ev.Type, "error", err)
		return nil
	}
	var evicted []*Viewer
	for v := range s.chatViewers {
		if ev.Seq != 0 && ev.Seq <= v.lastSeq {
			continue
		}
		if !v.enqueue(Frame{Kind: FrameText, Data: data}) {
			v.shutdown(CloseTryAgainLater)
			delete(s.chatViewers, v)
			evicted = append(evicted, v)
			continue
		}
		if ev.Seq != 0 {
			v.lastSeq = ev.Seq
		}
	}
	return evicted
}

// Write queues user input bytes for the PTY. Overflow of the bounded
// queue surfaces as a Backpressure error rather than blocking.
func (s *Session) Write(b []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fault.New(fault.NotFound, "session %s is closed", s.ID)
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.proc.Mode() == pty.ModeReadonlyTail {
		// readonly_tail exposes no write path.
		return nil
	}

	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case s.inputCh <- cp:
		return nil
	case <-s.proc.Done():
		return fault.New(fault.NotFound, "session %s is closed", s.ID)
	default:
		return fault.New(fault.Backpressure, "input queue full on session %s", s.ID)
	}
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows uint16) error {
	return s.proc.Resize(cols, rows)
}

// SendUserInput synthesizes a user_input chat event for display. The raw
// keystrokes reach the PTY separately via Write.
func (s *Session) SendUserInput(text, messageID string) {
	if messageID == "" {
		messageID = shaper.NewMessageID()
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.emitEvent(chat.TypeUserInput, chat.Payload{Text: text, MessageID: messageID})
}

// AttachRaw registers a raw viewer and queues the scrollback snapshot;
// live bytes follow as they arrive.
func (s *Session) AttachRaw(v *Viewer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fault.New(fault.NotFound, "session %s is closed", s.ID)
	}

	// Snapshot and registration share the critical section with
	// handleOutput, so every output byte lands in exactly one of the
	// snapshot or the live stream.
	frame, err := json.Marshal(rawControl{Type: "snapshot", Data: string(s.scroll.Snapshot())})
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	s.rawViewers[v] = struct{}{}
	s.detachDeadline = time.Time{}
	v.enqueue(Frame{Kind: FrameText, Data: frame})
	return nil
}

// AttachChat registers a chat viewer and replays retained events after
// afterSeq: hello first, then the replay range, then snapshot_ready, then
// live events.
//
// Registration and replay happen under the same lock the emit path takes,
// so an event raised during replay is delivered exactly once: it lands in
// the viewer's queue after snapshot_ready, and the viewer's lastSeq bound
// discards anything the replay already covered.
func (s *Session) AttachChat(v *Viewer, afterSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fault.New(fault.NotFound, "session %s is closed", s.ID)
	}

	s.chatViewers[v] = struct{}{}
	s.detachDeadline = time.Time{}

	// The gateway does not drain the viewer until attach returns, so the
	// queue must hold the whole replay plus both meta events up front;
	// the original capacity remains as live headroom.
	replay := s.ring.RangeAfter(afterSeq)
	v.ensureCapacity(len(replay) + 2 + cap(v.sendCh))

	enqueueEvent := func(ev chat.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		v.enqueue(Frame{Kind: FrameText, Data: data})
	}

	enqueueEvent(chat.Event{
		Type:      chat.TypeHello,
		Ts:        chat.NowMillis(),
		SessionID: s.ID,
		Payload: chat.Payload{
			Version:      chat.ProtocolVersion,
			Capabilities: []string{"replay", "prompt-detect"},
		},
	})

	// afterSeq below the oldest retained seq yields a silent partial
	// replay; snapshot_ready's oldestSeq lets the client observe the gap.
	v.lastSeq = afterSeq
	for _, ev := range replay {
		enqueueEvent(ev)
		v.lastSeq = ev.Seq
	}

	oldest, newest := s.ring.Range()
	enqueueEvent(chat.Event{
		Type:      chat.TypeSnapshotReady,
		Ts:        chat.NowMillis(),
		SessionID: s.ID,
		Payload: chat.Payload{
			ReplayEventCount: len(replay),
			OldestSeq:        oldest,
			NewestSeq:        newest,
		},
	})
	return nil
}

// Detach removes a viewer. When the last viewer of either kind leaves,
// the detach-grace window is armed.
func (s *Session) Detach(v *Viewer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rawViewers[v]; ok {
		delete(s.rawViewers, v)
	} else if _, ok := s.chatViewers[v]; ok {
		delete(s.chatViewers, v)
	} else {
		return
	}
	v.shutdown(CloseNormal)

	if !s.closed && len(s.rawViewers) == 0 && len(s.chatViewers) == 0 {
		s.detachDeadline = time.Now().Add(s.opts.DetachGrace)
	}
}

// CancelGrace clears a pending detach-grace deadline, e.g. when a
// resume-keyed create reuses the session before any viewer reattaches.
func (s *Session) CancelGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachDeadline = time.Time{}
}

// TapOutput returns a channel receiving copies of raw PTY output, for
// subscribers like the TTS engine. Sends never block; dropped chunks are
// audited. The channel closes when the session ends.
func (s *Session) TapOutput() <-chan []byte {
	ch := make(chan []byte, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.taps = append(s.taps, ch)
	return ch
}

// handleExit runs once the PTY output is drained: commit any in-flight
// message, emit exit, drop every viewer, and notify the manager.
func (s *Session) handleExit() {
	// Give the reaper a moment; EOF almost always means the child is gone.
	select {
	case <-s.proc.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("PTY EOF without child exit; forcing close")
		s.proc.Close()
		<-s.proc.Done()
	}

	code, signal, _ := s.proc.ExitStatus()
	s.shp.Close(code, signal)

	exitFrame, _ := json.Marshal(rawControl{Type: "exit"})

	s.mu.Lock()
	s.closed = true
	s.state = StateExited
	for v := range s.rawViewers {
		v.enqueue(Frame{Kind: FrameText, Data: exitFrame})
		v.shutdown(CloseNormal)
		delete(s.rawViewers, v)
	}
	for v := range s.chatViewers {
		v.shutdown(CloseNormal)
		delete(s.chatViewers, v)
	}
	for _, tap := range s.taps {
		close(tap)
	}
	s.taps = nil
	s.mu.Unlock()

	s.logger.Info("session exited", "exit_code", code, "signal", signal)
	if s.onExit != nil {
		s.onExit(s)
	}
}

// Close kills the PTY; the read loop then drains and runs the exit path.
// Safe to call more than once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.logger.Info("closing session", "reason", reason)
		s.proc.Close()
	})
}

// Info returns the listing view.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:             s.ID,
		Mode:           string(s.proc.Mode()),
		Cwd:            s.Cwd,
		TmuxName:       s.TmuxName,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
		State:          s.state,
		RawViewers:     len(s.rawViewers),
		ChatViewers:    len(s.chatViewers),
	}
}

// ViewerCount returns the total number of attached viewers.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rawViewers) + len(s.chatViewers)
}

// GraceExpired reports whether the detach-grace window has elapsed with
// no viewers attached.
func (s *Session) GraceExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.detachDeadline.IsZero() &&
		now.After(s.detachDeadline) &&
		len(s.rawViewers) == 0 && len(s.chatViewers) == 0
}

// IdleExpired reports whether the session has been viewerless and
// inactive beyond the idle timeout.
func (s *Session) IdleExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rawViewers) != 0 || len(s.chatViewers) != 0 {
		return false
	}
	return s.opts.IdleTimeout > 0 && now.Sub(s.lastActivity) > s.opts.IdleTimeout
}

// Closed reports whether the session reached its terminal state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) auditEvict(v *Viewer) {
	s.logger.Warn("evicted slow viewer", "viewer_id", v.ID, "kind", v.Kind)
	s.sink.Emit(audit.Event{
		Type:      audit.TypeViewerEvict,
		UserID:    v.UserID,
		SessionID: s.ID,
		Detail:    map[string]any{"viewKind": string(v.Kind)},
	})
}
