// Package audit writes newline-delimited JSON audit records.
//
// One record per event: timestamp, event type, and the user/session the
// event concerns. The core emits events to a Sink; the file-backed sink
// here is the default, and NopSink stands in when auditing is disabled.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Audit event types.
const (
	TypeAuthOK        = "auth_ok"
	TypeAuthFail      = "auth_fail"
	TypeSessionCreate = "session_create"
	TypeSessionClose  = "session_close"
	TypeSessionKill   = "session_kill"
	TypeSessionAttach = "session_attach"
	TypeSessionDetach = "session_detach"
	TypeSessionResize = "session_resize"
	TypeChatAttach    = "chat_attach"
	TypeChatDetach    = "chat_detach"
	TypeSpawnFail     = "spawn_fail"
	TypeViewerEvict   = "viewer_evict"
	TypeTTSDrop       = "tts_drop"
)

// Event is one audit record.
type Event struct {
	At        time.Time      `json:"at"`
	Type      string         `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Sink receives audit events. Emit must not block the caller for long;
// implementations buffer or drop rather than stall the session runtime.
type Sink interface {
	Emit(Event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

// FileSink appends NDJSON records to a file.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	logger *slog.Logger
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), logger: logger}, nil
}

// Emit writes one record. Write failures are logged, never surfaced;
// auditing must not take the session runtime down.
func (s *FileSink) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		s.logger.Warn("audit write failed", "type", e.Type, "error", err)
	}
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
