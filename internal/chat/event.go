// Package chat defines the shaped chat event model and the bounded,
// sequence-indexed ring buffer that retains recent events for replay.
//
// Chat viewers consume discrete events derived from PTY output; the raw
// byte view is handled separately by the session's scrollback buffer.
package chat

import "time"

// Event types emitted on the chat stream.
const (
	TypeHello         = "hello"
	TypeSnapshotReady = "snapshot_ready"
	TypeUserInput     = "user_input"
	TypeStdoutChunk   = "stdout_chunk"
	TypeStderrChunk   = "stderr_chunk"
	TypeMessagePatch  = "message_patch"
	TypeMessageCommit = "message_commit"
	TypePromptReady   = "prompt_ready"
	TypeExit          = "exit"
)

// Channel names for shaped messages.
const (
	ChannelStdout = "stdout"
	ChannelStderr = "stderr"
)

// ProtocolVersion is reported in the hello event.
const ProtocolVersion = 1

// Payload carries the type-specific fields of an Event. Unused fields are
// omitted from the wire encoding.
type Payload struct {
	// hello
	Version      int      `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// snapshot_ready
	ReplayEventCount int    `json:"replayEventCount,omitempty"`
	OldestSeq        uint64 `json:"oldestSeq,omitempty"`
	NewestSeq        uint64 `json:"newestSeq,omitempty"`

	// user_input / stdout_chunk / stderr_chunk
	Text      string `json:"text,omitempty"`
	MessageID string `json:"messageId,omitempty"`

	// message_patch
	AppendText string `json:"appendText,omitempty"`

	// message_commit
	FinalText string `json:"finalText,omitempty"`
	LineCount int    `json:"lineCount,omitempty"`

	// chunk/patch/commit channel
	Channel string `json:"channel,omitempty"`

	// debug-mode pre-strip text
	Raw           string `json:"raw,omitempty"`
	RawAppendText string `json:"rawAppendText,omitempty"`
	RawFinalText  string `json:"rawFinalText,omitempty"`

	// exit
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// Event is a single entry on a session's chat stream.
//
// Seq is per-session and strictly increasing for all non-meta events.
// Meta events (hello, snapshot_ready) carry Seq 0 and are never retained
// in the ring buffer.
type Event struct {
	Type      string  `json:"type"`
	Ts        int64   `json:"ts"`
	SessionID string  `json:"sessionId"`
	Seq       uint64  `json:"seq"`
	Payload   Payload `json:"payload"`
}

// IsMeta reports whether the event is a meta event excluded from the ring.
func (e Event) IsMeta() bool {
	return e.Type == TypeHello || e.Type == TypeSnapshotReady
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
