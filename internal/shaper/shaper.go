// Package shaper converts a raw PTY byte stream into discrete, ordered
// chat events.
//
// Bytes open a message (stdout_chunk/stderr_chunk), accumulate into it
// (message_patch), and close it (message_commit) when one of the flush
// conditions fires: a prompt pattern matches, the accumulated line count
// reaches the configured maximum, the channel switches, a quiet period
// elapses with no new bytes, or the PTY exits.
package shaper

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/termgate/termgate/internal/chat"
)

// Defaults for shaping behavior.
const (
	DefaultQuietFlush    = 200 * time.Millisecond
	DefaultMaxLinesFlush = 80
)

// DefaultPromptPatterns match common shell prompts at the tail of the
// accumulated text: plain $ % > # prompts, the oh-my-zsh arrow, and
// bracketed [user@host dir]$ prompts.
var DefaultPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|\n)[^\n]*\[[^\[\]\s]+@[^\[\]\s]+ [^\[\]]+\][$#] ?$`),
	regexp.MustCompile(`(^|\n)[^\n]*➜[^\n]* ?$`),
	regexp.MustCompile(`[$%>#] ?$`),
}

// Emit receives each shaped event. The payload carries all type-specific
// fields; the caller assigns seq, timestamp, and session id.
type Emit func(eventType string, p chat.Payload)

// Config controls shaping behavior.
type Config struct {
	// StripAnsi removes escape sequences and carriage-return overwrites
	// from shaped text.
	StripAnsi bool

	// QuietFlush is how long a message may sit without new bytes before
	// it is committed.
	QuietFlush time.Duration

	// MaxLinesFlush commits a message once it accumulates this many lines.
	MaxLinesFlush int

	// Debug includes the pre-strip raw text in every chunk, patch, and
	// commit payload.
	Debug bool

	// PromptPatterns override DefaultPromptPatterns when non-nil.
	PromptPatterns []*regexp.Regexp
}

func (c *Config) applyDefaults() {
	if c.QuietFlush <= 0 {
		c.QuietFlush = DefaultQuietFlush
	}
	if c.MaxLinesFlush <= 0 {
		c.MaxLinesFlush = DefaultMaxLinesFlush
	}
	if c.PromptPatterns == nil {
		c.PromptPatterns = DefaultPromptPatterns
	}
}

// messageCounter feeds the monotonic part of message ids, process-wide.
var messageCounter atomic.Uint64

// NewMessageID returns a fresh message id of the form
// "msg-<monotonic>-<rand32 hex>".
func NewMessageID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("msg-%d-%s", messageCounter.Add(1), hex.EncodeToString(b[:]))
}

// Shaper is the per-session stream shaping state machine. It is safe for
// concurrent use; the quiet-flush timer and the PTY read loop may race.
type Shaper struct {
	cfg  Config
	emit Emit

	mu     sync.Mutex
	closed bool

	// Appending state; messageID is empty when idle.
	messageID string
	channel   string
	text      strings.Builder
	rawText   strings.Builder
	lineCount int

	// escCarry holds an escape sequence cut off at a chunk boundary.
	escCarry []byte

	// crCarry records a chunk that ended in \r: the next chunk decides
	// whether it was half of a CRLF or an overwrite.
	crCarry bool

	quietTimer *time.Timer
}

// New creates a shaper that reports events through emit.
func New(cfg Config, emit Emit) *Shaper {
	cfg.applyDefaults()
	return &Shaper{cfg: cfg, emit: emit}
}

// Feed processes a chunk of PTY output attributed to channel
// (chat.ChannelStdout or chat.ChannelStderr).
func (s *Shaper) Feed(channel string, b []byte) {
	if len(b) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// Close the open message before switching channels.
	if s.messageID != "" && s.channel != channel {
		s.commitLocked()
	}

	raw := string(b)
	text := raw
	if s.cfg.StripAnsi {
		if len(s.escCarry) > 0 {
			b = append(s.escCarry, b...)
			s.escCarry = nil
		}
		stripped, carry := stripEscapes(b)
		s.escCarry = carry

		// A trailing \r is ambiguous until the next bytes arrive: PTY
		// lines end in \r\n and the read boundary can split the pair.
		// Hold the \r back, same as escCarry does for escapes, so the
		// overwrite rule never eats a line whose \n is still in flight.
		t := string(stripped)
		if s.crCarry {
			t = "\r" + t
			s.crCarry = false
		}
		if strings.HasSuffix(t, "\r") {
			s.crCarry = true
			t = strings.TrimSuffix(t, "\r")
		}
		text = normalizeText(t)
	}

	if s.messageID == "" {
		s.messageID = NewMessageID()
		s.channel = channel
		s.text.Reset()
		s.rawText.Reset()
		s.lineCount = 0
		open := chat.Payload{
			MessageID: s.messageID,
			Channel:   channel,
		}
		if s.cfg.Debug {
			open.Raw = raw
		}
		s.emit(chunkType(channel), open)
	}

	s.rawText.WriteString(raw)
	if text != "" {
		s.text.WriteString(text)
		s.lineCount += strings.Count(text, "\n")
		p := chat.Payload{
			MessageID:  s.messageID,
			AppendText: text,
			Channel:    channel,
		}
		if s.cfg.Debug {
			p.RawAppendText = raw
		}
		s.emit(chat.TypeMessagePatch, p)
	}

	if s.lineCount >= s.cfg.MaxLinesFlush {
		s.commitLocked()
		return
	}
	if s.promptMatches() {
		s.commitLocked()
		s.emit(chat.TypePromptReady, chat.Payload{})
		return
	}
	s.armQuietTimerLocked()
}

// Close commits any in-flight message and emits the exit event. Further
// feeds are ignored.
func (s *Shaper) Close(exitCode *int, signal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.messageID != "" {
		s.commitLocked()
	}
	s.closed = true
	s.emit(chat.TypeExit, chat.Payload{ExitCode: exitCode, Signal: signal})
}

// promptMatches checks the accumulated text against the prompt patterns.
func (s *Shaper) promptMatches() bool {
	text := s.text.String()
	if text == "" {
		return false
	}
	for _, re := range s.cfg.PromptPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// armQuietTimerLocked (re)arms the one-shot quiet-flush timer for the
// current message. The message id guards against a stale fire committing
// a newer message.
func (s *Shaper) armQuietTimerLocked() {
	if s.quietTimer != nil {
		s.quietTimer.Stop()
	}
	id := s.messageID
	s.quietTimer = time.AfterFunc(s.cfg.QuietFlush, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.messageID != id {
			return
		}
		s.commitLocked()
	})
}

// commitLocked emits message_commit for the open message and returns the
// shaper to idle. Callers hold s.mu.
func (s *Shaper) commitLocked() {
	if s.quietTimer != nil {
		s.quietTimer.Stop()
		s.quietTimer = nil
	}
	final := s.text.String()
	p := chat.Payload{
		MessageID: s.messageID,
		FinalText: final,
		LineCount: strings.Count(final, "\n"),
		Channel:   s.channel,
	}
	if s.cfg.Debug {
		p.RawFinalText = s.rawText.String()
	}
	s.emit(chat.TypeMessageCommit, p)
	s.messageID = ""
	s.text.Reset()
	s.rawText.Reset()
	s.lineCount = 0
}

func chunkType(channel string) string {
	if channel == chat.ChannelStderr {
		return chat.TypeStderrChunk
	}
	return chat.TypeStdoutChunk
}
