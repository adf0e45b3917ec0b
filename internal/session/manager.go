package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/fault"
	"github.com/termgate/termgate/internal/pty"
)

// DefaultMaxSessionsPerUser caps concurrent sessions per user.
const DefaultMaxSessionsPerUser = 12

// janitorInterval paces the lifecycle sweep.
const janitorInterval = 5 * time.Second

// ManagerConfig is the policy the manager enforces.
type ManagerConfig struct {
	EnabledModes       map[pty.Mode]bool
	DefaultShell       string
	DefaultCwd         string
	TmuxPrefix         string
	TmuxMouse          bool
	MaxSessionsPerUser int
	AttachTokenTTL     time.Duration
	Session            Options
}

// CreateRequest is the body of attach-or-create.
type CreateRequest struct {
	Mode      string `json:"mode"`
	ResumeKey string `json:"resumeKey,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	TmuxName  string `json:"tmuxName,omitempty"`

	// Path is the absolute file followed by readonly_tail mode.
	Path string `json:"path,omitempty"`
}

// AttachResult links a created or resumed session to its attach token.
type AttachResult struct {
	SessionID string
	Token     string
	TmuxName  string
}

// Manager owns every live session: create, lookup, close, and the
// detach-grace / idle-timeout sweeps.
type Manager struct {
	cfg    ManagerConfig
	tokens *TokenRegistry

	mu       sync.Mutex
	sessions map[string]*Session
	// reserved counts in-flight creates per user, so the cap holds while
	// a spawn is still running outside the lock.
	reserved map[string]int

	sink   audit.Sink
	logger *slog.Logger
}

// NewManager creates a manager with the given policy.
func NewManager(cfg ManagerConfig, sink audit.Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	return &Manager{
		cfg:      cfg,
		tokens:   NewTokenRegistry(cfg.AttachTokenTTL),
		sessions: make(map[string]*Session),
		reserved: make(map[string]int),
		sink:     sink,
		logger:   logger,
	}
}

// AttachOrCreate resumes the caller's session matching req.ResumeKey, or
// creates a new one, and issues a raw attach token either way.
func (m *Manager) AttachOrCreate(userID string, req CreateRequest) (AttachResult, error) {
	if req.ResumeKey != "" {
		if s := m.findByResumeKey(userID, req.ResumeKey); s != nil {
			s.CancelGrace()
			token := m.tokens.Issue(TokenBinding{
				SessionID: s.ID,
				UserID:    userID,
				Kind:      ViewRaw,
				Cols:      req.Cols,
				Rows:      req.Rows,
			})
			return AttachResult{SessionID: s.ID, Token: token, TmuxName: s.TmuxName}, nil
		}
	}

	s, err := m.create(userID, req)
	if err != nil {
		return AttachResult{}, err
	}
	token := m.tokens.Issue(TokenBinding{
		SessionID: s.ID,
		UserID:    userID,
		Kind:      ViewRaw,
		Cols:      req.Cols,
		Rows:      req.Rows,
	})
	return AttachResult{SessionID: s.ID, Token: token, TmuxName: s.TmuxName}, nil
}

// Create spawns a new session without resume semantics.
func (m *Manager) Create(userID string, req CreateRequest) (AttachResult, error) {
	req.ResumeKey = ""
	return m.AttachOrCreate(userID, req)
}

func (m *Manager) create(userID string, req CreateRequest) (*Session, error) {
	mode := pty.Mode(req.Mode)
	switch mode {
	case pty.ModeShell, pty.ModeNode, pty.ModeReadonlyTail, pty.ModeTmux:
	case "":
		return nil, fault.New(fault.BadRequest, "mode is required")
	default:
		return nil, fault.New(fault.BadRequest, "unknown mode: %q", req.Mode)
	}
	if !m.cfg.EnabledModes[mode] {
		return nil, fault.New(fault.ModeDisabled, "mode %s is not enabled", mode)
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = m.cfg.DefaultCwd
	}
	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	var tmuxName string
	if mode == pty.ModeTmux {
		if !pty.TmuxNamePattern.MatchString(req.TmuxName) {
			return nil, fault.New(fault.BadRequest, "invalid tmux session name: %q", req.TmuxName)
		}
		tmuxName = m.cfg.TmuxPrefix + req.TmuxName
	}

	// Count and reserve in one critical section: racing creates must not
	// all pass the cap check while their spawns are in flight.
	m.mu.Lock()
	owned := 0
	for _, s := range m.sessions {
		if s.UserID == userID {
			owned++
		}
	}
	if owned+m.reserved[userID] >= m.cfg.MaxSessionsPerUser {
		m.mu.Unlock()
		return nil, fault.New(fault.CapExceeded, "session cap (%d) reached for user", m.cfg.MaxSessionsPerUser)
	}
	m.reserved[userID]++
	m.mu.Unlock()

	proc, err := pty.Spawn(pty.Config{
		Mode:      mode,
		Cwd:       cwd,
		Cols:      cols,
		Rows:      rows,
		Shell:     m.cfg.DefaultShell,
		TailPath:  req.Path,
		TmuxName:  tmuxName,
		TmuxMouse: m.cfg.TmuxMouse,
	}, m.logger)
	if err != nil {
		m.mu.Lock()
		m.releaseReservationLocked(userID)
		m.mu.Unlock()
		if k, _ := fault.KindOf(err); k == fault.Spawn {
			m.sink.Emit(audit.Event{Type: audit.TypeSpawnFail, UserID: userID, Detail: map[string]any{"mode": req.Mode, "error": err.Error()}})
		}
		return nil, err
	}

	id := uuid.NewString()
	s := New(id, userID, req.ResumeKey, proc, m.cfg.Session, m.sink, m.logger)
	s.TmuxName = tmuxName
	s.SetOnExit(m.remove)

	m.mu.Lock()
	m.sessions[id] = s
	m.releaseReservationLocked(userID)
	m.mu.Unlock()

	m.sink.Emit(audit.Event{Type: audit.TypeSessionCreate, UserID: userID, SessionID: id, Detail: map[string]any{"mode": req.Mode}})
	m.logger.Info("session created", "session_id", id, "user_id", userID, "mode", mode)
	return s, nil
}

func (m *Manager) releaseReservationLocked(userID string) {
	if m.reserved[userID] <= 1 {
		delete(m.reserved, userID)
		return
	}
	m.reserved[userID]--
}

// ViewerQueue returns the configured per-viewer send queue capacity for
// the gateway to size new viewers with.
func (m *Manager) ViewerQueue() int {
	if m.cfg.Session.ViewerQueue > 0 {
		return m.cfg.Session.ViewerQueue
	}
	return DefaultViewerQueue
}

// Attach issues a raw attach token for an existing session.
func (m *Manager) Attach(userID, sessionID string, cols, rows uint16) (string, error) {
	return m.issue(userID, sessionID, ViewRaw, cols, rows)
}

// AttachChat issues a chat attach token for an existing session.
func (m *Manager) AttachChat(userID, sessionID string, cols, rows uint16) (string, error) {
	return m.issue(userID, sessionID, ViewChat, cols, rows)
}

func (m *Manager) issue(userID, sessionID string, kind ViewKind, cols, rows uint16) (string, error) {
	s, err := m.owned(userID, sessionID)
	if err != nil {
		return "", err
	}
	return m.tokens.Issue(TokenBinding{
		SessionID: s.ID,
		UserID:    userID,
		Kind:      kind,
		Cols:      cols,
		Rows:      rows,
	}), nil
}

// ResolveViewer consumes an attach token at WS upgrade time and returns
// the bound session. The token must match the path's session id and the
// endpoint's view kind.
func (m *Manager) ResolveViewer(token, sessionID string, kind ViewKind) (*Session, TokenBinding, error) {
	b, err := m.tokens.Consume(token)
	if err != nil {
		return nil, TokenBinding{}, err
	}
	if b.SessionID != sessionID || b.Kind != kind {
		return nil, TokenBinding{}, fault.New(fault.Auth, "attach token does not match this endpoint")
	}
	s, ok := m.get(sessionID)
	if !ok {
		return nil, TokenBinding{}, fault.New(fault.NotFound, "unknown session: %s", sessionID)
	}
	return s, b, nil
}

// List returns the caller's sessions.
func (m *Manager) List(userID string) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s.Info())
		}
	}
	return out
}

// Close terminates a session on behalf of its owner.
func (m *Manager) Close(userID, sessionID string) error {
	s, err := m.owned(userID, sessionID)
	if err != nil {
		return err
	}
	m.sink.Emit(audit.Event{Type: audit.TypeSessionKill, UserID: userID, SessionID: sessionID})
	s.Close("api_close")
	return nil
}

// CloseAll terminates every session, e.g. on shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close(reason)
	}
}

// Run drives the lifecycle janitor until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep enforces detach grace and idle timeout at the given instant.
// Split out from Run so tests can drive it deterministically.
func (m *Manager) Sweep(now time.Time) {
	m.tokens.Sweep(now)

	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	for _, s := range candidates {
		switch {
		case s.GraceExpired(now):
			s.Close("detach_grace_expired")
		case s.IdleExpired(now):
			s.Close("idle_timeout")
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	return m.get(sessionID)
}

func (m *Manager) get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) owned(userID, sessionID string) (*Session, error) {
	s, ok := m.get(sessionID)
	if !ok {
		return nil, fault.New(fault.NotFound, "unknown session: %s", sessionID)
	}
	if s.UserID != userID {
		// Not revealing other users' session ids.
		return nil, fault.New(fault.NotFound, "unknown session: %s", sessionID)
	}
	return s, nil
}

func (m *Manager) findByResumeKey(userID, resumeKey string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.ResumeKey == resumeKey && !s.Closed() {
			return s
		}
	}
	return nil
}

// remove unregisters a session after its PTY exited.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	m.sink.Emit(audit.Event{Type: audit.TypeSessionClose, UserID: s.UserID, SessionID: s.ID})
}
