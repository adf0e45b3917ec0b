package session

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/termgate/termgate/internal/fault"
	"github.com/termgate/termgate/internal/pty"
)

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) *Manager {
	t.Helper()
	cfg := ManagerConfig{
		EnabledModes: map[pty.Mode]bool{
			pty.ModeReadonlyTail: true,
			pty.ModeTmux:         true,
		},
		MaxSessionsPerUser: 4,
		AttachTokenTTL:     time.Minute,
		Session: Options{
			DetachGrace: time.Minute,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg, nil, nil)
	t.Cleanup(func() { m.CloseAll("test cleanup") })
	return m
}

func tailFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tail.log")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("creating tail file: %v", err)
	}
	return path
}

func tailRequest(t *testing.T) CreateRequest {
	return CreateRequest{Mode: "readonly_tail", Path: tailFile(t), Cols: 80, Rows: 24}
}

func TestCreateRejectsUnknownMode(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Create("alice", CreateRequest{Mode: "telnet"})
	if k, _ := fault.KindOf(err); k != fault.BadRequest {
		t.Errorf("kind = %v, want BadRequest (err: %v)", k, err)
	}

	_, err = m.Create("alice", CreateRequest{})
	if k, _ := fault.KindOf(err); k != fault.BadRequest {
		t.Errorf("kind = %v, want BadRequest (err: %v)", k, err)
	}
}

func TestCreateRejectsDisabledMode(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Create("alice", CreateRequest{Mode: "shell"})
	if k, _ := fault.KindOf(err); k != fault.ModeDisabled {
		t.Errorf("kind = %v, want ModeDisabled (err: %v)", k, err)
	}
}

func TestCreateRejectsBadTmuxName(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Create("alice", CreateRequest{Mode: "tmux", TmuxName: "has space"})
	if k, _ := fault.KindOf(err); k != fault.BadRequest {
		t.Errorf("kind = %v, want BadRequest (err: %v)", k, err)
	}

	_, err = m.Create("alice", CreateRequest{Mode: "tmux", TmuxName: "a;rm -rf /"})
	if k, _ := fault.KindOf(err); k != fault.BadRequest {
		t.Errorf("kind = %v, want BadRequest (err: %v)", k, err)
	}
}

func TestCreateRejectsBadCwd(t *testing.T) {
	m := newTestManager(t, nil)

	req := tailRequest(t)
	req.Cwd = "/definitely/not/a/dir"
	_, err := m.Create("alice", req)
	if k, _ := fault.KindOf(err); k != fault.BadRequest {
		t.Errorf("kind = %v, want BadRequest (err: %v)", k, err)
	}
}

func TestPerUserSessionCap(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) { c.MaxSessionsPerUser = 1 })

	if _, err := m.Create("alice", tailRequest(t)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := m.Create("alice", tailRequest(t))
	if k, _ := fault.KindOf(err); k != fault.CapExceeded {
		t.Errorf("kind = %v, want CapExceeded (err: %v)", k, err)
	}

	// The cap is per user, not global.
	if _, err := m.Create("bob", tailRequest(t)); err != nil {
		t.Errorf("other user blocked by alice's cap: %v", err)
	}
}

func TestConcurrentCreatesRespectCap(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) { c.MaxSessionsPerUser = 1 })

	const workers = 8
	reqs := make([]CreateRequest, workers)
	for i := range reqs {
		reqs[i] = tailRequest(t)
	}

	// Release all creates at once; the cap must hold even while spawns
	// are still in flight.
	start := make(chan struct{})
	var wg sync.WaitGroup
	var created atomic.Int32
	for _, req := range reqs {
		wg.Add(1)
		go func(req CreateRequest) {
			defer wg.Done()
			<-start
			_, err := m.Create("alice", req)
			if err == nil {
				created.Add(1)
				return
			}
			if k, _ := fault.KindOf(err); k != fault.CapExceeded {
				t.Errorf("kind = %v, want CapExceeded (err: %v)", k, err)
			}
		}(req)
	}
	close(start)
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("created = %d, want 1", created.Load())
	}
	if m.Count() != 1 {
		t.Errorf("session count = %d, want 1", m.Count())
	}
}

func TestAttachOrCreateReusesByResumeKey(t *testing.T) {
	m := newTestManager(t, nil)

	req := tailRequest(t)
	req.ResumeKey = "K"
	first, err := m.AttachOrCreate("alice", req)
	if err != nil {
		t.Fatalf("first attach-or-create: %v", err)
	}

	second, err := m.AttachOrCreate("alice", req)
	if err != nil {
		t.Fatalf("second attach-or-create: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("sessionId = %s, want %s", second.SessionID, first.SessionID)
	}
	if second.Token == first.Token {
		t.Error("resume reissued the same token")
	}
	if m.Count() != 1 {
		t.Errorf("session count = %d, want 1", m.Count())
	}

	// A different user's identical resumeKey gets its own session.
	bobReq := tailRequest(t)
	bobReq.ResumeKey = "K"
	bob, err := m.AttachOrCreate("bob", bobReq)
	if err != nil {
		t.Fatalf("bob attach-or-create: %v", err)
	}
	if bob.SessionID == first.SessionID {
		t.Error("resumeKey matched across users")
	}
}

func TestViewerQueueComesFromConfig(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) { c.Session.ViewerQueue = 32 })
	if got := m.ViewerQueue(); got != 32 {
		t.Errorf("viewer queue = %d, want 32", got)
	}

	m = newTestManager(t, nil)
	if got := m.ViewerQueue(); got != DefaultViewerQueue {
		t.Errorf("viewer queue = %d, want %d", got, DefaultViewerQueue)
	}
}

func TestResolveViewerEnforcesBinding(t *testing.T) {
	m := newTestManager(t, nil)

	res, err := m.AttachOrCreate("alice", tailRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Raw token on the chat endpoint fails.
	_, _, err = m.ResolveViewer(res.Token, res.SessionID, ViewChat)
	if k, _ := fault.KindOf(err); k != fault.Auth {
		t.Errorf("kind = %v, want Auth (err: %v)", k, err)
	}

	// The token was consumed by the failed attempt; single use.
	_, _, err = m.ResolveViewer(res.Token, res.SessionID, ViewRaw)
	if k, _ := fault.KindOf(err); k != fault.Auth {
		t.Errorf("kind = %v, want Auth (err: %v)", k, err)
	}

	// A fresh token with the right kind succeeds exactly once.
	token, err := m.Attach("alice", res.SessionID, 80, 24)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	s, binding, err := m.ResolveViewer(token, res.SessionID, ViewRaw)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.ID != res.SessionID {
		t.Errorf("resolved session = %s, want %s", s.ID, res.SessionID)
	}
	if binding.UserID != "alice" {
		t.Errorf("binding user = %s, want alice", binding.UserID)
	}
	if _, _, err := m.ResolveViewer(token, res.SessionID, ViewRaw); err == nil {
		t.Error("token resolved twice")
	}
}

func TestOwnershipHidesForeignSessions(t *testing.T) {
	m := newTestManager(t, nil)

	res, err := m.AttachOrCreate("alice", tailRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = m.Attach("mallory", res.SessionID, 0, 0)
	if k, _ := fault.KindOf(err); k != fault.NotFound {
		t.Errorf("kind = %v, want NotFound (err: %v)", k, err)
	}
	if err := m.Close("mallory", res.SessionID); err == nil {
		t.Error("foreign close succeeded")
	}
	if len(m.List("mallory")) != 0 {
		t.Error("foreign session listed")
	}
	if len(m.List("alice")) != 1 {
		t.Error("owner's session missing from list")
	}
}

func TestSweepClosesAfterDetachGrace(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) {
		c.Session.DetachGrace = 10 * time.Millisecond
	})

	res, err := m.AttachOrCreate("alice", tailRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s, ok := m.Get(res.SessionID)
	if !ok {
		t.Fatal("session not registered")
	}

	v := NewViewer(ViewRaw, "alice", 0)
	if err := s.AttachRaw(v); err != nil {
		t.Fatalf("attach: %v", err)
	}
	s.Detach(v)

	m.Sweep(time.Now().Add(time.Hour))

	deadline := time.Now().Add(10 * time.Second)
	for m.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session survived detach-grace sweep")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSweepClosesIdleViewerlessSessions(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) {
		c.Session.IdleTimeout = time.Minute
	})

	if _, err := m.AttachOrCreate("alice", tailRequest(t)); err != nil {
		t.Fatalf("create: %v", err)
	}

	m.Sweep(time.Now().Add(time.Hour))

	deadline := time.Now().Add(10 * time.Second)
	for m.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle session survived sweep")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseByOwner(t *testing.T) {
	m := newTestManager(t, nil)

	res, err := m.AttachOrCreate("alice", tailRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Close("alice", res.SessionID); err != nil {
		t.Fatalf("close: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for m.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
