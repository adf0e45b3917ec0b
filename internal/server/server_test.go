package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/pty"
	"github.com/termgate/termgate/internal/session"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		AuthMode:          config.AuthModeNone,
		MaxWsMessageBytes: 1 << 20,
	}
	mgr := session.NewManager(session.ManagerConfig{
		EnabledModes: map[pty.Mode]bool{
			pty.ModeReadonlyTail: true,
		},
		MaxSessionsPerUser: 4,
		AttachTokenTTL:     time.Minute,
		Session: session.Options{
			DetachGrace: time.Minute,
		},
	}, nil, nil)
	t.Cleanup(func() { mgr.CloseAll("test cleanup") })

	srv := New(cfg, mgr, auth.None{}, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func tailBody(t *testing.T) map[string]any {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tail.log")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("creating tail file: %v", err)
	}
	return map[string]any{
		"mode": "readonly_tail",
		"path": path,
		"cols": 80,
		"rows": 24,
	}
}

func TestAttachOrCreateAndList(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/sessions/attach-or-create", tailBody(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var created attachResponse
	decodeBody(t, resp, &created)
	if created.SessionID == "" {
		t.Error("missing sessionId")
	}
	if created.AttachToken == "" {
		t.Error("missing attachToken")
	}
	wantPrefix := "ws://"
	if len(created.WsURL) < len(wantPrefix) || created.WsURL[:len(wantPrefix)] != wantPrefix {
		t.Errorf("wsUrl = %q, want ws:// scheme", created.WsURL)
	}

	listResp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed struct {
		Sessions []session.Info `json:"sessions"`
	}
	decodeBody(t, listResp, &listed)
	if len(listed.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(listed.Sessions))
	}
	if listed.Sessions[0].ID != created.SessionID {
		t.Errorf("listed id = %s, want %s", listed.Sessions[0].ID, created.SessionID)
	}
	if listed.Sessions[0].Mode != "readonly_tail" {
		t.Errorf("mode = %s, want readonly_tail", listed.Sessions[0].Mode)
	}
}

func TestCreateErrors(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/sessions/attach-or-create", map[string]any{"mode": "telnet"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown mode status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["kind"] != "bad_request" {
		t.Errorf("kind = %q, want bad_request", body["kind"])
	}

	resp = postJSON(t, ts.URL+"/api/sessions/attach-or-create", map[string]any{"mode": "shell"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("disabled mode status = %d, want 400", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	if body["kind"] != "mode_disabled" {
		t.Errorf("kind = %q, want mode_disabled", body["kind"])
	}
}

func TestAttachUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/sessions/nope/attach", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCloseSession(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/sessions/attach-or-create", tailBody(t))
	var created attachResponse
	decodeBody(t, resp, &created)

	closeResp := postJSON(t, ts.URL+"/api/sessions/"+created.SessionID+"/close", map[string]any{})
	if closeResp.StatusCode != http.StatusNoContent {
		t.Errorf("close status = %d, want 204", closeResp.StatusCode)
	}
	closeResp.Body.Close()
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
