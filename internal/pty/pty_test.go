package pty

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/termgate/termgate/internal/fault"
)

func TestResolveArgvShell(t *testing.T) {
	argv, err := resolveArgv(Config{Mode: ModeShell, Shell: "/bin/zsh"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if argv[0] != "/bin/zsh" || argv[1] != "-l" {
		t.Errorf("argv = %v, want [/bin/zsh -l]", argv)
	}
}

func TestResolveArgvNode(t *testing.T) {
	argv, err := resolveArgv(Config{Mode: ModeNode})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(argv) != 1 || argv[0] != "node" {
		t.Errorf("argv = %v, want [node]", argv)
	}
}

func TestResolveArgvReadonlyTail(t *testing.T) {
	argv, err := resolveArgv(Config{Mode: ModeReadonlyTail, TailPath: "/var/log/app.log"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"tail", "-n", "200", "-f", "--", "/var/log/app.log"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %s, want %s", i, argv[i], want[i])
		}
	}

	_, err = resolveArgv(Config{Mode: ModeReadonlyTail})
	if k, _ := fault.KindOf(err); k != fault.BadRequest {
		t.Errorf("missing path kind = %v, want BadRequest", k)
	}

	_, err = resolveArgv(Config{Mode: ModeReadonlyTail, TailPath: "relative.log"})
	if k, _ := fault.KindOf(err); k != fault.BadRequest {
		t.Errorf("relative path kind = %v, want BadRequest", k)
	}
}

func TestResolveArgvTmux(t *testing.T) {
	argv, err := resolveArgv(Config{Mode: ModeTmux, TmuxName: "tg-demo", Cwd: "/tmp"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"tmux", "new-session", "-A", "-s", "tg-demo", "-c", "/tmp"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}

	argv, err = resolveArgv(Config{Mode: ModeTmux, TmuxName: "tg-demo", Cwd: "/tmp", TmuxMouse: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "set-option -g mouse on") {
		t.Errorf("argv = %v, want mouse option appended", argv)
	}

	for _, bad := range []string{"", "has space", "semi;colon", "slash/name"} {
		if _, err := resolveArgv(Config{Mode: ModeTmux, TmuxName: bad}); err == nil {
			t.Errorf("tmux name %q accepted", bad)
		}
	}
}

func TestResolveArgvUnknownMode(t *testing.T) {
	_, err := resolveArgv(Config{Mode: "telnet"})
	if k, _ := fault.KindOf(err); k != fault.BadRequest {
		t.Errorf("kind = %v, want BadRequest", k)
	}
}

func TestSpawnRejectsBadCwd(t *testing.T) {
	_, err := Spawn(Config{Mode: ModeShell, Shell: "/bin/sh", Cwd: "/no/such/dir", Cols: 80, Rows: 24}, nil)
	if k, _ := fault.KindOf(err); k != fault.BadRequest {
		t.Errorf("kind = %v, want BadRequest (err: %v)", k, err)
	}
}

func spawnTail(t *testing.T, path string) *Process {
	t.Helper()
	p, err := Spawn(Config{Mode: ModeReadonlyTail, TailPath: path, Cols: 80, Rows: 24}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestSpawnTailReadsOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	if err := os.WriteFile(path, []byte("first line\n"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	p := spawnTail(t, path)

	if p.Pid() == 0 {
		t.Error("pid = 0")
	}
	if p.Mode() != ModeReadonlyTail {
		t.Errorf("mode = %s, want readonly_tail", p.Mode())
	}

	buf := make([]byte, 4096)
	var collected strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(collected.String(), "first line") {
		if time.Now().After(deadline) {
			t.Fatalf("output %q never contained %q", collected.String(), "first line")
		}
		n, err := p.Read(buf)
		if n > 0 {
			collected.Write(buf[:n])
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestResizeIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	p := spawnTail(t, path)

	cols, rows := p.Size()
	if cols != 80 || rows != 24 {
		t.Errorf("size = %dx%d, want 80x24", cols, rows)
	}

	if err := p.Resize(120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if err := p.Resize(120, 40); err != nil {
		t.Errorf("repeated resize: %v", err)
	}
	cols, rows = p.Size()
	if cols != 120 || rows != 40 {
		t.Errorf("size = %dx%d, want 120x40", cols, rows)
	}
}

func TestExitStatusAfterKill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	p := spawnTail(t, path)

	if p.Exited() {
		t.Fatal("exited immediately")
	}
	if _, _, exited := p.ExitStatus(); exited {
		t.Fatal("exit status before exit")
	}

	p.Close()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("child never reaped")
	}

	code, signal, exited := p.ExitStatus()
	if !exited {
		t.Fatal("not marked exited")
	}
	if code != nil {
		t.Errorf("exit code = %d, want nil for signaled child", *code)
	}
	if signal != "killed" {
		t.Errorf("signal = %q, want killed", signal)
	}
}

func TestShellEcho(t *testing.T) {
	p, err := Spawn(Config{Mode: ModeShell, Shell: "/bin/sh", Cols: 80, Rows: 24}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(p.Close)

	if _, err := p.Write([]byte("echo termgate-$((20+3))\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4096)
	var collected strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(collected.String(), "termgate-23") {
		if time.Now().After(deadline) {
			t.Fatalf("output %q never contained %q", collected.String(), "termgate-23")
		}
		n, err := p.Read(buf)
		if n > 0 {
			collected.Write(buf[:n])
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}
