// Package pty owns the pseudo-terminal process backing a session.
//
// A Process wraps the master PTY file descriptor and the child command.
// The child is spawned once; after it exits the Process is terminal and
// a new session is required to get a fresh one.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/termgate/termgate/internal/fault"
)

// Mode selects what runs inside the PTY.
type Mode string

const (
	// ModeShell runs the configured login shell.
	ModeShell Mode = "shell"
	// ModeNode runs a node REPL.
	ModeNode Mode = "node"
	// ModeReadonlyTail follows a file with tail -f; no write path exists.
	ModeReadonlyTail Mode = "readonly_tail"
	// ModeTmux attaches to (or creates) a named tmux session, which is
	// the cross-process sharing primitive.
	ModeTmux Mode = "tmux"
)

// TmuxNamePattern constrains tmux session names.
var TmuxNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Config describes the process to spawn.
type Config struct {
	Mode Mode

	// Cwd is the working directory for the child.
	Cwd string

	// Cols and Rows are the initial window size.
	Cols uint16
	Rows uint16

	// Shell is the login shell used by ModeShell.
	Shell string

	// TailPath is the absolute file path followed by ModeReadonlyTail.
	TailPath string

	// TmuxName and TmuxMouse apply to ModeTmux.
	TmuxName  string
	TmuxMouse bool

	// Env entries are appended to the inherited environment.
	Env []string
}

// Process is a spawned PTY child. All methods are safe for concurrent use.
type Process struct {
	mu   sync.Mutex
	ptmx *os.File
	cmd  *exec.Cmd

	cols uint16
	rows uint16
	mode Mode
	cwd  string

	// Exit status, set once by the wait goroutine.
	done     chan struct{}
	exitCode *int
	signal   string

	logger *slog.Logger
}

// resolveArgv maps the mode to the command line, validating mode-specific
// fields.
func resolveArgv(cfg Config) ([]string, error) {
	switch cfg.Mode {
	case ModeShell:
		shell := cfg.Shell
		if shell == "" {
			shell = os.Getenv("SHELL")
		}
		if shell == "" {
			shell = "/bin/bash"
		}
		return []string{shell, "-l"}, nil
	case ModeNode:
		return []string{"node"}, nil
	case ModeReadonlyTail:
		if cfg.TailPath == "" {
			return nil, fault.New(fault.BadRequest, "readonly_tail requires a path")
		}
		if !filepath.IsAbs(cfg.TailPath) {
			return nil, fault.New(fault.BadRequest, "readonly_tail path must be absolute: %s", cfg.TailPath)
		}
		return []string{"tail", "-n", "200", "-f", "--", cfg.TailPath}, nil
	case ModeTmux:
		if !TmuxNamePattern.MatchString(cfg.TmuxName) {
			return nil, fault.New(fault.BadRequest, "invalid tmux session name: %q", cfg.TmuxName)
		}
		// -A attaches when the named session already exists.
		argv := []string{"tmux", "new-session", "-A", "-s", cfg.TmuxName, "-c", cfg.Cwd}
		if cfg.TmuxMouse {
			argv = append(argv, ";", "set-option", "-g", "mouse", "on")
		}
		return argv, nil
	default:
		return nil, fault.New(fault.BadRequest, "unknown mode: %q", cfg.Mode)
	}
}

// Spawn starts the child in a fresh PTY sized per cfg.
func Spawn(cfg Config, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}

	argv, err := resolveArgv(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Cwd != "" {
		info, err := os.Stat(cfg.Cwd)
		if err != nil || !info.IsDir() {
			return nil, fault.New(fault.BadRequest, "invalid working directory: %s", cfg.Cwd)
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.Cwd
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: cfg.Rows,
		Cols: cfg.Cols,
	})
	if err != nil {
		return nil, fault.Wrap(fault.Spawn, err, fmt.Sprintf("spawning %s", argv[0]))
	}

	p := &Process{
		ptmx:   ptmx,
		cmd:    cmd,
		cols:   cfg.Cols,
		rows:   cfg.Rows,
		mode:   cfg.Mode,
		cwd:    cfg.Cwd,
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.wait()

	logger.Info("PTY spawned", "mode", cfg.Mode, "pid", cmd.Process.Pid, "dir", cfg.Cwd)
	return p, nil
}

// wait reaps the child and records its exit status exactly once.
func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code := 0
		p.exitCode = &code
	case errors.As(err, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.signal = ws.Signal().String()
		} else {
			code := exitErr.ExitCode()
			p.exitCode = &code
		}
	default:
		p.logger.Warn("PTY wait failed", "error", err)
	}
	p.mu.Unlock()

	close(p.done)
}

// Read reads PTY output. It returns an error once the child has exited
// and the buffered output is drained.
func (p *Process) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// Write writes input bytes to the PTY. Writes may block under kernel
// backpressure; the session bounds them with its input queue.
func (p *Process) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

// Resize changes the PTY window size. It is idempotent and a no-op when
// the size is unchanged.
func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cols == p.cols && rows == p.rows {
		return nil
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resizing pty: %w", err)
	}
	p.cols = cols
	p.rows = rows
	return nil
}

// Size returns the current window size.
func (p *Process) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Pid returns the child's pid.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Mode returns the spawn mode.
func (p *Process) Mode() Mode { return p.mode }

// Cwd returns the child's working directory.
func (p *Process) Cwd() string { return p.cwd }

// Kill sends sig to the child. It fails silently once the child exited.
func (p *Process) Kill(sig os.Signal) {
	if p.cmd.Process == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		p.logger.Debug("signal failed", "signal", sig, "error", err)
	}
}

// Close kills the child and closes the master descriptor. Safe to call
// more than once.
func (p *Process) Close() {
	p.Kill(syscall.SIGKILL)
	p.ptmx.Close()
}

// Done is closed after the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitStatus returns the recorded exit code (nil if killed by signal),
// the signal name (empty if exited normally), and whether the child has
// exited at all.
func (p *Process) ExitStatus() (code *int, signal string, exited bool) {
	select {
	case <-p.done:
	default:
		return nil, "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.signal, true
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

var _ io.Reader = (*Process)(nil)
var _ io.Writer = (*Process)(nil)
