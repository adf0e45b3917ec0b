// Termgate - loopback terminal gateway.
//
// This is the main entry point for the termgate daemon. It spawns PTY
// sessions on behalf of authenticated users and serves them over
// WebSocket as raw terminal byte streams and shaped chat event streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/pty"
	"github.com/termgate/termgate/internal/server"
	"github.com/termgate/termgate/internal/session"
	"github.com/termgate/termgate/internal/shaper"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "termgate",
		Short:   "Loopback terminal gateway",
		Version: Version,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway daemon",
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if os.Getenv("TERMGATE_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var sink audit.Sink = audit.NopSink{}
	if cfg.AuditLogPath != "" {
		fs, err := audit.NewFileSink(cfg.AuditLogPath, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer fs.Close()
		sink = fs
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authn, err := auth.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing authentication: %w", err)
	}

	mgr := session.NewManager(session.ManagerConfig{
		EnabledModes: map[pty.Mode]bool{
			pty.ModeShell:        cfg.EnableShell,
			pty.ModeNode:         cfg.EnableNode,
			pty.ModeReadonlyTail: cfg.EnableReadonlyTail,
			pty.ModeTmux:         cfg.EnableTmux,
		},
		DefaultShell:       cfg.DefaultShell,
		DefaultCwd:         cfg.DefaultCwd,
		TmuxPrefix:         cfg.TmuxPrefix,
		TmuxMouse:          cfg.TmuxMouse,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		AttachTokenTTL:     cfg.AttachTokenTTL,
		Session: session.Options{
			ScrollbackBytes: cfg.ScrollbackBytes,
			RingSize:        cfg.RingSize,
			ViewerQueue:     cfg.ViewerQueue,
			DetachGrace:     cfg.DetachGrace,
			IdleTimeout:     cfg.IdleTimeout,
			Shaper: shaper.Config{
				StripAnsi:     cfg.StripAnsi,
				QuietFlush:    cfg.QuietFlush,
				MaxLinesFlush: cfg.MaxLinesFlush,
				Debug:         cfg.ShaperDebug,
			},
		},
	}, sink, logger)
	go mgr.Run(ctx)

	srv := server.New(cfg, mgr, authn, sink, logger)
	httpSrv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("termgate listening", "addr", cfg.Addr(), "auth_mode", cfg.AuthMode)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	mgr.CloseAll("shutdown")
	return nil
}
