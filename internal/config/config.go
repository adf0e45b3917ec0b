// Package config provides environment-driven configuration for termgate.
//
// Every setting maps to a TERMGATE_-prefixed environment variable via
// envconfig tags; defaults are embedded in the struct. Validate enforces
// the startup invariants, most importantly that the service only ever
// binds a loopback address.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Auth modes.
const (
	AuthModeCloudflare = "cloudflare"
	AuthModeBasic      = "basic"
	AuthModeNone       = "none"
)

// Config holds all service configuration.
type Config struct {
	// Bind address. Host must resolve to a loopback address.
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"7683"`

	// Authentication.
	AuthMode           string `envconfig:"AUTH_MODE" default:"none"`
	CFAccessTeamDomain string `envconfig:"CF_ACCESS_TEAM_DOMAIN"`
	CFAccessAudience   string `envconfig:"CF_ACCESS_AUD"`
	BasicUser          string `envconfig:"BASIC_USER"`
	BasicPass          string `envconfig:"BASIC_PASS"`

	// Optional shared-secret gate applied before authentication.
	AppToken string `envconfig:"APP_TOKEN"`

	// Per-mode enable flags.
	EnableShell        bool `envconfig:"ENABLE_SHELL" default:"true"`
	EnableNode         bool `envconfig:"ENABLE_NODE" default:"false"`
	EnableReadonlyTail bool `envconfig:"ENABLE_READONLY_TAIL" default:"true"`
	EnableTmux         bool `envconfig:"ENABLE_TMUX" default:"true"`

	// tmux settings.
	TmuxPrefix string `envconfig:"TMUX_PREFIX" default:"tg-"`
	TmuxMouse  bool   `envconfig:"TMUX_MOUSE" default:"false"`

	// Spawn defaults.
	DefaultShell string `envconfig:"DEFAULT_SHELL"`
	DefaultCwd   string `envconfig:"DEFAULT_CWD"`

	// Lifecycle policy.
	AttachTokenTTL     time.Duration `envconfig:"ATTACH_TOKEN_TTL" default:"60s"`
	DetachGrace        time.Duration `envconfig:"DETACH_GRACE" default:"5m"`
	IdleTimeout        time.Duration `envconfig:"IDLE_TIMEOUT" default:"60m"`
	MaxSessionsPerUser int           `envconfig:"MAX_SESSIONS_PER_USER" default:"12"`

	// Transport and buffer sizing.
	MaxWsMessageBytes int `envconfig:"MAX_WS_MESSAGE_BYTES" default:"1048576"`
	ScrollbackBytes   int `envconfig:"SCROLLBACK_BYTES" default:"262144"`
	RingSize          int `envconfig:"RING_SIZE" default:"1000"`
	ViewerQueue       int `envconfig:"VIEWER_QUEUE" default:"256"`

	// Stream shaping.
	QuietFlush    time.Duration `envconfig:"QUIET_FLUSH" default:"200ms"`
	MaxLinesFlush int           `envconfig:"MAX_LINES_FLUSH" default:"80"`
	StripAnsi     bool          `envconfig:"STRIP_ANSI" default:"true"`
	ShaperDebug   bool          `envconfig:"SHAPER_DEBUG" default:"false"`

	// Audit log (NDJSON). Empty disables the file sink.
	AuditLogPath string `envconfig:"AUDIT_LOG_PATH"`

	// External subsystems (TTS/STT/AI naming), interface only.
	TTSEnabled          bool          `envconfig:"TTS_ENABLED" default:"false"`
	TTSEndpoint         string        `envconfig:"TTS_ENDPOINT"`
	STTEnabled          bool          `envconfig:"STT_ENABLED" default:"false"`
	STTEndpoint         string        `envconfig:"STT_ENDPOINT"`
	NamingEnabled       bool          `envconfig:"NAMING_ENABLED" default:"false"`
	NamingEndpoint      string        `envconfig:"NAMING_ENDPOINT"`
	ExternalCallTimeout time.Duration `envconfig:"EXTERNAL_CALL_TIMEOUT" default:"10s"`
}

// Load reads configuration from TERMGATE_-prefixed environment variables.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("TERMGATE", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &c, nil
}

// Validate checks the startup invariants.
func (c *Config) Validate() error {
	if !isLoopbackHost(c.Host) {
		return fmt.Errorf("host %q is not a loopback address; termgate only binds loopback", c.Host)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeBasic:
		if c.BasicUser == "" || c.BasicPass == "" {
			return fmt.Errorf("auth mode %q requires TERMGATE_BASIC_USER and TERMGATE_BASIC_PASS", c.AuthMode)
		}
	case AuthModeCloudflare:
		if c.CFAccessTeamDomain == "" || c.CFAccessAudience == "" {
			return fmt.Errorf("auth mode %q requires TERMGATE_CF_ACCESS_TEAM_DOMAIN and TERMGATE_CF_ACCESS_AUD", c.AuthMode)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	if c.MaxWsMessageBytes <= 0 {
		return fmt.Errorf("max WS message bytes must be positive")
	}
	return nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// isLoopbackHost accepts "localhost" and literal loopback IPs.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
