// Package auth verifies who is making an HTTP request and produces a
// stable userId for the session runtime.
//
// Three modes exist: cloudflare (Cloudflare Access JWT verification),
// basic (static credentials), and none (single local user). An optional
// app-token gate runs before authentication in every mode.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/fault"
)

// Authenticator resolves a request to a verified user id.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// New builds the authenticator for the configured mode.
func New(ctx context.Context, cfg *config.Config) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeCloudflare:
		return NewCloudflare(ctx, cfg.CFAccessTeamDomain, cfg.CFAccessAudience)
	case config.AuthModeBasic:
		return &Basic{User: cfg.BasicUser, Pass: cfg.BasicPass}, nil
	default:
		return None{}, nil
	}
}

// None accepts every request as the fixed local user. Safe only because
// the service refuses to bind anything but loopback.
type None struct{}

// Authenticate implements Authenticator.
func (None) Authenticate(*http.Request) (string, error) {
	return "local", nil
}

// Basic checks HTTP basic credentials against a static pair.
type Basic struct {
	User string
	Pass string
}

// Authenticate implements Authenticator. Comparisons are constant time.
func (b *Basic) Authenticate(r *http.Request) (string, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", fault.New(fault.Auth, "missing basic credentials")
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(b.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(b.Pass)) == 1
	if !userOK || !passOK {
		return "", fault.New(fault.Auth, "invalid basic credentials")
	}
	return user, nil
}

type contextKey string

const userContextKey contextKey = "termgate.user"

// Middleware authenticates every request, records the outcome on the
// audit sink, and stores the userId in the request context.
func Middleware(a Authenticator, sink audit.Sink) func(http.Handler) http.Handler {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(r)
			if err != nil {
				sink.Emit(audit.Event{Type: audit.TypeAuthFail, Detail: map[string]any{"path": r.URL.Path}})
				writeAuthError(w)
				return
			}
			sink.Emit(audit.Event{Type: audit.TypeAuthOK, UserID: userID})
			ctx := context.WithValue(r.Context(), userContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AppTokenGate rejects requests missing the shared app token. A no-op
// when token is empty.
func AppTokenGate(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-App-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeAuthError(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserID returns the authenticated user from the request context.
func UserID(r *http.Request) string {
	id, _ := r.Context().Value(userContextKey).(string)
	return id
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
