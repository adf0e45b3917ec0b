package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/termgate/termgate/internal/fault"
)

// DefaultTokenTTL is how long an attach token stays valid.
const DefaultTokenTTL = 60 * time.Second

// TokenBinding links an issued attach token to the HTTP authorization
// that produced it. The WebSocket upgrade presents the token as a
// capability; no further authentication happens at upgrade time.
type TokenBinding struct {
	SessionID string
	UserID    string
	Kind      ViewKind
	Cols      uint16
	Rows      uint16
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenRegistry issues and consumes single-use attach tokens.
type TokenRegistry struct {
	mu     sync.Mutex
	tokens map[string]TokenBinding
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenRegistry creates a registry with the given TTL (zero or less
// falls back to DefaultTokenTTL).
func NewTokenRegistry(ttl time.Duration) *TokenRegistry {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenRegistry{
		tokens: make(map[string]TokenBinding),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue stores a binding and returns its opaque token (128 bits of
// entropy, hex encoded).
func (r *TokenRegistry) Issue(b TokenBinding) string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	token := hex.EncodeToString(raw[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	b.IssuedAt = r.now()
	b.ExpiresAt = b.IssuedAt.Add(r.ttl)
	r.tokens[token] = b
	return token
}

// Consume atomically removes and returns the binding for token. Unknown,
// already-consumed, and expired tokens all fail the same way.
func (r *TokenRegistry) Consume(token string) (TokenBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.tokens[token]
	if !ok {
		return TokenBinding{}, fault.New(fault.Auth, "unknown or already-used attach token")
	}
	delete(r.tokens, token)
	if r.now().After(b.ExpiresAt) {
		return TokenBinding{}, fault.New(fault.Auth, "attach token expired")
	}
	return b, nil
}

// Sweep drops expired tokens. Called periodically by the manager's
// janitor.
func (r *TokenRegistry) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, b := range r.tokens {
		if now.After(b.ExpiresAt) {
			delete(r.tokens, tok)
		}
	}
}

// Len returns the number of outstanding tokens.
func (r *TokenRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
