package client

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
)

const expClaim = "exp"

// TokenCache holds the session token issued by the backend on a full
// handshake. Purging it forces the next session open to perform the
// handshake again.
type TokenCache struct {
	mu    sync.Mutex
	path  string
	token string
}

func NewTokenCache(path string) *TokenCache {
	tc := &TokenCache{path: path}
	if data, err := os.ReadFile(path); err == nil {
		tc.token = strings.TrimSpace(string(data))
	}
	return tc
}

func (tc *TokenCache) Token() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.token
}

func (tc *TokenCache) Store(token string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.token = token
	if tc.path == "" {
		return nil
	}
	return os.WriteFile(tc.path, []byte(token), 0600)
}

// Purge discards the cached token in memory and on disk.
func (tc *TokenCache) Purge() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.token = ""
	if tc.path != "" {
		os.Remove(tc.path)
	}
}

// Valid reports whether a token is present and not yet expired. The
// client holds no verification key, so only the exp claim is read; the
// backend still verifies the signature on every session open.
func (tc *TokenCache) Valid(now time.Time) bool {
	tc.mu.Lock()
	token := tc.token
	tc.mu.Unlock()

	if token == "" {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, ok := claims[expClaim].(float64)
	if !ok {
		return false
	}

	return now.Before(time.Unix(int64(exp), 0))
}
