package backend

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStore holds the access/refresh pair used against the backend. The
// browser apps kept these in local storage; here they live for the process.
type TokenStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

func NewTokenStore(access, refresh string) *TokenStore {
	return &TokenStore{access: access, refresh: refresh}
}

func (s *TokenStore) Access() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *TokenStore) Refresh() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// Set stores a new access token, and a new refresh token when the backend
// rotated it.
func (s *TokenStore) Set(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
}

// ExpiresWithin reports whether a JWT access token expires before now+skew.
// The signature is not checked: only the backend can verify it, and all we
// need is the exp claim. Opaque tokens and tokens without exp report false.
func ExpiresWithin(token string, skew time.Duration, now time.Time) bool {
	if token == "" {
		return false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(now.Add(skew))
}
