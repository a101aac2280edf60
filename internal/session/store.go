package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/Neuxbane/Docker/internal/domain"
)

const tokenBytes = 32

// Session binds an opaque token to its issuing client address.
type Session struct {
	CreatedAt     time.Time
	ClientAddress string
}

// Store keeps sessions and failed-login accounting in memory.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
	attempts map[string][]time.Time

	ttl           time.Duration
	attemptLimit  int
	attemptWindow time.Duration
	now           func() time.Time
}

// NewStore constructs a session store.
func NewStore(ttl time.Duration, attemptLimit int, attemptWindow time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if attemptLimit <= 0 {
		attemptLimit = 5
	}
	if attemptWindow <= 0 {
		attemptWindow = 15 * time.Minute
	}
	return &Store{
		sessions:      make(map[string]Session),
		attempts:      make(map[string][]time.Time),
		ttl:           ttl,
		attemptLimit:  attemptLimit,
		attemptWindow: attemptWindow,
		now:           time.Now,
	}
}

// Create issues a fresh 32-byte random token bound to clientAddr.
func (s *Store) Create(clientAddr string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.sessions[token] = Session{CreatedAt: s.now(), ClientAddress: clientAddr}
	s.mu.Unlock()
	return token, nil
}

// Validate checks a token for the given client address. Expired sessions
// and address mismatches both invalidate the session.
func (s *Store) Validate(token, clientAddr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return fmt.Errorf("%w: unknown session", domain.ErrUnauthorized)
	}
	if s.now().Sub(sess.CreatedAt) > s.ttl {
		delete(s.sessions, token)
		return fmt.Errorf("%w: session expired", domain.ErrUnauthorized)
	}
	if sess.ClientAddress != clientAddr {
		delete(s.sessions, token)
		return fmt.Errorf("%w: client address changed", domain.ErrUnauthorized)
	}
	return nil
}

// Revoke removes a session.
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// AllowAttempt reports whether clientAddr may attempt a login: at most
// attemptLimit failures inside the sliding attemptWindow.
func (s *Store) AllowAttempt(clientAddr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recentFailures(clientAddr)) < s.attemptLimit
}

// RecordFailure registers one failed login for clientAddr.
func (s *Store) RecordFailure(clientAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[clientAddr] = append(s.recentFailures(clientAddr), s.now())
}

// ClearFailures resets the failure count after a successful login.
func (s *Store) ClearFailures(clientAddr string) {
	s.mu.Lock()
	delete(s.attempts, clientAddr)
	s.mu.Unlock()
}

// recentFailures prunes and returns failures inside the window.
// Callers must hold mu.
func (s *Store) recentFailures(clientAddr string) []time.Time {
	cutoff := s.now().Add(-s.attemptWindow)
	kept := s.attempts[clientAddr][:0]
	for _, t := range s.attempts[clientAddr] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(s.attempts, clientAddr)
		return nil
	}
	s.attempts[clientAddr] = kept
	return kept
}
