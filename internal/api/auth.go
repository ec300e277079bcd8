package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sessionTTL  = 24 * time.Hour
	rememberTTL = 30 * 24 * time.Hour

	sessionCookie = "bookhound_session"
)

// sessionStore tracks logged-in session tokens and their expiry.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]time.Time
	now      func() time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Create mints a token. remember extends the TTL to a month.
func (s *sessionStore) Create(remember bool) (string, time.Duration) {
	ttl := sessionTTL
	if remember {
		ttl = rememberTTL
	}
	token := uuid.NewString()

	s.mu.Lock()
	s.sessions[token] = s.now().Add(ttl)
	s.mu.Unlock()
	return token, ttl
}

// Valid reports whether the token names a live session. Expired tokens are
// removed on read.
func (s *sessionStore) Valid(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.sessions[token]
	if !ok {
		return false
	}
	if s.now().After(exp) {
		delete(s.sessions, token)
		return false
	}
	return true
}

// Delete drops a session.
func (s *sessionStore) Delete(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// lockoutEntry tracks one username's failed logins.
type lockoutEntry struct {
	count       int
	lastFailure time.Time
	lockedUntil time.Time
}

// lockoutTable enforces the per-username failed-login lockout. Expired
// entries are swept before each attempt.
type lockoutTable struct {
	mu      sync.Mutex
	entries map[string]*lockoutEntry
	max     int
	window  time.Duration
	now     func() time.Time
}

func newLockoutTable(maxAttempts int, window time.Duration) *lockoutTable {
	return &lockoutTable{
		entries: make(map[string]*lockoutEntry),
		max:     maxAttempts,
		window:  window,
		now:     time.Now,
	}
}

// Locked sweeps expired entries, then reports whether the username is locked
// and for how much longer.
func (l *lockoutTable) Locked(username string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for name, e := range l.entries {
		if now.After(e.lockedUntil) && now.Sub(e.lastFailure) > l.window {
			delete(l.entries, name)
		}
	}

	e, ok := l.entries[username]
	if !ok || now.After(e.lockedUntil) {
		return false, 0
	}
	return true, e.lockedUntil.Sub(now)
}

// Fail records a failed attempt; hitting the threshold starts the lockout.
func (l *lockoutTable) Fail(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[username]
	if !ok || now.Sub(e.lastFailure) > l.window {
		e = &lockoutEntry{}
		l.entries[username] = e
	}
	e.count++
	e.lastFailure = now
	if e.count >= l.max {
		e.lockedUntil = now.Add(l.window)
	}
}

// Reset clears the counter after a successful login.
func (l *lockoutTable) Reset(username string) {
	l.mu.Lock()
	delete(l.entries, username)
	l.mu.Unlock()
}
