package zabbix

import (
	"context"
	"sync"
	"time"
)

// Credential is the authentication artifact attached to API calls.
// Bearer credentials go in the Authorization header; session credentials
// go in the request body's auth field.
type Credential struct {
	Secret string
	Bearer bool
}

// loginFunc performs a user.login round trip and returns the session id.
type loginFunc func(ctx context.Context) (string, error)

// Session owns the credential lifecycle. A static API token is returned
// as-is; a user/password session is refreshed when missing or expired.
// Refresh is single-flight: concurrent Acquire calls during expiry block
// on one login round trip, while reads of a valid credential only take
// the shared lock.
type Session struct {
	mu      sync.RWMutex
	session string
	expires time.Time

	token string
	ttl   time.Duration
	login loginFunc
}

// NewStaticSession returns a session backed by a pre-shared API token.
// Acquire never performs a network round trip.
func NewStaticSession(token string) *Session {
	return &Session{token: token}
}

// NewLoginSession returns a session that logs in with the given function
// and treats the returned session id as valid for ttl.
func NewLoginSession(login loginFunc, ttl time.Duration) *Session {
	return &Session{login: login, ttl: ttl}
}

// Acquire returns a valid credential, logging in first if the held
// session id is missing or expired. An expired session id is never
// returned.
func (s *Session) Acquire(ctx context.Context) (Credential, error) {
	if s.token != "" {
		return Credential{Secret: s.token, Bearer: true}, nil
	}

	s.mu.RLock()
	if s.session != "" && time.Now().Before(s.expires) {
		cred := Credential{Secret: s.session}
		s.mu.RUnlock()
		return cred, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if s.session != "" && time.Now().Before(s.expires) {
		return Credential{Secret: s.session}, nil
	}

	id, err := s.login(ctx)
	if err != nil {
		return Credential{}, err
	}
	s.session = id
	s.expires = time.Now().Add(s.ttl)
	return Credential{Secret: id}, nil
}

// Invalidate discards the held session id so the next Acquire logs in
// again. Static tokens are unaffected.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.session = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

// Static reports whether the session uses a pre-shared token that cannot
// be refreshed.
func (s *Session) Static() bool {
	return s.token != ""
}
