package devbroker

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultSessionTTL = 300 * time.Second
	defaultFailure    = "Authentication failed"

	statusPending  = "pending"
	statusComplete = "complete"
	statusError    = "error"
)

// issued is the token response handed to a client.
type issued struct {
	IDToken      string
	RefreshToken string
	User         account
	ExpiresIn    int64
}

type signInSession struct {
	Status    string
	Detail    string
	Tokens    *issued
	CreatedAt time.Time
	ExpiresAt time.Time
}

// signInSessions holds broker sessions until they are retrieved or expire.
type signInSessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]signInSession
}

func newSignInSessions(ttl time.Duration, now func() time.Time) *signInSessions {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &signInSessions{
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]signInSession),
	}
}

func (s *signInSessions) purgeExpiredLocked(now time.Time) {
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}

// Register starts a pending session.
func (s *signInSessions) Register(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(now)
	s.sessions[id] = signInSession{
		Status:    statusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
}

// Complete attaches tokens to a pending session.
func (s *signInSessions) Complete(id string, tokens *issued) bool {
	return s.resolve(id, func(session *signInSession) {
		session.Status = statusComplete
		session.Tokens = tokens
	})
}

// Fail marks a pending session as failed.
func (s *signInSessions) Fail(id, detail string) bool {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = defaultFailure
	}
	return s.resolve(id, func(session *signInSession) {
		session.Status = statusError
		session.Detail = detail
	})
}

func (s *signInSessions) resolve(id string, apply func(*signInSession)) bool {
	id = strings.TrimSpace(id)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(now)
	session, ok := s.sessions[id]
	if !ok || session.Status != statusPending {
		return false
	}
	apply(&session)
	s.sessions[id] = session
	return true
}

// Take returns the session. Finished sessions are removed so their tokens
// can be retrieved only once.
func (s *signInSessions) Take(id string) (signInSession, bool) {
	id = strings.TrimSpace(id)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(now)
	session, ok := s.sessions[id]
	if !ok {
		return signInSession{}, false
	}
	if session.Status != statusPending {
		delete(s.sessions, id)
	}
	return session, true
}

// Pending returns the ids of sessions still waiting for the user.
func (s *signInSessions) Pending() []string {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(now)
	ids := make([]string, 0, len(s.sessions))
	for id, session := range s.sessions {
		if session.Status == statusPending {
			ids = append(ids, id)
		}
	}
	return ids
}
