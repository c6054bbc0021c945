// Package auth identifies the caller of a request and keeps the server-side
// browser session used by the authorization-code flow.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"maps"
	"sync"
	"time"
)

// Session errors.
var (
	// ErrSessionNotFound indicates the session was not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSession indicates the session is invalid.
	ErrInvalidSession = errors.New("invalid session")
)

// DefaultSessionDuration is the default session lifetime. Sessions only need
// to outlive a round trip to the provider's login page.
const DefaultSessionDuration = time.Hour

// SessionIDLength is the number of random bytes used for session IDs.
const SessionIDLength = 32

// Session is a server-side browser session. Only its ID travels in the
// cookie; values stay on the server.
type Session struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Values    map[string]string `json:"values,omitempty"`
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Get returns the value stored under key, or "".
func (s *Session) Get(key string) string {
	return s.Values[key]
}

// Set stores value under key.
func (s *Session) Set(key, value string) {
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	s.Values[key] = value
}

// Pop removes key and returns its previous value.
func (s *Session) Pop(key string) (string, bool) {
	v, ok := s.Values[key]
	if ok {
		delete(s.Values, key)
	}
	return v, ok
}

// SessionStore defines the interface for session persistence.
type SessionStore interface {
	// Get retrieves a session by its ID.
	// Returns nil, nil if not found or expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Save creates or replaces a session.
	Save(ctx context.Context, session *Session) error

	// Delete removes a session by its ID.
	Delete(ctx context.Context, id string) error

	// Cleanup removes all expired sessions.
	// Returns the number of sessions removed.
	Cleanup(ctx context.Context) (int, error)
}

// MemorySessionStore is an in-memory implementation of SessionStore.
// It is thread-safe and suitable for development and single-instance deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	session, exists := s.sessions[id]
	s.mu.RUnlock()

	if !exists || session.IsExpired() {
		return nil, nil
	}
	return copySession(session), nil
}

func (s *MemorySessionStore) Save(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemorySessionStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// Count returns the total number of sessions in the store.
// This is primarily for testing and monitoring.
func (s *MemorySessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func copySession(session *Session) *Session {
	cpy := *session
	cpy.Values = maps.Clone(session.Values)
	return &cpy
}

// GenerateSessionID generates a cryptographically secure session ID.
func GenerateSessionID() (string, error) {
	b := make([]byte, SessionIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewSession creates an empty session with a fresh ID.
func NewSession(duration time.Duration) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
		Values:    map[string]string{},
	}, nil
}
