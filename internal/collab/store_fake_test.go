package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/notehive/collab-gateway/internal/users"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(step)
	c.mu.Unlock()
}

// memoryStore is a map-backed Store with the same expiry semantics as the real backends.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	clock    Clock
	ttl      time.Duration

	failWith        error
	duplicateCreate int
	saves           int
}

func newMemoryStore(clock Clock) *memoryStore {
	return &memoryStore{sessions: make(map[string]Session), clock: clock, ttl: DefaultSessionTTL}
}

func (s *memoryStore) live(noteID string) (Session, bool) {
	session, ok := s.sessions[noteID]
	if !ok || session.IsExpired(s.clock(), s.ttl) {
		return Session{}, false
	}
	return session, true
}

func (s *memoryStore) Find(_ context.Context, noteID NoteID) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return Session{}, s.failWith
	}
	session, ok := s.live(noteID.String())
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *memoryStore) Create(_ context.Context, noteID NoteID) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return Session{}, s.failWith
	}
	if s.duplicateCreate > 0 {
		// simulate a concurrent first joiner winning the insert
		s.duplicateCreate--
		s.sessions[noteID.String()] = NewSession(noteID, s.clock().UTC())
		return Session{}, ErrDuplicateKey
	}
	if _, ok := s.live(noteID.String()); ok {
		return Session{}, ErrDuplicateKey
	}
	session := NewSession(noteID, s.clock().UTC())
	s.sessions[noteID.String()] = session
	return session.Clone(), nil
}

func (s *memoryStore) Save(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.sessions[session.NoteID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[session.NoteID] = session.Clone()
	s.saves++
	return nil
}

func (s *memoryStore) Delete(_ context.Context, noteID NoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	delete(s.sessions, noteID.String())
	return nil
}

func (s *memoryStore) FindByUser(_ context.Context, userID UserID) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	noteIDs := make([]string, 0, len(s.sessions))
	for noteID := range s.sessions {
		noteIDs = append(noteIDs, noteID)
	}
	sort.Strings(noteIDs)
	var sessions []Session
	for _, noteID := range noteIDs {
		session, ok := s.live(noteID)
		if ok && session.HasUser(userID.String()) {
			sessions = append(sessions, session.Clone())
		}
	}
	return sessions, nil
}

func (s *memoryStore) PurgeExpired(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for noteID, session := range s.sessions {
		if session.IsExpired(s.clock(), s.ttl) {
			delete(s.sessions, noteID)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type stubIdentities struct {
	profiles map[string]users.Profile
	err      error
}

func (s stubIdentities) LookupProfiles(_ context.Context, userIDs []string) (map[string]users.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	result := make(map[string]users.Profile, len(userIDs))
	for _, userID := range userIDs {
		if profile, ok := s.profiles[userID]; ok {
			result[userID] = profile
		}
	}
	return result, nil
}

var errBackendDown = errors.New("connection refused")
