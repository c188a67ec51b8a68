package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/notehive/collab-gateway/internal/auth"
	"github.com/notehive/collab-gateway/internal/collab"
)

type stubVerifier struct {
	subject string
	err     error
}

func (v stubVerifier) VerifyRequest(*http.Request) (auth.Claims, error) {
	if v.err != nil {
		return auth.Claims{}, v.err
	}
	return auth.Claims{Subject: v.subject}, nil
}

// stubSessions records calls and fails on demand.
type stubSessions struct {
	mu sync.Mutex

	addErrs       []error
	activeUsers   []collab.ActiveUser
	activeErr     error
	endErr        error
	attachErr     error
	panicOnCursor bool
	userSessions  []collab.Session
	removeDelay   time.Duration

	joined   []string
	removed  []string
	ended    []string
	meetings []collab.Meeting
}

func (s *stubSessions) AddUserToSession(_ context.Context, noteID, userID, connectionID string) (collab.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.addErrs) > 0 {
		err := s.addErrs[0]
		s.addErrs = s.addErrs[1:]
		if err != nil {
			return collab.Session{}, err
		}
	}
	s.joined = append(s.joined, noteID+"/"+userID)
	return collab.Session{NoteID: noteID}, nil
}

func (s *stubSessions) RemoveUserFromSession(ctx context.Context, noteID, _, _ string) (collab.Session, bool, error) {
	s.mu.Lock()
	delay := s.removeDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return collab.Session{}, false, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, noteID)
	return collab.Session{NoteID: noteID}, true, nil
}

func (s *stubSessions) UpdateCursor(context.Context, string, string, string, collab.CursorPosition) error {
	s.mu.Lock()
	shouldPanic := s.panicOnCursor
	s.mu.Unlock()
	if shouldPanic {
		panic("cursor store exploded")
	}
	return nil
}

func (s *stubSessions) GetActiveUsers(context.Context, string) ([]collab.ActiveUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeErr != nil {
		return nil, s.activeErr
	}
	return append([]collab.ActiveUser{}, s.activeUsers...), nil
}

func (s *stubSessions) GetAllSessionsForUser(context.Context, string) ([]collab.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]collab.Session{}, s.userSessions...), nil
}

func (s *stubSessions) EndSession(_ context.Context, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endErr != nil {
		return s.endErr
	}
	s.ended = append(s.ended, noteID)
	return nil
}

func (s *stubSessions) AttachMeeting(_ context.Context, noteID string, meeting collab.Meeting) (collab.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return collab.Session{}, s.attachErr
	}
	s.meetings = append(s.meetings, meeting)
	attached := meeting
	return collab.Session{NoteID: noteID, ActiveUsers: []collab.Participant{}, Meeting: &attached}, nil
}

func (s *stubSessions) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joined)
}

func (s *stubSessions) removedNotes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.removed...)
}
