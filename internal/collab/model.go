package collab

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notehive/collab-gateway/internal/users"
)

// DefaultSessionTTL is how long a session survives without activity before the store drops it.
const DefaultSessionTTL = time.Hour

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("collab: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("collab: invalid user id")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

func (id UserID) String() string {
	return string(id)
}

// CursorPosition is the last editing position reported by a participant.
type CursorPosition struct {
	Line   int `json:"line" bson:"line"`
	Column int `json:"column" bson:"column"`
}

// Participant is one user's presence record within a session.
type Participant struct {
	UserID         string          `json:"userId" bson:"userId"`
	ConnectionID   string          `json:"connectionId" bson:"connectionId"`
	JoinedAt       time.Time       `json:"joinedAt" bson:"joinedAt"`
	CursorPosition *CursorPosition `json:"cursorPosition,omitempty" bson:"cursorPosition,omitempty"`
}

// Meeting carries the video meeting scheduled for a note's collaboration.
type Meeting struct {
	MeetingID       string `json:"meetingId" bson:"meetingId"`
	JoinURL         string `json:"joinUrl" bson:"joinUrl"`
	StartURL        string `json:"startUrl" bson:"startUrl"`
	Title           string `json:"title" bson:"title"`
	Date            string `json:"date" bson:"date"`
	Time            string `json:"time" bson:"time"`
	DurationMinutes int    `json:"duration" bson:"duration"`
	CreatedBy       string `json:"createdBy" bson:"createdBy"`
}

// Session is the set of users collaborating on one note.
type Session struct {
	NoteID       string        `json:"noteId" bson:"noteId"`
	ActiveUsers  []Participant `json:"activeUsers" bson:"activeUsers"`
	Meeting      *Meeting      `json:"meeting,omitempty" bson:"meeting,omitempty"`
	LastActivity time.Time     `json:"lastActivity" bson:"lastActivity"`
	CreatedAt    time.Time     `json:"createdAt" bson:"createdAt"`
}

// NewSession returns an empty session for the note stamped with the provided time.
func NewSession(noteID NoteID, now time.Time) Session {
	return Session{
		NoteID:       noteID.String(),
		ActiveUsers:  []Participant{},
		LastActivity: now,
		CreatedAt:    now,
	}
}

// Clone returns a deep copy so callers never share participant slices with a store.
func (s Session) Clone() Session {
	cloned := s
	cloned.ActiveUsers = make([]Participant, len(s.ActiveUsers))
	for index, participant := range s.ActiveUsers {
		if participant.CursorPosition != nil {
			cursor := *participant.CursorPosition
			participant.CursorPosition = &cursor
		}
		cloned.ActiveUsers[index] = participant
	}
	if s.Meeting != nil {
		meeting := *s.Meeting
		cloned.Meeting = &meeting
	}
	return cloned
}

// HasUser reports whether the session holds a participant for userID.
func (s Session) HasUser(userID string) bool {
	return s.participantIndex(userID) >= 0
}

// IsExpired reports whether the session has been idle for longer than ttl at now.
func (s Session) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity) > ttl
}

func (s Session) participantIndex(userID string) int {
	for index, participant := range s.ActiveUsers {
		if participant.UserID == userID {
			return index
		}
	}
	return -1
}

// upsertParticipant replaces the participant for userID or appends a new one.
// The cursor of an existing participant survives a rejoin.
func (s *Session) upsertParticipant(userID, connectionID string, joinedAt time.Time) {
	if index := s.participantIndex(userID); index >= 0 {
		s.ActiveUsers[index].ConnectionID = connectionID
		s.ActiveUsers[index].JoinedAt = joinedAt
		return
	}
	s.ActiveUsers = append(s.ActiveUsers, Participant{
		UserID:       userID,
		ConnectionID: connectionID,
		JoinedAt:     joinedAt,
	})
}

func (s *Session) removeParticipant(userID string) bool {
	remaining := s.ActiveUsers[:0]
	removed := false
	for _, participant := range s.ActiveUsers {
		if participant.UserID == userID {
			removed = true
			continue
		}
		remaining = append(remaining, participant)
	}
	s.ActiveUsers = remaining
	return removed
}

func (s *Session) touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// ActiveUser is a participant resolved against the identity directory.
type ActiveUser struct {
	UserID         string          `json:"userId"`
	Username       string          `json:"username"`
	Email          string          `json:"email"`
	ConnectionID   string          `json:"connectionId"`
	JoinedAt       time.Time       `json:"joinedAt"`
	CursorPosition *CursorPosition `json:"cursorPosition,omitempty"`
}

func newActiveUser(participant Participant, profile users.Profile) ActiveUser {
	return ActiveUser{
		UserID:         participant.UserID,
		Username:       profile.Username,
		Email:          profile.Email,
		ConnectionID:   participant.ConnectionID,
		JoinedAt:       participant.JoinedAt,
		CursorPosition: participant.CursorPosition,
	}
}
