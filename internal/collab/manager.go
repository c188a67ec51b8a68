package collab

import (
	"context"
	"errors"
	"time"

	"github.com/notehive/collab-gateway/internal/users"
	"go.uber.org/zap"
)

const maxStoreAttempts = 3

var noOpLogger = zap.NewNop()

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store      Store
	Identities IdentityResolver
	Clock      Clock
	Logger     *zap.Logger
}

// Manager is the only component that mutates session contents.
//
// Every call fetches the session from the store and persists mutations before
// returning; no session state is cached between calls. Two concurrent mutations
// of the same note race and the later save wins.
type Manager struct {
	store      Store
	identities IdentityResolver
	clock      Clock
	logger     *zap.Logger
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opManagerNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		store:      cfg.Store,
		identities: cfg.Identities,
		clock:      clock,
		logger:     logger,
	}, nil
}

// GetOrCreateSession fetches the note's session, creating an empty one when absent.
// A concurrent first join surfaces as ErrDuplicateKey from the store and is resolved by refetching.
func (m *Manager) GetOrCreateSession(ctx context.Context, rawNoteID string) (Session, error) {
	noteID, err := NewNoteID(rawNoteID)
	if err != nil {
		return Session{}, newServiceError(opGetOrCreate, "invalid_note_id", err)
	}
	return m.getOrCreate(ctx, noteID)
}

func (m *Manager) getOrCreate(ctx context.Context, noteID NoteID) (Session, error) {
	for attempt := 0; attempt < maxStoreAttempts; attempt++ {
		session, err := m.store.Find(ctx, noteID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			m.logError(opGetOrCreate, "find_failed", err, zap.String("note_id", noteID.String()))
			return Session{}, newServiceError(opGetOrCreate, "find_failed", err)
		}

		session, err = m.store.Create(ctx, noteID)
		if err == nil {
			return session, nil
		}
		if errors.Is(err, ErrDuplicateKey) {
			m.logger.Debug("session create raced, refetching",
				zap.String("note_id", noteID.String()),
				zap.Int("attempt", attempt+1))
			continue
		}
		m.logError(opGetOrCreate, "create_failed", err, zap.String("note_id", noteID.String()))
		return Session{}, newServiceError(opGetOrCreate, "create_failed", err)
	}
	return Session{}, newServiceError(opGetOrCreate, "create_contended", ErrDuplicateKey)
}

// AddUserToSession records userID as a participant of the note on connectionID.
// A rejoin replaces the existing participant's connection and join time and keeps its cursor.
func (m *Manager) AddUserToSession(ctx context.Context, rawNoteID, rawUserID, connectionID string) (Session, error) {
	noteID, err := NewNoteID(rawNoteID)
	if err != nil {
		return Session{}, newServiceError(opAddUser, "invalid_note_id", err)
	}
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return Session{}, newServiceError(opAddUser, "invalid_user_id", err)
	}

	for attempt := 0; attempt < maxStoreAttempts; attempt++ {
		session, err := m.getOrCreate(ctx, noteID)
		if err != nil {
			return Session{}, err
		}

		now := m.clock().UTC()
		session.upsertParticipant(userID.String(), connectionID, now)
		session.touch(now)

		err = m.store.Save(ctx, session)
		if err == nil {
			return session, nil
		}
		if errors.Is(err, ErrSessionNotFound) {
			// deleted between fetch and save; start over from a fresh session
			continue
		}
		m.logError(opAddUser, "save_failed", err,
			zap.String("note_id", noteID.String()),
			zap.String("user_id", userID.String()))
		return Session{}, newServiceError(opAddUser, "save_failed", err)
	}
	return Session{}, newServiceError(opAddUser, "save_contended", ErrSessionNotFound)
}

// RemoveUserFromSession drops userID from the note's session.
// Participants are matched by user id only; connectionID is accepted for callers' symmetry.
// The boolean result is false when the note had no session.
func (m *Manager) RemoveUserFromSession(ctx context.Context, rawNoteID, rawUserID, connectionID string) (Session, bool, error) {
	noteID, err := NewNoteID(rawNoteID)
	if err != nil {
		return Session{}, false, newServiceError(opRemoveUser, "invalid_note_id", err)
	}
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return Session{}, false, newServiceError(opRemoveUser, "invalid_user_id", err)
	}

	session, err := m.store.Find(ctx, noteID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		m.logError(opRemoveUser, "find_failed", err, zap.String("note_id", noteID.String()))
		return Session{}, false, newServiceError(opRemoveUser, "find_failed", err)
	}

	session.removeParticipant(userID.String())
	session.touch(m.clock().UTC())

	err = m.store.Save(ctx, session)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		m.logError(opRemoveUser, "save_failed", err,
			zap.String("note_id", noteID.String()),
			zap.String("user_id", userID.String()),
			zap.String("connection_id", connectionID))
		return Session{}, false, newServiceError(opRemoveUser, "save_failed", err)
	}
	return session, true, nil
}

// UpdateCursor stores the cursor of the participant matching both userID and connectionID.
// A missing session or participant is not an error: cursor events routinely race with leaves.
func (m *Manager) UpdateCursor(ctx context.Context, rawNoteID, rawUserID, connectionID string, cursor CursorPosition) error {
	noteID, err := NewNoteID(rawNoteID)
	if err != nil {
		return newServiceError(opUpdateCursor, "invalid_note_id", err)
	}
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return newServiceError(opUpdateCursor, "invalid_user_id", err)
	}

	session, err := m.store.Find(ctx, noteID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		m.logError(opUpdateCursor, "find_failed", err, zap.String("note_id", noteID.String()))
		return newServiceError(opUpdateCursor, "find_failed", err)
	}

	updated := false
	for index := range session.ActiveUsers {
		participant := &session.ActiveUsers[index]
		if participant.UserID == userID.String() && participant.ConnectionID == connectionID {
			position := cursor
			participant.CursorPosition = &position
			updated = true
			break
		}
	}
	if !updated {
		return nil
	}
	session.touch(m.clock().UTC())

	err = m.store.Save(ctx, session)
	if err == nil || errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	m.logError(opUpdateCursor, "save_failed", err,
		zap.String("note_id", noteID.String()),
		zap.String("user_id", userID.String()))
	return newServiceError(opUpdateCursor, "save_failed", err)
}

// GetActiveUsers lists the note's participants joined with their display identity.
// A note without a session yields an empty list.
func (m *Manager) GetActiveUsers(ctx context.Context, rawNoteID string) ([]ActiveUser, error) {
	noteID, err := NewNoteID(rawNoteID)
	if err != nil {
		return nil, newServiceError(opActiveUsers, "invalid_note_id", err)
	}

	session, err := m.store.Find(ctx, noteID)
	if errors.Is(err, ErrSessionNotFound) {
		return []ActiveUser{}, nil
	}
	if err != nil {
		m.logError(opActiveUsers, "find_failed", err, zap.String("note_id", noteID.String()))
		return nil, newServiceError(opActiveUsers, "find_failed", err)
	}

	profiles := m.lookupProfiles(ctx, session.ActiveUsers)
	activeUsers := make([]ActiveUser, 0, len(session.ActiveUsers))
	for _, participant := range session.ActiveUsers {
		activeUsers = append(activeUsers, newActiveUser(participant, profiles[participant.UserID]))
	}
	return activeUsers, nil
}

func (m *Manager) lookupProfiles(ctx context.Context, participants []Participant) map[string]users.Profile {
	if m.identities == nil || len(participants) == 0 {
		return nil
	}
	userIDs := make([]string, 0, len(participants))
	for _, participant := range participants {
		userIDs = append(userIDs, participant.UserID)
	}
	profiles, err := m.identities.LookupProfiles(ctx, userIDs)
	if err != nil {
		m.logger.Warn("identity lookup failed, returning bare user ids",
			zap.Int("user_count", len(userIDs)),
			zap.Error(err))
		return nil
	}
	return profiles
}

// GetAllSessionsForUser returns every live session that lists userID as a participant.
func (m *Manager) GetAllSessionsForUser(ctx context.Context, rawUserID string) ([]Session, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return nil, newServiceError(opSessionsForUser, "invalid_user_id", err)
	}
	sessions, err := m.store.FindByUser(ctx, userID)
	if err != nil {
		m.logError(opSessionsForUser, "scan_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opSessionsForUser, "scan_failed", err)
	}
	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

// EndSession deletes the note's session outright.
func (m *Manager) EndSession(ctx context.Context, rawNoteID string) error {
	noteID, err := NewNoteID(rawNoteID)
	if err != nil {
		return newServiceError(opEndSession, "invalid_note_id", err)
	}
	if err := m.store.Delete(ctx, noteID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		m.logError(opEndSession, "delete_failed", err, zap.String("note_id", noteID.String()))
		return newServiceError(opEndSession, "delete_failed", err)
	}
	return nil
}

// AttachMeeting records the meeting scheduled for the note on its session.
func (m *Manager) AttachMeeting(ctx context.Context, rawNoteID string, meeting Meeting) (Session, error) {
	noteID, err := NewNoteID(rawNoteID)
	if err != nil {
		return Session{}, newServiceError(opAttachMeeting, "invalid_note_id", err)
	}

	for attempt := 0; attempt < maxStoreAttempts; attempt++ {
		session, err := m.getOrCreate(ctx, noteID)
		if err != nil {
			return Session{}, err
		}
		attached := meeting
		session.Meeting = &attached
		session.touch(m.clock().UTC())

		err = m.store.Save(ctx, session)
		if err == nil {
			return session, nil
		}
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		m.logError(opAttachMeeting, "save_failed", err, zap.String("note_id", noteID.String()))
		return Session{}, newServiceError(opAttachMeeting, "save_failed", err)
	}
	return Session{}, newServiceError(opAttachMeeting, "save_contended", ErrSessionNotFound)
}

// PurgeExpired asks the store to drop idle sessions and returns how many it removed.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	removed, err := m.store.PurgeExpired(ctx)
	if err != nil {
		m.logError(opPurgeExpired, "purge_failed", err)
		return 0, newServiceError(opPurgeExpired, "purge_failed", err)
	}
	return removed, nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("collaboration service error", attrs...)
}
