package collab

import (
	"context"
	"time"

	"github.com/notehive/collab-gateway/internal/users"
)

// Store persists sessions keyed by note id and expires idle ones.
//
// Find and FindByUser never return sessions idle for longer than the store's TTL,
// even when the physical record has not been purged yet.
type Store interface {
	Find(ctx context.Context, noteID NoteID) (Session, error)
	Create(ctx context.Context, noteID NoteID) (Session, error)
	Save(ctx context.Context, session Session) error
	Delete(ctx context.Context, noteID NoteID) error
	FindByUser(ctx context.Context, userID UserID) ([]Session, error)
	PurgeExpired(ctx context.Context) (int, error)
}

// IdentityResolver resolves user ids to display identities.
type IdentityResolver interface {
	LookupProfiles(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
}

// Clock returns the current time.
type Clock func() time.Time
