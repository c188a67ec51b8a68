package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates a registration without a usable username or email.
	ErrInvalidIdentity = errors.New("users: invalid identity")
)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service resolves user ids to profiles. Profiles are read from the database
// on every lookup; other processes may update them at any time.
type Service struct {
	db *gorm.DB
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	return &Service{db: cfg.Database}, nil
}

// Register stores a user and returns its id. An empty userID gets a fresh UUIDv7.
// Registering an existing id overwrites its username and email.
func (s *Service) Register(ctx context.Context, userID, username, email string) (string, error) {
	username = normalize(username)
	email = strings.ToLower(normalize(email))
	if username == "" || email == "" {
		return "", ErrInvalidIdentity
	}
	userID = normalize(userID)
	if userID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		userID = generated.String()
	}

	record := User{UserID: userID, Username: username, Email: email, IsActive: true}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "email", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return "", err
	}
	return userID, nil
}

// LookupProfiles returns the profiles of the known ids among userIDs.
// Unknown ids are absent from the result rather than reported as errors.
func (s *Service) LookupProfiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return profiles, nil
	}

	var records []User
	if err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Find(&records).Error; err != nil {
		return nil, err
	}
	for _, record := range records {
		profiles[record.UserID] = record.profile()
	}
	return profiles, nil
}
