package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/notehive/collab-gateway/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const findByUserBatchSize = 200

var errMissingDatabase = errors.New("storage: database handle is required")

// SessionRecord is the relational row behind a collaboration session.
type SessionRecord struct {
	NoteID             string `gorm:"column:note_id;primaryKey;size:190;not null"`
	ParticipantsJSON   string `gorm:"column:participants_json;type:text;not null"`
	MeetingJSON        string `gorm:"column:meeting_json;type:text;not null;default:''"`
	LastActivityMillis int64  `gorm:"column:last_activity_ms;not null;index:idx_collab_sessions_activity"`
	CreatedAtMillis    int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SessionRecord) TableName() string {
	return "collaboration_sessions"
}

// GormStoreConfig configures a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	Clock    collab.Clock
	Logger   *zap.Logger
}

// GormStore keeps sessions in a relational table. Expiry is enforced on every read;
// physical removal happens in PurgeExpired.
type GormStore struct {
	db     *gorm.DB
	ttl    time.Duration
	clock  collab.Clock
	logger *zap.Logger
}

func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = collab.DefaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, ttl: ttl, clock: clock, logger: logger}, nil
}

func (s *GormStore) cutoffMillis() int64 {
	return s.clock().Add(-s.ttl).UnixMilli()
}

func (s *GormStore) Find(ctx context.Context, noteID collab.NoteID) (collab.Session, error) {
	var record SessionRecord
	err := s.db.WithContext(ctx).
		Where("note_id = ? AND last_activity_ms >= ?", noteID.String(), s.cutoffMillis()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.Session{}, collab.ErrSessionNotFound
	}
	if err != nil {
		return collab.Session{}, collab.StorageError("find", err)
	}
	return decodeRecord(record)
}

func (s *GormStore) Create(ctx context.Context, noteID collab.NoteID) (collab.Session, error) {
	session := collab.NewSession(noteID, s.clock().UTC())
	record, err := encodeRecord(session)
	if err != nil {
		return collab.Session{}, err
	}

	var inserted int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// an idle row that has not been purged yet must not block a fresh session
		if err := tx.Where("note_id = ? AND last_activity_ms < ?", noteID.String(), s.cutoffMillis()).
			Delete(&SessionRecord{}).Error; err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if result.Error != nil {
			return result.Error
		}
		inserted = result.RowsAffected
		return nil
	})
	if err != nil {
		return collab.Session{}, collab.StorageError("create", err)
	}
	if inserted == 0 {
		return collab.Session{}, collab.ErrDuplicateKey
	}
	return session, nil
}

func (s *GormStore) Save(ctx context.Context, session collab.Session) error {
	record, err := encodeRecord(session)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("note_id = ?", record.NoteID).
		Updates(map[string]interface{}{
			"participants_json": record.ParticipantsJSON,
			"meeting_json":      record.MeetingJSON,
			"last_activity_ms":  record.LastActivityMillis,
		})
	if result.Error != nil {
		return collab.StorageError("save", result.Error)
	}
	if result.RowsAffected == 0 {
		return collab.ErrSessionNotFound
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, noteID collab.NoteID) error {
	if err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID.String()).
		Delete(&SessionRecord{}).Error; err != nil {
		return collab.StorageError("delete", err)
	}
	return nil
}

func (s *GormStore) FindByUser(ctx context.Context, userID collab.UserID) ([]collab.Session, error) {
	var (
		batch    []SessionRecord
		sessions []collab.Session
	)
	result := s.db.WithContext(ctx).
		Where("last_activity_ms >= ?", s.cutoffMillis()).
		FindInBatches(&batch, findByUserBatchSize, func(tx *gorm.DB, _ int) error {
			for _, record := range batch {
				session, err := decodeRecord(record)
				if err != nil {
					logUndecodable(s.logger, record.NoteID, err)
					continue
				}
				if session.HasUser(userID.String()) {
					sessions = append(sessions, session)
				}
			}
			return nil
		})
	if result.Error != nil {
		return nil, collab.StorageError("find_by_user", result.Error)
	}
	return sessions, nil
}

func (s *GormStore) PurgeExpired(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).
		Where("last_activity_ms < ?", s.cutoffMillis()).
		Delete(&SessionRecord{})
	if result.Error != nil {
		return 0, collab.StorageError("purge", result.Error)
	}
	return int(result.RowsAffected), nil
}

func encodeRecord(session collab.Session) (SessionRecord, error) {
	participants := session.ActiveUsers
	if participants == nil {
		participants = []collab.Participant{}
	}
	participantsJSON, err := json.Marshal(participants)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("storage: encode participants: %w", err)
	}
	meetingJSON := ""
	if session.Meeting != nil {
		encoded, err := json.Marshal(session.Meeting)
		if err != nil {
			return SessionRecord{}, fmt.Errorf("storage: encode meeting: %w", err)
		}
		meetingJSON = string(encoded)
	}
	return SessionRecord{
		NoteID:             session.NoteID,
		ParticipantsJSON:   string(participantsJSON),
		MeetingJSON:        meetingJSON,
		LastActivityMillis: session.LastActivity.UnixMilli(),
		CreatedAtMillis:    session.CreatedAt.UnixMilli(),
	}, nil
}

func decodeRecord(record SessionRecord) (collab.Session, error) {
	session := collab.Session{
		NoteID:       record.NoteID,
		ActiveUsers:  []collab.Participant{},
		LastActivity: time.UnixMilli(record.LastActivityMillis).UTC(),
		CreatedAt:    time.UnixMilli(record.CreatedAtMillis).UTC(),
	}
	if record.ParticipantsJSON != "" {
		if err := json.Unmarshal([]byte(record.ParticipantsJSON), &session.ActiveUsers); err != nil {
			return collab.Session{}, fmt.Errorf("storage: decode participants for %s: %w", record.NoteID, err)
		}
	}
	if record.MeetingJSON != "" {
		var meeting collab.Meeting
		if err := json.Unmarshal([]byte(record.MeetingJSON), &meeting); err != nil {
			return collab.Session{}, fmt.Errorf("storage: decode meeting for %s: %w", record.NoteID, err)
		}
		session.Meeting = &meeting
	}
	return session, nil
}

// logUndecodable reports a record that a user scan had to skip.
func logUndecodable(logger *zap.Logger, noteID string, err error) {
	logger.Warn("skipping undecodable collaboration session",
		zap.String("note_id", noteID),
		zap.Error(err))
}
