package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseUserEmails = "2026-09-28_lowercase_user_emails"
	migrationDropEmptySessions   = "2026-10-02_drop_empty_collaboration_sessions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseUserEmails, apply: lowercaseUserEmails},
		{name: migrationDropEmptySessions, apply: dropEmptySessions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Registration lower-cases emails; older rows predate that.
func lowercaseUserEmails(db *gorm.DB) error {
	return db.Exec("UPDATE users SET email = lower(email) WHERE email <> lower(email)").Error
}

// Sessions without participants or a meeting carry no state worth keeping.
func dropEmptySessions(db *gorm.DB) error {
	return db.Exec("DELETE FROM collaboration_sessions " +
		"WHERE participants_json IN ('', 'null', '[]') AND meeting_json IN ('', 'null')").Error
}
