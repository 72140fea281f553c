package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeUserEmails = "2026-10-16_normalize_user_emails"

	migrationBatchSize = 200
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
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationNormalizeUserEmails, apply: normalizeUserEmails},
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
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx, logger); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		}); err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// normalizeUserEmails rewrites user emails into the trimmed lower-case form used for resolution.
// Accounts imported from the web app's user table kept the provider's casing, which the
// email conflict target would never match. Rows whose normalized email is already taken are left
// untouched and logged for manual merging.
func normalizeUserEmails(db *gorm.DB, logger *zap.Logger) error {
	var pending []users.User
	return db.Model(&users.User{}).
		Where("email <> LOWER(TRIM(email))").
		FindInBatches(&pending, migrationBatchSize, func(tx *gorm.DB, _ int) error {
			for _, user := range pending {
				normalized := users.NormalizeEmail(user.Email)
				var taken int64
				if err := tx.Model(&users.User{}).Where("email = ?", normalized).Count(&taken).Error; err != nil {
					return err
				}
				if taken > 0 {
					logger.Warn("skipping email normalization for duplicate account",
						zap.String("user_id", user.ID),
						zap.String("email", normalized))
					continue
				}
				if err := tx.Model(&users.User{}).
					Where("id = ?", user.ID).
					Update("email", normalized).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}
