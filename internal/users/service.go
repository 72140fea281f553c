package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the caller did not present both a subject and an email.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no user matches the lookup.
	ErrUserNotFound = errors.New("users: user not found")

	errMissingDatabase = errors.New("users: database connection required")
)

const (
	opResolve        = "users.resolve"
	opFindByID       = "users.find_by_id"
	opFindByUsername = "users.find_by_username"
	opSearch         = "users.search"

	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service maps externally authenticated callers onto stable internal users.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Resolve returns the user for a verified (subject, email) pair.
//
// A known subject resolves directly. Otherwise the user owning the email is created, or has its
// subject rewritten, by a single insert-or-update keyed on the unique email. Any login sharing an
// email string therefore lands on the same user.
func (s *Service) Resolve(ctx context.Context, subject, email string) (User, error) {
	subject = normalize(subject)
	email = NormalizeEmail(email)
	if subject == "" || email == "" {
		return User{}, apperr.New(apperr.KindAuthRequired, opResolve, "invalid_identity", ErrInvalidIdentity)
	}

	var existing User
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject).
		Order("updated_at DESC").
		Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opResolve, "subject_lookup_failed", err, zap.String("subject", subject))
		return User{}, apperr.New(apperr.KindStorage, opResolve, "subject_lookup_failed", err)
	}

	userID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opResolve, "id_generation_failed", err)
		return User{}, apperr.New(apperr.KindStorage, opResolve, "id_generation_failed", err)
	}

	now := s.now().UTC()
	candidate := User{
		ID:        userID,
		Email:     email,
		Subject:   subject,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"subject", "updated_at"}),
		}).
		Create(&candidate).Error
	if err != nil {
		s.logError(opResolve, "upsert_failed", err, zap.String("subject", subject))
		return User{}, apperr.New(apperr.KindStorage, opResolve, "upsert_failed", err)
	}

	var stored User
	if err := s.db.WithContext(ctx).Where("email = ?", email).Take(&stored).Error; err != nil {
		s.logError(opResolve, "reload_failed", err, zap.String("subject", subject))
		return User{}, apperr.New(apperr.KindStorage, opResolve, "reload_failed", err)
	}
	if stored.ID != userID {
		s.logger.Info("user subject rebound",
			zap.String("user_id", stored.ID),
			zap.String("subject", subject))
	}
	return stored, nil
}

// FindByID loads a user by internal identifier.
func (s *Service) FindByID(ctx context.Context, userID string) (User, error) {
	userID = normalize(userID)
	if userID == "" {
		return User{}, apperr.New(apperr.KindValidation, opFindByID, "missing_user_id", ErrUserNotFound)
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.New(apperr.KindNotFound, opFindByID, "not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opFindByID, "query_failed", err, zap.String("user_id", userID))
		return User{}, apperr.New(apperr.KindStorage, opFindByID, "query_failed", err)
	}
	return user, nil
}

// FindByUsername loads the user whose email local part equals username.
func (s *Service) FindByUsername(ctx context.Context, username string) (User, error) {
	username = strings.ToLower(normalize(username))
	if username == "" || strings.Contains(username, "@") {
		return User{}, apperr.New(apperr.KindValidation, opFindByUsername, "invalid_username", ErrUserNotFound)
	}
	prefix := username + "@"
	var user User
	err := s.db.WithContext(ctx).
		Where("substr(email, 1, ?) = ?", len(prefix), prefix).
		Order("created_at ASC").
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.New(apperr.KindNotFound, opFindByUsername, "not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opFindByUsername, "query_failed", err, zap.String("username", username))
		return User{}, apperr.New(apperr.KindStorage, opFindByUsername, "query_failed", err)
	}
	return user, nil
}

// Search returns users whose email starts with query, ordered by email.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]User, error) {
	query = strings.ToLower(normalize(query))
	if query == "" {
		return nil, apperr.New(apperr.KindValidation, opSearch, "missing_query", fmt.Errorf("users: empty search query"))
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	var found []User
	err := s.db.WithContext(ctx).
		Where("substr(email, 1, ?) = ?", len(query), query).
		Order("email ASC").
		Limit(limit).
		Find(&found).Error
	if err != nil {
		s.logError(opSearch, "query_failed", err)
		return nil, apperr.New(apperr.KindStorage, opSearch, "query_failed", err)
	}
	return found, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
