package ratings

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opUpsert        = "ratings.upsert"
	opGet           = "ratings.get"
	opListForUser   = "ratings.list_for_user"
	opDelete        = "ratings.delete"
	opSummarizeItem = "ratings.summarize_item"
	opCountByUser   = "ratings.count_by_user"

	orderMostRecent = "updated_at DESC, id ASC"
)

var (
	errMissingDatabase = errors.New("ratings: database connection required")

	overwrittenColumns = []string{"plot", "animation", "characters", "dialogue", "soundtrack", "overall", "updated_at"}
)

// ServiceConfig describes the dependencies of the rating aggregator.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service validates, aggregates and stores per-(user, entry) ratings.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the rating aggregator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Upsert stores the scores of userID for catalogEntryID.
//
// The record id is derived from the pair, so creation and resubmission are the same single
// insert-or-overwrite statement; concurrent submissions converge on one row, last commit wins.
// created_at is only written by the insert branch.
func (s *Service) Upsert(ctx context.Context, userID, catalogEntryID string, scores Scores) (Rating, error) {
	userID, catalogEntryID, err := validateKey(opUpsert, userID, catalogEntryID)
	if err != nil {
		return Rating{}, err
	}
	if err := scores.Validate(); err != nil {
		return Rating{}, apperr.New(apperr.KindValidation, opUpsert, "invalid_scores", err)
	}

	now := s.clock().UTC()
	record := Rating{
		ID:             RatingID(userID, catalogEntryID),
		UserID:         userID,
		CatalogEntryID: catalogEntryID,
		Plot:           scores.Plot,
		Animation:      scores.Animation,
		Characters:     scores.Characters,
		Dialogue:       scores.Dialogue,
		Soundtrack:     scores.Soundtrack,
		Overall:        scores.Overall(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(overwrittenColumns),
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opUpsert, "upsert_failed", err,
			zap.String("user_id", userID),
			zap.String("catalog_entry_id", catalogEntryID))
		return Rating{}, apperr.New(apperr.KindStorage, opUpsert, "upsert_failed", err)
	}

	var stored Rating
	if err := s.db.WithContext(ctx).Where("id = ?", record.ID).Take(&stored).Error; err != nil {
		s.logError(opUpsert, "reload_failed", err, zap.String("rating_id", record.ID))
		return Rating{}, apperr.New(apperr.KindStorage, opUpsert, "reload_failed", err)
	}
	return stored, nil
}

// Get returns the rating of userID for catalogEntryID, or nil when none exists.
func (s *Service) Get(ctx context.Context, userID, catalogEntryID string) (*Rating, error) {
	userID, catalogEntryID, err := validateKey(opGet, userID, catalogEntryID)
	if err != nil {
		return nil, err
	}
	var record Rating
	err = s.db.WithContext(ctx).
		Where("id = ?", RatingID(userID, catalogEntryID)).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGet, "query_failed", err,
			zap.String("user_id", userID),
			zap.String("catalog_entry_id", catalogEntryID))
		return nil, apperr.New(apperr.KindStorage, opGet, "query_failed", err)
	}
	return &record, nil
}

// ListForUser returns every rating of userID, most recently updated first, with its catalog entry.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Rating, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(apperr.KindValidation, opListForUser, "missing_user_id", ErrInvalidKey)
	}
	var records []Rating
	err := s.db.WithContext(ctx).
		Preload("CatalogEntry").
		Where("user_id = ?", userID).
		Order(orderMostRecent).
		Find(&records).Error
	if err != nil {
		s.logError(opListForUser, "query_failed", err, zap.String("user_id", userID))
		return nil, apperr.New(apperr.KindStorage, opListForUser, "query_failed", err)
	}
	return records, nil
}

// Delete removes the rating of userID for catalogEntryID. A missing rating is reported as not found.
func (s *Service) Delete(ctx context.Context, userID, catalogEntryID string) error {
	userID, catalogEntryID, err := validateKey(opDelete, userID, catalogEntryID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("id = ?", RatingID(userID, catalogEntryID)).
		Delete(&Rating{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error,
			zap.String("user_id", userID),
			zap.String("catalog_entry_id", catalogEntryID))
		return apperr.New(apperr.KindStorage, opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, opDelete, "not_found", ErrRatingNotFound)
	}
	return nil
}

// ItemSummary aggregates every rating of one catalog entry.
type ItemSummary struct {
	CatalogEntryID string  `json:"catalog_entry_id"`
	Count          int64   `json:"count"`
	Plot           float64 `json:"plot"`
	Animation      float64 `json:"animation"`
	Characters     float64 `json:"characters"`
	Dialogue       float64 `json:"dialogue"`
	Soundtrack     float64 `json:"soundtrack"`
	Overall        float64 `json:"overall"`
}

// SummarizeItem returns the rating count and per-dimension averages for catalogEntryID.
func (s *Service) SummarizeItem(ctx context.Context, catalogEntryID string) (ItemSummary, error) {
	catalogEntryID = strings.TrimSpace(catalogEntryID)
	if catalogEntryID == "" {
		return ItemSummary{}, apperr.New(apperr.KindValidation, opSummarizeItem, "missing_catalog_entry_id", ErrInvalidKey)
	}
	var row struct {
		Count      int64
		Plot       float64
		Animation  float64
		Characters float64
		Dialogue   float64
		Soundtrack float64
		Overall    float64
	}
	err := s.db.WithContext(ctx).
		Model(&Rating{}).
		Select("COUNT(*) AS count, " +
			"COALESCE(AVG(plot), 0) AS plot, " +
			"COALESCE(AVG(animation), 0) AS animation, " +
			"COALESCE(AVG(characters), 0) AS characters, " +
			"COALESCE(AVG(dialogue), 0) AS dialogue, " +
			"COALESCE(AVG(soundtrack), 0) AS soundtrack, " +
			"COALESCE(AVG(overall), 0) AS overall").
		Where("catalog_entry_id = ?", catalogEntryID).
		Scan(&row).Error
	if err != nil {
		s.logError(opSummarizeItem, "query_failed", err, zap.String("catalog_entry_id", catalogEntryID))
		return ItemSummary{}, apperr.New(apperr.KindStorage, opSummarizeItem, "query_failed", err)
	}
	return ItemSummary{
		CatalogEntryID: catalogEntryID,
		Count:          row.Count,
		Plot:           roundOneDecimal(row.Plot),
		Animation:      roundOneDecimal(row.Animation),
		Characters:     roundOneDecimal(row.Characters),
		Dialogue:       roundOneDecimal(row.Dialogue),
		Soundtrack:     roundOneDecimal(row.Soundtrack),
		Overall:        roundOneDecimal(row.Overall),
	}, nil
}

// CountByUser returns the number of ratings per user id; users without ratings are omitted.
func (s *Service) CountByUser(ctx context.Context, userIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		UserID string
		Total  int64
	}
	err := s.db.WithContext(ctx).
		Model(&Rating{}).
		Select("user_id, COUNT(*) AS total").
		Where("user_id IN ?", userIDs).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		s.logError(opCountByUser, "query_failed", err)
		return nil, apperr.New(apperr.KindStorage, opCountByUser, "query_failed", err)
	}
	for _, row := range rows {
		counts[row.UserID] = row.Total
	}
	return counts, nil
}

func validateKey(operation, userID, catalogEntryID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	catalogEntryID = strings.TrimSpace(catalogEntryID)
	if userID == "" || catalogEntryID == "" {
		return "", "", apperr.New(apperr.KindValidation, operation, "invalid_key", ErrInvalidKey)
	}
	return userID, catalogEntryID, nil
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
	s.logger.Error("ratings service error", attrs...)
}
