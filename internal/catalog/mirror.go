package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opMirrorUpsert  = "catalog.upsert"
	opMirrorResolve = "catalog.resolve"
	opMirrorGet     = "catalog.get"
	opMirrorFetch   = "catalog.fetch"
)

var (
	errMissingDatabase = errors.New("catalog: database connection required")

	mutableColumns = []string{"external_id", "title", "description", "cover_image", "year", "updated_at"}
)

// MirrorConfig describes the dependencies of the catalog mirror.
type MirrorConfig struct {
	Database *gorm.DB
	Source   Source
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// Mirror keeps local copies of external catalog items.
type Mirror struct {
	db      *gorm.DB
	source  Source
	clock   func() time.Time
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewMirror constructs a Mirror. Source is optional; without it only complete references mirror.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
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
	return &Mirror{
		db:      cfg.Database,
		source:  cfg.Source,
		clock:   clock,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Upsert writes the item under its deterministic id, inserting or overwriting every mutable field.
// Only the external id is required; missing fields are stored empty and a missing year becomes the current one.
func (m *Mirror) Upsert(ctx context.Context, ref ItemRef) (Entry, error) {
	if ref.ExternalID <= 0 {
		return Entry{}, apperr.New(apperr.KindValidation, opMirrorUpsert, "invalid_item_ref", ErrInvalidItemRef)
	}
	entry := m.entryFromRef(ref)
	err := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(mutableColumns),
		}).
		Create(&entry).Error
	if err != nil {
		m.logError(opMirrorUpsert, "upsert_failed", err, zap.String("entry_id", entry.ID))
		return Entry{}, apperr.New(apperr.KindStorage, opMirrorUpsert, "upsert_failed", err)
	}
	return m.Get(ctx, entry.ID)
}

// Resolve mirrors the referenced item, consulting the catalog source when the reference is bare.
// A source failure falls back to the existing mirrored copy; without one the call fails.
func (m *Mirror) Resolve(ctx context.Context, ref ItemRef) (Entry, error) {
	if ref.ExternalID <= 0 {
		return Entry{}, apperr.New(apperr.KindValidation, opMirrorResolve, "invalid_item_ref", ErrInvalidItemRef)
	}
	if ref.Complete() {
		return m.Upsert(ctx, ref)
	}

	var fetchErr error
	if m.source != nil {
		fetched, err := m.source.FetchItem(ctx, ref.ExternalID)
		if err == nil {
			return m.Upsert(ctx, fetched)
		}
		fetchErr = err
	} else {
		fetchErr = errors.New("catalog: no source configured")
	}

	existing, err := m.Get(ctx, EntryID(ref.ExternalID))
	if err == nil {
		m.metrics.ObserveCatalogFetch(metrics.OutcomeFallback)
		m.logger.Warn("catalog source unavailable, using mirrored copy",
			zap.String("entry_id", existing.ID),
			zap.Error(fetchErr))
		return existing, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return Entry{}, err
	}
	if errors.Is(fetchErr, ErrSourceItemNotFound) {
		return Entry{}, apperr.New(apperr.KindValidation, opMirrorResolve, "unknown_item", fetchErr)
	}
	m.logError(opMirrorResolve, "source_unavailable", fetchErr, zap.Int64("external_id", ref.ExternalID))
	return Entry{}, apperr.New(apperr.KindStorage, opMirrorResolve, "source_unavailable",
		fmt.Errorf("%w: %v", ErrCatalogUnavailable, fetchErr))
}

// Fetch reads the item from the catalog source without mirroring it.
func (m *Mirror) Fetch(ctx context.Context, externalID int64) (Entry, error) {
	if externalID <= 0 {
		return Entry{}, apperr.New(apperr.KindValidation, opMirrorFetch, "invalid_item_ref", ErrInvalidItemRef)
	}
	if m.source == nil {
		return Entry{}, apperr.New(apperr.KindNotFound, opMirrorFetch, "unknown_item", ErrEntryNotFound)
	}
	fetched, err := m.source.FetchItem(ctx, externalID)
	if errors.Is(err, ErrSourceItemNotFound) {
		return Entry{}, apperr.New(apperr.KindNotFound, opMirrorFetch, "unknown_item", err)
	}
	if err != nil {
		m.logError(opMirrorFetch, "source_unavailable", err, zap.Int64("external_id", externalID))
		return Entry{}, apperr.New(apperr.KindStorage, opMirrorFetch, "source_unavailable",
			fmt.Errorf("%w: %v", ErrCatalogUnavailable, err))
	}
	fetched.ExternalID = externalID
	return m.entryFromRef(fetched), nil
}

// Get loads a mirrored entry by id.
func (m *Mirror) Get(ctx context.Context, entryID string) (Entry, error) {
	var entry Entry
	err := m.db.WithContext(ctx).Where("id = ?", entryID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, apperr.New(apperr.KindNotFound, opMirrorGet, "not_found", ErrEntryNotFound)
	}
	if err != nil {
		m.logError(opMirrorGet, "query_failed", err, zap.String("entry_id", entryID))
		return Entry{}, apperr.New(apperr.KindStorage, opMirrorGet, "query_failed", err)
	}
	return entry, nil
}

// Search proxies a title search to the catalog source.
func (m *Mirror) Search(ctx context.Context, query string) ([]ItemRef, error) {
	if m.source == nil {
		return nil, nil
	}
	results, err := m.source.Search(ctx, query)
	if err != nil {
		m.logError("catalog.search", "source_failed", err)
		return nil, apperr.New(apperr.KindStorage, "catalog.search", "source_failed", err)
	}
	return results, nil
}

func (m *Mirror) entryFromRef(ref ItemRef) Entry {
	now := m.clock().UTC()
	year := ref.Year
	if year <= 0 {
		year = now.Year()
	}
	return Entry{
		ID:          EntryID(ref.ExternalID),
		ExternalID:  ref.ExternalID,
		Title:       strings.TrimSpace(ref.Title),
		Description: ref.Synopsis,
		CoverImage:  strings.TrimSpace(ref.CoverImage),
		Year:        year,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (m *Mirror) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("catalog mirror error", attrs...)
}
