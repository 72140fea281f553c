package ratings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/catalog"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type steppingClock struct {
	base  time.Time
	ticks atomic.Int64
}

func (c *steppingClock) Now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Second)
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&catalog.Entry{}, &Rating{}); err != nil {
		t.Fatalf("failed to migrate rating schema: %v", err)
	}
	clock := &steppingClock{base: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func seedEntry(t *testing.T, db *gorm.DB, externalID int64, title string) string {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := catalog.Entry{
		ID:         catalog.EntryID(externalID),
		ExternalID: externalID,
		Title:      title,
		Year:       2000,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("failed to seed catalog entry: %v", err)
	}
	return entry.ID
}

func countRatings(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Rating{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count ratings: %v", err)
	}
	return count
}

func TestUpsertComputesOverallMean(t *testing.T) {
	service, _ := newTestService(t)
	entryID := seedEntry(t, service.db, 1, "Cowboy Bebop")

	rating, err := service.Upsert(context.Background(), "user-1", entryID, Scores{Plot: 8, Animation: 7, Characters: 9, Dialogue: 6, Soundtrack: 8})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if rating.Overall != 7.6 {
		t.Fatalf("expected overall 7.6, got %v", rating.Overall)
	}
	if rating.ID != "user-1_mal_1" {
		t.Fatalf("expected composite id, got %q", rating.ID)
	}
}

func TestOverallRoundsToOneDecimal(t *testing.T) {
	cases := []struct {
		scores Scores
		want   float64
	}{
		{Scores{10, 10, 10, 10, 10}, 10},
		{Scores{1, 1, 1, 1, 2}, 1.2},
		{Scores{7, 7, 8, 8, 8}, 7.6},
		{Scores{1, 2, 3, 4, 5}, 3},
	}
	for _, tc := range cases {
		if got := tc.scores.Overall(); got != tc.want {
			t.Fatalf("overall of %+v: expected %v, got %v", tc.scores, tc.want, got)
		}
	}
}

func TestResubmissionOverwritesSingleRow(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	entryID := seedEntry(t, db, 20, "Naruto")

	first, err := service.Upsert(ctx, "user-1", entryID, Scores{5, 5, 5, 5, 5})
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	second, err := service.Upsert(ctx, "user-1", entryID, Scores{9, 9, 9, 9, 4})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if second.Plot != 9 || second.Soundtrack != 4 || second.Overall != 8 {
		t.Fatalf("expected overwritten scores, got %+v", second.Scores())
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("expected refreshed updated_at, got %v then %v", first.UpdatedAt, second.UpdatedAt)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected created_at to be preserved")
	}
	if countRatings(t, db) != 1 {
		t.Fatalf("expected a single rating row")
	}
}

func TestUpsertRejectsOutOfRangeScores(t *testing.T) {
	service, db := newTestService(t)
	entryID := seedEntry(t, db, 30, "Evangelion")

	for _, scores := range []Scores{{0, 5, 5, 5, 5}, {5, 5, 5, 5, 11}} {
		_, err := service.Upsert(context.Background(), "user-1", entryID, scores)
		if !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", scores, err)
		}
		if !errors.Is(err, ErrInvalidScores) {
			t.Fatalf("expected invalid scores cause, got %v", err)
		}
	}
	if countRatings(t, db) != 0 {
		t.Fatalf("expected nothing to be persisted")
	}
}

func TestScoreInputRejectsMissingDimension(t *testing.T) {
	value := 5
	_, err := ScoreInput{Plot: &value, Animation: &value, Characters: &value, Dialogue: &value}.Validate()
	if !errors.Is(err, ErrInvalidScores) {
		t.Fatalf("expected invalid scores, got %v", err)
	}

	scores, err := ScoreInput{Plot: &value, Animation: &value, Characters: &value, Dialogue: &value, Soundtrack: &value}.Validate()
	if err != nil {
		t.Fatalf("expected complete input to validate, got %v", err)
	}
	if scores.Overall() != 5 {
		t.Fatalf("unexpected overall %v", scores.Overall())
	}
}

func TestConcurrentSubmissionsConverge(t *testing.T) {
	service, db := newTestService(t)
	entryID := seedEntry(t, db, 40, "Trigun")

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			score := index + 1
			_, errs[index] = service.Upsert(context.Background(), "user-1", entryID, Scores{score, score, score, score, score})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d failed: %v", i, err)
		}
	}
	if countRatings(t, db) != 1 {
		t.Fatalf("expected concurrent submissions to converge on one row")
	}
	stored, err := service.Get(context.Background(), "user-1", entryID)
	if err != nil || stored == nil {
		t.Fatalf("expected stored rating, got %v / %v", stored, err)
	}
	if stored.Plot < 1 || stored.Plot > workers || stored.Overall != float64(stored.Plot) {
		t.Fatalf("expected one worker's complete submission, got %+v", stored.Scores())
	}
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	service, db := newTestService(t)
	entryID := seedEntry(t, db, 50, "Akira")

	rating, err := service.Get(context.Background(), "user-1", entryID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rating != nil {
		t.Fatalf("expected no rating, got %+v", rating)
	}
}

func TestDeleteNeverCreatedRatingIsNotFound(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	entryID := seedEntry(t, db, 60, "Monster")

	err := service.Delete(ctx, "user-1", entryID)
	if !errors.Is(err, apperr.ErrNotFound) || !errors.Is(err, ErrRatingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := service.Upsert(ctx, "user-1", entryID, Scores{6, 6, 6, 6, 6}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := service.Delete(ctx, "user-1", entryID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if countRatings(t, db) != 0 {
		t.Fatalf("expected rating to be removed")
	}
	if err := service.Delete(ctx, "user-1", entryID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

func TestListForUserOrdersByMostRecentUpdate(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	first := seedEntry(t, db, 70, "Berserk")
	second := seedEntry(t, db, 71, "Mushishi")

	if _, err := service.Upsert(ctx, "user-1", first, Scores{7, 7, 7, 7, 7}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := service.Upsert(ctx, "user-1", second, Scores{8, 8, 8, 8, 8}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := service.Upsert(ctx, "user-2", second, Scores{3, 3, 3, 3, 3}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	listed, err := service.ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected two ratings, got %d", len(listed))
	}
	if listed[0].CatalogEntryID != second || listed[1].CatalogEntryID != first {
		t.Fatalf("unexpected order: %q, %q", listed[0].CatalogEntryID, listed[1].CatalogEntryID)
	}
	if listed[0].CatalogEntry.Title != "Mushishi" {
		t.Fatalf("expected catalog entry to be joined, got %+v", listed[0].CatalogEntry)
	}

	if _, err := service.Upsert(ctx, "user-1", first, Scores{9, 9, 9, 9, 9}); err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}
	listed, err = service.ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if listed[0].CatalogEntryID != first {
		t.Fatalf("expected resubmitted rating first, got %q", listed[0].CatalogEntryID)
	}
}

func TestSummarizeItemAndCountByUser(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	entryID := seedEntry(t, db, 80, "Frieren")
	other := seedEntry(t, db, 81, "Dandadan")

	if _, err := service.Upsert(ctx, "user-1", entryID, Scores{10, 8, 9, 7, 10}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := service.Upsert(ctx, "user-2", entryID, Scores{9, 9, 9, 9, 9}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := service.Upsert(ctx, "user-1", other, Scores{5, 5, 5, 5, 5}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	summary, err := service.SummarizeItem(ctx, entryID)
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if summary.Count != 2 || summary.Plot != 9.5 || summary.Animation != 8.5 || summary.Overall != 8.9 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	empty, err := service.SummarizeItem(ctx, catalog.EntryID(999))
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if empty.Count != 0 || empty.Overall != 0 {
		t.Fatalf("expected empty summary, got %+v", empty)
	}

	counts, err := service.CountByUser(ctx, []string{"user-1", "user-2", "user-3"})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts["user-1"] != 2 || counts["user-2"] != 1 || counts["user-3"] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}
