// Package submissions coordinates the rating workflow across identity, catalog, ratings and views.
package submissions

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/ratings"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/users"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/views"
	"go.uber.org/zap"
)

const (
	opSubmit          = "submissions.submit"
	opGetUserRating   = "submissions.get_user_rating"
	opListUserRatings = "submissions.list_user_ratings"
	opDeleteRating    = "submissions.delete_rating"
	opItemDetail      = "submissions.item_detail"
	opPublicProfile   = "submissions.public_profile"
	opSearchUsers     = "submissions.search_users"

	userSearchLimit = 20
)

var (
	// ErrAuthRequired indicates the request carried no verified caller.
	ErrAuthRequired = errors.New("submissions: authentication required")

	errMissingDependency = errors.New("submissions: identity, catalog and ratings dependencies required")
)

// IdentityResolver maps verified callers onto internal users.
type IdentityResolver interface {
	Resolve(ctx context.Context, subject, email string) (users.User, error)
	FindByUsername(ctx context.Context, username string) (users.User, error)
	Search(ctx context.Context, query string, limit int) ([]users.User, error)
}

// CatalogMirror mirrors and reads catalog entries.
type CatalogMirror interface {
	Resolve(ctx context.Context, ref catalog.ItemRef) (catalog.Entry, error)
	Get(ctx context.Context, entryID string) (catalog.Entry, error)
	Fetch(ctx context.Context, externalID int64) (catalog.Entry, error)
	Search(ctx context.Context, query string) ([]catalog.ItemRef, error)
}

// RatingStore persists and aggregates ratings.
type RatingStore interface {
	Upsert(ctx context.Context, userID, catalogEntryID string, scores ratings.Scores) (ratings.Rating, error)
	Get(ctx context.Context, userID, catalogEntryID string) (*ratings.Rating, error)
	ListForUser(ctx context.Context, userID string) ([]ratings.Rating, error)
	Delete(ctx context.Context, userID, catalogEntryID string) error
	SummarizeItem(ctx context.Context, catalogEntryID string) (ratings.ItemSummary, error)
	CountByUser(ctx context.Context, userIDs []string) (map[string]int64, error)
}

// Caller is the verified identity supplied by the authenticator for one request.
type Caller struct {
	Subject string
	Email   string
}

func (c Caller) authenticated() bool {
	return strings.TrimSpace(c.Subject) != "" && strings.TrimSpace(c.Email) != ""
}

// Config describes the collaborators of the Coordinator. Cache and Invalidator are optional.
type Config struct {
	Identity    IdentityResolver
	Catalog     CatalogMirror
	Ratings     RatingStore
	Cache       *views.RedisCache
	Invalidator *views.Invalidator
	Logger      *zap.Logger
	Metrics     *metrics.Recorder
}

// Coordinator runs the rating use cases.
type Coordinator struct {
	identity    IdentityResolver
	catalog     CatalogMirror
	ratings     RatingStore
	cache       *views.RedisCache
	invalidator *views.Invalidator
	logger      *zap.Logger
	metrics     *metrics.Recorder
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Identity == nil || cfg.Catalog == nil || cfg.Ratings == nil {
		return nil, errMissingDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		identity:    cfg.Identity,
		catalog:     cfg.Catalog,
		ratings:     cfg.Ratings,
		cache:       cfg.Cache,
		invalidator: cfg.Invalidator,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Submit records the caller's scores for the referenced item.
//
// Caller, scores and item reference are validated before any write. The mirror, identity and
// rating writes are each atomic on their own; a failure after the mirror write needs no
// compensation because retrying repeats the same idempotent upserts. Invalidation runs
// after the rating write and cannot fail the submission.
func (c *Coordinator) Submit(ctx context.Context, caller Caller, ref catalog.ItemRef, input ratings.ScoreInput) (ratings.Rating, error) {
	rating, err := c.submit(ctx, caller, ref, input)
	switch {
	case err == nil:
		c.metrics.ObserveSubmission(metrics.OutcomeSuccess)
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrAuthRequired):
		c.metrics.ObserveSubmission(metrics.OutcomeRejected)
	default:
		c.metrics.ObserveSubmission(metrics.OutcomeFailure)
	}
	return rating, err
}

func (c *Coordinator) submit(ctx context.Context, caller Caller, ref catalog.ItemRef, input ratings.ScoreInput) (ratings.Rating, error) {
	if !caller.authenticated() {
		return ratings.Rating{}, apperr.New(apperr.KindAuthRequired, opSubmit, "auth_required", ErrAuthRequired)
	}
	scores, err := input.Validate()
	if err != nil {
		return ratings.Rating{}, apperr.New(apperr.KindValidation, opSubmit, "invalid_scores", err)
	}
	if ref.ExternalID <= 0 {
		return ratings.Rating{}, apperr.New(apperr.KindValidation, opSubmit, "invalid_item_ref", catalog.ErrInvalidItemRef)
	}

	entry, err := c.catalog.Resolve(ctx, ref)
	if err != nil {
		return ratings.Rating{}, err
	}
	user, err := c.identity.Resolve(ctx, caller.Subject, caller.Email)
	if err != nil {
		return ratings.Rating{}, err
	}
	rating, err := c.ratings.Upsert(ctx, user.ID, entry.ID, scores)
	if err != nil {
		return ratings.Rating{}, err
	}
	rating.CatalogEntry = entry

	c.invalidator.Invalidate(ctx, views.Change{
		UserID:         user.ID,
		Username:       user.Username(),
		CatalogEntryID: entry.ID,
	})
	c.logger.Info("rating submitted",
		zap.String("user_id", user.ID),
		zap.String("catalog_entry_id", entry.ID),
		zap.Float64("overall", rating.Overall))
	return rating, nil
}

// ResolveCaller maps the caller onto its internal user.
func (c *Coordinator) ResolveCaller(ctx context.Context, caller Caller) (users.User, error) {
	if !caller.authenticated() {
		return users.User{}, apperr.New(apperr.KindAuthRequired, "submissions.resolve_caller", "auth_required", ErrAuthRequired)
	}
	return c.identity.Resolve(ctx, caller.Subject, caller.Email)
}

// GetUserRating returns the caller's rating for an item, or nil when none exists.
func (c *Coordinator) GetUserRating(ctx context.Context, caller Caller, itemID string) (*ratings.Rating, error) {
	user, entryID, err := c.resolveCallerAndItem(ctx, opGetUserRating, caller, itemID)
	if err != nil {
		return nil, err
	}
	return c.ratings.Get(ctx, user.ID, entryID)
}

// ListUserRatings returns the caller's ratings, most recently updated first.
func (c *Coordinator) ListUserRatings(ctx context.Context, caller Caller) ([]ratings.Rating, error) {
	if !caller.authenticated() {
		return nil, apperr.New(apperr.KindAuthRequired, opListUserRatings, "auth_required", ErrAuthRequired)
	}
	user, err := c.identity.Resolve(ctx, caller.Subject, caller.Email)
	if err != nil {
		return nil, err
	}
	return c.listRatings(ctx, views.UserRatings(user.ID), user.ID)
}

// DeleteRating removes the caller's rating for an item. A missing rating is reported as not found.
func (c *Coordinator) DeleteRating(ctx context.Context, caller Caller, itemID string) error {
	user, entryID, err := c.resolveCallerAndItem(ctx, opDeleteRating, caller, itemID)
	if err != nil {
		return err
	}
	if err := c.ratings.Delete(ctx, user.ID, entryID); err != nil {
		return err
	}
	c.invalidator.Invalidate(ctx, views.Change{
		UserID:         user.ID,
		Username:       user.Username(),
		CatalogEntryID: entryID,
	})
	return nil
}

// ItemDetail is the public view of one catalog entry.
type ItemDetail struct {
	Entry   catalog.Entry       `json:"entry"`
	Summary ratings.ItemSummary `json:"summary"`
}

// ItemDetail returns the mirrored entry and its rating summary.
// An item that was never rated is read from the catalog source, not mirrored and not cached.
func (c *Coordinator) ItemDetail(ctx context.Context, itemID string) (ItemDetail, error) {
	externalID, err := catalog.ParseExternalID(itemID)
	if err != nil {
		return ItemDetail{}, apperr.New(apperr.KindValidation, opItemDetail, "invalid_item_id", err)
	}
	entryID := catalog.EntryID(externalID)

	var detail ItemDetail
	err = c.cache.Load(ctx, views.Item(entryID), &detail, func(ctx context.Context) (any, error) {
		entry, err := c.catalog.Get(ctx, entryID)
		if err != nil {
			return nil, err
		}
		summary, err := c.ratings.SummarizeItem(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		return ItemDetail{Entry: entry, Summary: summary}, nil
	})
	if errors.Is(err, catalog.ErrEntryNotFound) {
		entry, fetchErr := c.catalog.Fetch(ctx, externalID)
		if fetchErr != nil {
			return ItemDetail{}, fetchErr
		}
		return ItemDetail{Entry: entry, Summary: ratings.ItemSummary{CatalogEntryID: entry.ID}}, nil
	}
	if err != nil {
		return ItemDetail{}, err
	}
	return detail, nil
}

// SearchCatalog passes a title search through to the catalog source.
func (c *Coordinator) SearchCatalog(ctx context.Context, query string) ([]catalog.ItemRef, error) {
	return c.catalog.Search(ctx, strings.TrimSpace(query))
}

// Profile is the public rating list of one user.
type Profile struct {
	Username string           `json:"username"`
	Ratings  []ratings.Rating `json:"ratings"`
}

// PublicProfile returns the ratings of the user addressed by username.
func (c *Coordinator) PublicProfile(ctx context.Context, username string) (Profile, error) {
	user, err := c.identity.FindByUsername(ctx, username)
	if err != nil {
		return Profile{}, err
	}
	list, err := c.listRatings(ctx, views.Profile(user.Username()), user.ID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{Username: user.Username(), Ratings: list}, nil
}

// UserSummary is one row of the user search.
type UserSummary struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	TotalRatings int64  `json:"total_ratings"`
}

// SearchUsers returns users whose email starts with query, with their rating counts.
func (c *Coordinator) SearchUsers(ctx context.Context, query string) ([]UserSummary, error) {
	found, err := c.identity.Search(ctx, query, userSearchLimit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(found))
	for _, user := range found {
		ids = append(ids, user.ID)
	}
	counts, err := c.ratings.CountByUser(ctx, ids)
	if err != nil {
		c.logger.Error("user search counts failed",
			zap.String("operation", opSearchUsers),
			zap.Error(err))
		return nil, err
	}
	summaries := make([]UserSummary, 0, len(found))
	for _, user := range found {
		summaries = append(summaries, UserSummary{
			Username:     user.Username(),
			Email:        user.Email,
			TotalRatings: counts[user.ID],
		})
	}
	return summaries, nil
}

func (c *Coordinator) listRatings(ctx context.Context, view views.View, userID string) ([]ratings.Rating, error) {
	var list []ratings.Rating
	err := c.cache.Load(ctx, view, &list, func(ctx context.Context) (any, error) {
		return c.ratings.ListForUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []ratings.Rating{}
	}
	return list, nil
}

func (c *Coordinator) resolveCallerAndItem(ctx context.Context, operation string, caller Caller, itemID string) (users.User, string, error) {
	if !caller.authenticated() {
		return users.User{}, "", apperr.New(apperr.KindAuthRequired, operation, "auth_required", ErrAuthRequired)
	}
	externalID, err := catalog.ParseExternalID(itemID)
	if err != nil {
		return users.User{}, "", apperr.New(apperr.KindValidation, operation, "invalid_item_id", err)
	}
	user, err := c.identity.Resolve(ctx, caller.Subject, caller.Email)
	if err != nil {
		return users.User{}, "", err
	}
	return user, catalog.EntryID(externalID), nil
}
