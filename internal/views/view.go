// Package views tracks derived read views and marks them stale after rating changes.
package views

import (
	"context"
	"strings"
)

// Kind names a family of derived views.
type Kind string

const (
	KindUserRatings Kind = "user-ratings"
	KindItem        Kind = "item"
	KindProfile     Kind = "profile"
)

// View identifies one derived read view, e.g. the rating list of a user.
type View struct {
	Kind Kind
	ID   string
}

// Key returns the stable cache key of the view.
func (v View) Key() string {
	return string(v.Kind) + ":" + v.ID
}

// UserRatings is the rating list view of a user.
func UserRatings(userID string) View {
	return View{Kind: KindUserRatings, ID: strings.TrimSpace(userID)}
}

// Item is the detail view of a catalog entry, including its rating summary.
func Item(catalogEntryID string) View {
	return View{Kind: KindItem, ID: strings.TrimSpace(catalogEntryID)}
}

// Profile is the public profile view addressed by username.
func Profile(username string) View {
	return View{Kind: KindProfile, ID: strings.ToLower(strings.TrimSpace(username))}
}

// Change describes a rating mutation and the views it makes stale.
type Change struct {
	UserID         string
	Username       string
	CatalogEntryID string
}

// Views lists every view derived from the changed rating.
func (c Change) Views() []View {
	views := make([]View, 0, 3)
	if c.UserID != "" {
		views = append(views, UserRatings(c.UserID))
	}
	if c.Username != "" {
		views = append(views, Profile(c.Username))
	}
	if c.CatalogEntryID != "" {
		views = append(views, Item(c.CatalogEntryID))
	}
	return views
}

// Sink receives invalidation notices.
type Sink interface {
	Name() string
	Invalidate(ctx context.Context, change Change) error
}
