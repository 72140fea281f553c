package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const entryIDPrefix = "mal_"

var (
	// ErrInvalidItemRef indicates the item reference lacks a usable external id.
	ErrInvalidItemRef = errors.New("catalog: invalid item reference")
	// ErrEntryNotFound indicates no mirrored entry exists for the id.
	ErrEntryNotFound = errors.New("catalog: entry not found")
	// ErrCatalogUnavailable indicates the source failed and no mirrored copy exists.
	ErrCatalogUnavailable = errors.New("catalog: source unavailable and no mirrored copy")
)

// Entry is the local mirror of an external catalog item.
type Entry struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	ExternalID  int64     `gorm:"column:external_id;not null" json:"external_id"`
	Title       string    `gorm:"column:title;size:512;not null" json:"title"`
	Description string    `gorm:"column:description;type:text;not null;default:''" json:"description"`
	CoverImage  string    `gorm:"column:cover_image;size:1024;not null;default:''" json:"cover_image"`
	Year        int       `gorm:"column:year;not null" json:"year"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "catalog_entries"
}

// ItemRef carries an external item id plus the display fields known to the caller.
type ItemRef struct {
	ExternalID int64  `json:"external_id"`
	Title      string `json:"title"`
	Synopsis   string `json:"synopsis"`
	CoverImage string `json:"cover_image"`
	Year       int    `json:"year"`
}

// Complete reports whether the reference carries enough data to mirror without a source fetch.
func (ref ItemRef) Complete() bool {
	return strings.TrimSpace(ref.Title) != ""
}

// EntryID derives the mirror id for an external id.
func EntryID(externalID int64) string {
	return entryIDPrefix + strconv.FormatInt(externalID, 10)
}

// ParseExternalID accepts either a bare external id or a mirror id.
func ParseExternalID(raw string) (int64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), entryIDPrefix)
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidItemRef, raw)
	}
	return value, nil
}
