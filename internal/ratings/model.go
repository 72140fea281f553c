package ratings

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/catalog"
)

const (
	MinScore = 1
	MaxScore = 10
)

var (
	// ErrInvalidScores indicates a missing or out-of-range sub-score.
	ErrInvalidScores = errors.New("ratings: invalid scores")
	// ErrRatingNotFound indicates no rating exists for the (user, entry) pair.
	ErrRatingNotFound = errors.New("ratings: rating not found")
	// ErrInvalidKey indicates an empty user or catalog entry identifier.
	ErrInvalidKey = errors.New("ratings: invalid rating key")
)

// Rating is the stored score of one user for one catalog entry.
type Rating struct {
	ID             string        `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID         string        `gorm:"column:user_id;size:64;not null;index:idx_ratings_user_updated,priority:1" json:"user_id"`
	CatalogEntryID string        `gorm:"column:catalog_entry_id;size:64;not null;index:idx_ratings_entry" json:"catalog_entry_id"`
	Plot           int           `gorm:"column:plot;not null;check:chk_ratings_plot,plot BETWEEN 1 AND 10" json:"plot"`
	Animation      int           `gorm:"column:animation;not null;check:chk_ratings_animation,animation BETWEEN 1 AND 10" json:"animation"`
	Characters     int           `gorm:"column:characters;not null;check:chk_ratings_characters,characters BETWEEN 1 AND 10" json:"characters"`
	Dialogue       int           `gorm:"column:dialogue;not null;check:chk_ratings_dialogue,dialogue BETWEEN 1 AND 10" json:"dialogue"`
	Soundtrack     int           `gorm:"column:soundtrack;not null;check:chk_ratings_soundtrack,soundtrack BETWEEN 1 AND 10" json:"soundtrack"`
	Overall        float64       `gorm:"column:overall;not null" json:"overall"`
	CreatedAt      time.Time     `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_ratings_user_updated,priority:2" json:"updated_at"`
	CatalogEntry   catalog.Entry `gorm:"foreignKey:CatalogEntryID;references:ID;constraint:OnDelete:RESTRICT" json:"catalog_entry,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Rating) TableName() string {
	return "ratings"
}

// Scores returns the five sub-scores of the record.
func (r Rating) Scores() Scores {
	return Scores{
		Plot:       r.Plot,
		Animation:  r.Animation,
		Characters: r.Characters,
		Dialogue:   r.Dialogue,
		Soundtrack: r.Soundtrack,
	}
}

// RatingID derives the composite id of the (user, entry) pair.
func RatingID(userID, catalogEntryID string) string {
	return userID + "_" + catalogEntryID
}

// Scores holds five validated sub-scores.
type Scores struct {
	Plot       int
	Animation  int
	Characters int
	Dialogue   int
	Soundtrack int
}

func (s Scores) values() [5]int {
	return [5]int{s.Plot, s.Animation, s.Characters, s.Dialogue, s.Soundtrack}
}

// Overall returns the arithmetic mean of the sub-scores rounded to one decimal place.
func (s Scores) Overall() float64 {
	sum := 0
	values := s.values()
	for _, value := range values {
		sum += value
	}
	return roundOneDecimal(float64(sum) / float64(len(values)))
}

// Validate checks every sub-score is within [MinScore, MaxScore].
func (s Scores) Validate() error {
	names := [5]string{"plot", "animation", "characters", "dialogue", "soundtrack"}
	for index, value := range s.values() {
		if value < MinScore || value > MaxScore {
			return fmt.Errorf("%w: %s must be between %d and %d, got %d", ErrInvalidScores, names[index], MinScore, MaxScore, value)
		}
	}
	return nil
}

// ScoreInput is the raw submission; nil fields are missing dimensions.
type ScoreInput struct {
	Plot       *int `json:"plot"`
	Animation  *int `json:"animation"`
	Characters *int `json:"characters"`
	Dialogue   *int `json:"dialogue"`
	Soundtrack *int `json:"soundtrack"`
}

// Validate converts the input into Scores, rejecting missing or out-of-range values.
func (in ScoreInput) Validate() (Scores, error) {
	fields := []struct {
		name  string
		value *int
	}{
		{"plot", in.Plot},
		{"animation", in.Animation},
		{"characters", in.Characters},
		{"dialogue", in.Dialogue},
		{"soundtrack", in.Soundtrack},
	}
	var missing []string
	for _, field := range fields {
		if field.value == nil {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return Scores{}, fmt.Errorf("%w: missing %s", ErrInvalidScores, strings.Join(missing, ", "))
	}
	scores := Scores{
		Plot:       *in.Plot,
		Animation:  *in.Animation,
		Characters: *in.Characters,
		Dialogue:   *in.Dialogue,
		Soundtrack: *in.Soundtrack,
	}
	if err := scores.Validate(); err != nil {
		return Scores{}, err
	}
	return scores, nil
}

func roundOneDecimal(value float64) float64 {
	return math.Round(value*10) / 10
}
