package users

import (
	"strings"
	"time"
)

// User is the stable internal identity behind one verified email address.
type User struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Email     string    `gorm:"column:email;size:320;not null;uniqueIndex:idx_users_email" json:"email"`
	Subject   string    `gorm:"column:subject;size:190;not null;index:idx_users_subject" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Username returns the local part of the email, used for public profile links.
func (u User) Username() string {
	local, _, found := strings.Cut(u.Email, "@")
	if !found {
		return u.Email
	}
	return local
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// NormalizeEmail trims and lower-cases an email for storage and lookups.
func NormalizeEmail(value string) string {
	return strings.ToLower(normalize(value))
}
