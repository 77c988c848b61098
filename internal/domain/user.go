// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
	MaxNameLen     = 64
)

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

type UserID string

func ParseUserID(raw string) (UserID, error) {
	if raw == "" {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(raw), nil
}

// NewUserID is used when the caller has no stable identity of its own.
func NewUserID() UserID {
	return UserID(uuid.NewString())
}

// Profile is the display identity a member joins with. Set once at join
// time, never mutated afterwards.
type Profile struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	PhotoURL  string `json:"photo_url,omitempty"`
}

// WithDefaults fills the avatar reference the way the app shell does when
// a user has none.
func (p Profile) WithDefaults() Profile {
	if p.FirstName == "" {
		p.FirstName = "Guest"
	}
	if len(p.FirstName) > MaxNameLen {
		p.FirstName = p.FirstName[:MaxNameLen]
	}
	if len(p.Username) > MaxUsernameLen {
		p.Username = p.Username[:MaxUsernameLen]
	}
	if p.PhotoURL == "" {
		p.PhotoURL = fmt.Sprintf("https://ui-avatars.com/api/?name=%s&background=random", p.FirstName)
	}
	return p
}

// Member is a user's participation meta for a room. No transport or
// lifecycle logic here.
type Member struct {
	UserID  UserID  `json:"user_id"`
	Profile Profile `json:"user_info"`
}
