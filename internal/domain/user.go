// Package domain contains entities without transport or storage logic.
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrParticipantIDEmpty = errors.New("participant id empty")
)

type ParticipantID string

func (id ParticipantID) String() string { return string(id) }

// Identity is what the identity provider hands us for the current user.
type Identity struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	Email       string        `json:"email"`
}

// NewIdentity validates the display name and assigns a fresh id when none is given.
func NewIdentity(id ParticipantID, displayName, email string) (Identity, error) {
	if err := ValidateDisplayName(displayName); err != nil {
		return Identity{}, err
	}
	if id == "" {
		id = ParticipantID(uuid.NewString())
	}
	if len(id) > MaxParticipantIDLen {
		return Identity{}, errors.New("participant id too long")
	}
	return Identity{ID: id, DisplayName: displayName, Email: NormalizeEmail(email)}, nil
}

func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}

// NormalizeEmail lowercases and trims so allow-list lookups are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
