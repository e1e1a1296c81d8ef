package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role determines the default authorization behaviour of a user.
type Role string

const (
	RolePatient            Role = "PATIENT"
	RoleHealthcareProvider Role = "HEALTHCARE_PROVIDER"
	RoleFirstResponder     Role = "FIRST_RESPONDER"
)

// KnownRoles lists the roles the directory accepts on user creation.
var KnownRoles = []Role{RolePatient, RoleHealthcareProvider, RoleFirstResponder}

// ParseRole normalises raw input into a known role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range KnownRoles {
		if role == known {
			return role, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// User is a directory entry. Identity and role do not change after creation.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefreshToken is the persisted form of an opaque refresh token. Only the
// SHA-256 digest of the token value is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	// UserID is the subject both tokens were issued for.
	UserID           string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}
