// Package consent implements owner-granted access to health records: the
// grant lifecycle (request, accept or deny, revoke) and the decision
// procedure every record access path consults.
package consent

import (
	"fmt"
	"strings"
	"time"
)

// PermissionType is the level of access a grant confers.
type PermissionType string

const (
	PermissionView PermissionType = "VIEW"
	PermissionEdit PermissionType = "EDIT"
)

// ParsePermissionType accepts VIEW or EDIT in any case.
func ParsePermissionType(raw string) (PermissionType, error) {
	pt := PermissionType(strings.ToUpper(strings.TrimSpace(raw)))
	if !pt.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermissionType, raw)
	}
	return pt, nil
}

func (p PermissionType) Valid() bool {
	return p == PermissionView || p == PermissionEdit
}

// Status is the lifecycle state of a grant.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusDenied   Status = "DENIED"
)

// ParseStatus accepts a known status in any case.
func ParseStatus(raw string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch st {
	case StatusPending, StatusAccepted, StatusDenied:
		return st, nil
	}
	return "", fmt.Errorf("consent: invalid status %q", raw)
}

// Decision is the owner's answer to a pending request.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionDeny   Decision = "DENY"
)

func (d Decision) target() (Status, bool) {
	switch d {
	case DecisionAccept:
		return StatusAccepted, true
	case DecisionDeny:
		return StatusDenied, true
	}
	return "", false
}

// Grant is permission from an owner to a requester over the owner's records.
type Grant struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	RequesterID    string         `json:"requester_id"`
	PermissionType PermissionType `json:"permission_type"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the grant has an expiry at or before now.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Confers reports whether the grant currently gives access of type want.
// EDIT implies VIEW; VIEW never implies EDIT.
func (g Grant) Confers(want PermissionType, now time.Time) bool {
	if g.Status != StatusAccepted || g.Expired(now) {
		return false
	}
	return g.PermissionType == want || (want == PermissionView && g.PermissionType == PermissionEdit)
}
