package consent

import (
	"context"
	"time"
)

// GrantStore is durable storage for permission grants. Every method acts on a
// single row; conditional writes report ErrInvalidState when the row no
// longer has the expected status and ErrGrantNotFound when it is gone.
type GrantStore interface {
	// Create inserts g. It returns ErrDuplicateActiveGrant if a PENDING or
	// ACCEPTED grant already exists for the same owner, requester and type.
	Create(ctx context.Context, g *Grant) error
	Find(ctx context.Context, id string) (Grant, error)
	// FindActive returns the PENDING or ACCEPTED grant for the tuple.
	FindActive(ctx context.Context, ownerID, requesterID string, pt PermissionType) (Grant, error)
	// UpdateStatus moves the grant from one status to another.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (Grant, error)
	// Delete removes the grant if it is still in status.
	Delete(ctx context.Context, id string, status Status) error
	// ListByOwner and ListByRequester return newest first. An empty status
	// matches every status.
	ListByOwner(ctx context.Context, ownerID string, status Status) ([]Grant, error)
	ListByRequester(ctx context.Context, requesterID string, status Status) ([]Grant, error)
}
