package consent

import "errors"

var (
	ErrSelfGrant             = errors.New("consent: requester and owner are the same user")
	ErrPrincipalNotFound     = errors.New("consent: principal not found")
	ErrForbidden             = errors.New("consent: forbidden")
	ErrGrantNotFound         = errors.New("consent: grant not found")
	ErrInvalidState          = errors.New("consent: invalid grant state")
	ErrInvalidPermissionType = errors.New("consent: invalid permission type")
	ErrInvalidDecision       = errors.New("consent: invalid decision")

	// ErrDuplicateActiveGrant is returned by a GrantStore when an insert would
	// create a second PENDING or ACCEPTED grant for the same tuple. The
	// manager resolves it by returning the grant that won.
	ErrDuplicateActiveGrant = errors.New("consent: active grant already exists")
)
