package consent

import (
	"slices"

	"medshare.org/internal/auth"
)

// RolePolicy is everything the lifecycle manager and the decision engine need
// to know about a role.
type RolePolicy struct {
	// CanInitiateRequest allows the role to ask others for access.
	CanInitiateRequest bool
	// AllowedPermissionTypes bounds what the role may request.
	AllowedPermissionTypes []PermissionType
	// AutoAcceptStatus is the status a new request starts in. Empty means PENDING.
	AutoAcceptStatus Status
	// BlanketAccess lets the role read and modify any user's records without a grant.
	BlanketAccess bool
}

// Allows reports whether the role may request pt.
func (p RolePolicy) Allows(pt PermissionType) bool {
	return slices.Contains(p.AllowedPermissionTypes, pt)
}

// InitialStatus is the status a freshly created grant gets for this role.
func (p RolePolicy) InitialStatus() Status {
	if p.AutoAcceptStatus == "" {
		return StatusPending
	}
	return p.AutoAcceptStatus
}

// PolicyTable maps roles to their policy. Roles missing from the table get
// the zero policy: no requests, no blanket access.
type PolicyTable map[auth.Role]RolePolicy

// For returns the policy of role.
func (t PolicyTable) For(role auth.Role) RolePolicy {
	return t[role]
}

// DefaultPolicy is the production role policy.
var DefaultPolicy = PolicyTable{
	auth.RolePatient: {
		CanInitiateRequest: false,
	},
	auth.RoleHealthcareProvider: {
		CanInitiateRequest:     true,
		AllowedPermissionTypes: []PermissionType{PermissionView, PermissionEdit},
		AutoAcceptStatus:       StatusPending,
	},
	auth.RoleFirstResponder: {
		CanInitiateRequest:     true,
		AllowedPermissionTypes: []PermissionType{PermissionView},
		AutoAcceptStatus:       StatusAccepted,
		BlanketAccess:          true,
	},
}
