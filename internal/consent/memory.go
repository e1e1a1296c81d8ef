package consent

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ GrantStore = (*InMemoryGrants)(nil)

// InMemoryGrants implements GrantStore with in-process concurrency safety.
type InMemoryGrants struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewInMemoryGrants creates an empty grant store.
func NewInMemoryGrants() *InMemoryGrants {
	return &InMemoryGrants{grants: make(map[string]Grant)}
}

func (s *InMemoryGrants) Create(_ context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findActiveLocked(g.OwnerID, g.RequesterID, g.PermissionType); ok && isActive(g.Status) {
		return ErrDuplicateActiveGrant
	}
	s.grants[g.ID] = *g
	return nil
}

func (s *InMemoryGrants) Find(_ context.Context, id string) (Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return Grant{}, ErrGrantNotFound
	}
	return g, nil
}

func (s *InMemoryGrants) FindActive(_ context.Context, ownerID, requesterID string, pt PermissionType) (Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.findActiveLocked(ownerID, requesterID, pt)
	if !ok {
		return Grant{}, ErrGrantNotFound
	}
	return g, nil
}

func (s *InMemoryGrants) UpdateStatus(_ context.Context, id string, from, to Status, at time.Time) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return Grant{}, ErrGrantNotFound
	}
	if g.Status != from {
		return Grant{}, ErrInvalidState
	}
	g.Status = to
	g.UpdatedAt = at
	s.grants[id] = g
	return g, nil
}

func (s *InMemoryGrants) Delete(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return ErrGrantNotFound
	}
	if g.Status != status {
		return ErrInvalidState
	}
	delete(s.grants, id)
	return nil
}

func (s *InMemoryGrants) ListByOwner(_ context.Context, ownerID string, status Status) ([]Grant, error) {
	return s.list(func(g Grant) bool { return g.OwnerID == ownerID && (status == "" || g.Status == status) }), nil
}

func (s *InMemoryGrants) ListByRequester(_ context.Context, requesterID string, status Status) ([]Grant, error) {
	return s.list(func(g Grant) bool { return g.RequesterID == requesterID && (status == "" || g.Status == status) }), nil
}

// Len returns the number of stored grants.
func (s *InMemoryGrants) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants)
}

func (s *InMemoryGrants) list(match func(Grant) bool) []Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Grant
	for _, g := range s.grants {
		if match(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *InMemoryGrants) findActiveLocked(ownerID, requesterID string, pt PermissionType) (Grant, bool) {
	for _, g := range s.grants {
		if g.OwnerID == ownerID && g.RequesterID == requesterID && g.PermissionType == pt && isActive(g.Status) {
			return g, true
		}
	}
	return Grant{}, false
}

func isActive(st Status) bool {
	return st == StatusPending || st == StatusAccepted
}
