package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medshare.org/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. It backs tests
// and single-node development runs without PostgreSQL.
type InMemory struct {
	mu      sync.RWMutex
	users   map[string]*User
	byEmail map[string]string
	tokens  map[string]*RefreshToken // id -> token
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		tokens:  make(map[string]*RefreshToken),
	}
}

func (s *InMemory) Users(context.Context) UserStore                 { return memUsers{s} }
func (s *InMemory) RefreshTokens(context.Context) RefreshTokenStore { return memTokens{s} }

type memUsers struct{ s *InMemory }

func (u memUsers) Create(_ context.Context, user *User) error {
	if user == nil {
		return fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	email := NormalizeEmail(user.Email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, taken := u.s.byEmail[email]; taken {
		return fmt.Errorf("%w: email %s already registered", ErrInvalidInput, email)
	}
	if user.ID == "" {
		user.ID = ids.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Email = email
	cp := *user
	u.s.users[cp.ID] = &cp
	u.s.byEmail[email] = cp.ID
	return nil
}

func (u memUsers) Find(_ context.Context, id string) (*User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (u memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	u.s.mu.RLock()
	id, ok := u.s.byEmail[NormalizeEmail(email)]
	u.s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return u.Find(ctx, id)
}

type memTokens struct{ s *InMemory }

func (t memTokens) ReplaceForUser(_ context.Context, tok *RefreshToken) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, existing := range t.s.tokens {
		if existing.UserID == tok.UserID {
			delete(t.s.tokens, id)
		}
	}
	cp := *tok
	t.s.tokens[cp.ID] = &cp
	return nil
}

func (t memTokens) FindByHash(_ context.Context, tokenHash string) (*RefreshToken, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, tok := range t.s.tokens {
		if tok.TokenHash == tokenHash {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t memTokens) Delete(_ context.Context, id string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.tokens[id]; !ok {
		return ErrNotFound
	}
	delete(t.s.tokens, id)
	return nil
}

func (t memTokens) DeleteByUser(_ context.Context, userID string) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for id, tok := range t.s.tokens {
		if tok.UserID == userID {
			delete(t.s.tokens, id)
			n++
		}
	}
	return n, nil
}

func (t memTokens) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for id, tok := range t.s.tokens {
		if tok.ExpiresAt.Before(before) {
			delete(t.s.tokens, id)
			n++
		}
	}
	return n, nil
}
