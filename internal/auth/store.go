package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// Directory resolves users. Implementations return ErrNotFound for unknown users.
type Directory interface {
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// UserStore manages directory users.
type UserStore interface {
	Directory
	Create(ctx context.Context, u *User) error
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	// ReplaceForUser deletes every token owned by tok.UserID and inserts tok
	// as one atomic step.
	ReplaceForUser(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
