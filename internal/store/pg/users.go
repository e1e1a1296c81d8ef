package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medshare.org/internal/auth"
	"medshare.org/internal/ids"
)

type userStore struct {
	db *sql.DB
}

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	if u == nil {
		return fmt.Errorf("%w: user is required", auth.ErrInvalidInput)
	}
	email := auth.NormalizeEmail(u.Email)
	if email == "" {
		return fmt.Errorf("%w: email is required", auth.ErrInvalidInput)
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = email
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, role, created_at)
		values ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.PasswordHash, string(u.Role), u.CreatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: email %s already registered", auth.ErrInvalidInput, email)
		case pgErrCheckViolation:
			return fmt.Errorf("%w: invalid role %q", auth.ErrInvalidInput, u.Role)
		}
	}
	return err
}

func (s userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.one(ctx, `select id, email, password_hash, role, created_at from users where id = $1`, id)
}

func (s userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.one(ctx, `select id, email, password_hash, role, created_at from users where email = $1`, auth.NormalizeEmail(email))
}

func (s userStore) one(ctx context.Context, query string, arg string) (*auth.User, error) {
	var (
		u    auth.User
		role string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	return &u, nil
}
