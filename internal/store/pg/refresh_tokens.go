package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"medshare.org/internal/auth"
)

type refreshTokenStore struct {
	db *sql.DB
}

func (s refreshTokenStore) ReplaceForUser(ctx context.Context, tok *auth.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The user row lock serialises concurrent replaces for one user; without
	// it a second delete never sees the first transaction's insert.
	var one int
	err = tx.QueryRowContext(ctx, `select 1 from users where id = $1 for update`, tok.UserID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from refresh_tokens where user_id = $1`, tok.UserID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return err
	}
	return tx.Commit()
}

func (s refreshTokenStore) FindByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at
		from refresh_tokens
		where token_hash = $1
	`, tokenHash).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s refreshTokenStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s refreshTokenStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s refreshTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
