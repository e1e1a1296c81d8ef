package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"medshare.org/internal/auth"
	"medshare.org/internal/consent"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

// PoolConfig tunes the database/sql pool. Zero fields keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store is the PostgreSQL backend for users, refresh tokens and grants.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects through the pgx stdlib driver.
func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(orDefault(pool.MaxOpenConns, 50))
	db.SetMaxIdleConns(orDefault(pool.MaxIdleConns, 25))
	db.SetConnMaxLifetime(orDefault(pool.ConnMaxLifetime, 15*time.Minute))
	db.SetConnMaxIdleTime(orDefault(pool.ConnMaxIdleTime, 5*time.Minute))
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Users(context.Context) auth.UserStore { return userStore{db: s.db} }

func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return refreshTokenStore{db: s.db}
}

// Grants returns the consent.GrantStore view of the database.
func (s *Store) Grants() consent.GrantStore { return grantStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
