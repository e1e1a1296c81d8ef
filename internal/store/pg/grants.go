package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medshare.org/internal/consent"
)

const grantColumns = `id, owner_id, requester_id, permission_type, status, created_at, updated_at, expires_at`

type grantStore struct {
	db *sql.DB
}

var _ consent.GrantStore = grantStore{}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (consent.Grant, error) {
	var (
		g       consent.Grant
		pt, st  string
		expires sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.OwnerID, &g.RequesterID, &pt, &st, &g.CreatedAt, &g.UpdatedAt, &expires); err != nil {
		return consent.Grant{}, err
	}
	g.PermissionType = consent.PermissionType(pt)
	g.Status = consent.Status(st)
	if expires.Valid {
		at := expires.Time
		g.ExpiresAt = &at
	}
	return g, nil
}

func (s grantStore) Create(ctx context.Context, g *consent.Grant) error {
	var expires sql.NullTime
	if g.ExpiresAt != nil {
		expires = sql.NullTime{Time: *g.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into permission_grants (`+grantColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, g.ID, g.OwnerID, g.RequesterID, string(g.PermissionType), string(g.Status), g.CreatedAt, g.UpdatedAt, expires)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return consent.ErrDuplicateActiveGrant
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", consent.ErrPrincipalNotFound, pgErr.ConstraintName)
		case pgErrCheckViolation:
			return fmt.Errorf("%w: %s", consent.ErrSelfGrant, pgErr.ConstraintName)
		}
	}
	return err
}

func (s grantStore) Find(ctx context.Context, id string) (consent.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `select `+grantColumns+` from permission_grants where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Grant{}, consent.ErrGrantNotFound
	}
	return g, err
}

func (s grantStore) FindActive(ctx context.Context, ownerID, requesterID string, pt consent.PermissionType) (consent.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		select `+grantColumns+`
		from permission_grants
		where owner_id = $1 and requester_id = $2 and permission_type = $3
		  and status in ('PENDING', 'ACCEPTED')
	`, ownerID, requesterID, string(pt)))
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Grant{}, consent.ErrGrantNotFound
	}
	return g, err
}

// UpdateStatus is a compare-and-set on status. When no row matches, the grant
// is re-read to tell a missing grant from one that moved on.
func (s grantStore) UpdateStatus(ctx context.Context, id string, from, to consent.Status, at time.Time) (consent.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		update permission_grants
		set status = $3, updated_at = $4
		where id = $1 and status = $2
		returning `+grantColumns,
		id, string(from), string(to), at))
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Grant{}, s.missOrConflict(ctx, id, from)
	}
	return g, err
}

func (s grantStore) Delete(ctx context.Context, id string, status consent.Status) error {
	res, err := s.db.ExecContext(ctx, `delete from permission_grants where id = $1 and status = $2`, id, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrConflict(ctx, id, status)
	}
	return nil
}

func (s grantStore) ListByOwner(ctx context.Context, ownerID string, status consent.Status) ([]consent.Grant, error) {
	return s.list(ctx, "owner_id", ownerID, status)
}

func (s grantStore) ListByRequester(ctx context.Context, requesterID string, status consent.Status) ([]consent.Grant, error) {
	return s.list(ctx, "requester_id", requesterID, status)
}

// list filters on column, which is always one of the two constants above.
func (s grantStore) list(ctx context.Context, column, userID string, status consent.Status) ([]consent.Grant, error) {
	query := `select ` + grantColumns + ` from permission_grants where ` + column + ` = $1`
	args := []any{userID}
	if status != "" {
		query += ` and status = $2`
		args = append(args, string(status))
	}
	query += ` order by created_at desc, id desc`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []consent.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s grantStore) missOrConflict(ctx context.Context, id string, want consent.Status) error {
	current, err := s.Find(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: grant is %s, not %s", consent.ErrInvalidState, current.Status, want)
}
