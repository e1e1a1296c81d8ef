package pg

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"medshare.org/internal/auth"
	"medshare.org/internal/consent"
)

var testTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

func grantRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "owner_id", "requester_id", "permission_type", "status", "created_at", "updated_at", "expires_at"})
}

func TestUserCreateAndFind(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), "bob@example.com", "hash", "PATIENT", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	u := &auth.User{Email: " Bob@Example.com ", PasswordHash: "hash", Role: auth.RolePatient}
	if err := store.Users(ctx).Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" || u.Email != "bob@example.com" {
		t.Fatalf("expected id and normalized email, got %+v", u)
	}

	mock.ExpectQuery(regexp.QuoteMeta("from users where id = $1")).
		WithArgs(u.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "created_at"}).
			AddRow(u.ID, u.Email, "hash", "PATIENT", testTime))
	got, err := store.Users(ctx).Find(ctx, u.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Role != auth.RolePatient || got.PasswordHash != "hash" {
		t.Fatalf("unexpected user %+v", got)
	}

	mock.ExpectQuery(regexp.QuoteMeta("from users where email = $1")).
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "created_at"}))
	if _, err := store.Users(ctx).FindByEmail(ctx, "Nobody@example.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserCreateDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	mock.ExpectExec("insert into users").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	err := store.Users(ctx).Create(ctx, &auth.User{Email: "bob@example.com", PasswordHash: "h", Role: auth.RolePatient})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReplaceForUserIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	tok := &auth.RefreshToken{ID: "t2", UserID: "u1", TokenHash: "abc", ExpiresAt: testTime.Add(time.Hour), CreatedAt: testTime}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from users where id = $1 for update")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("delete from refresh_tokens where user_id = $1")).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("t2", "u1", "abc", tok.ExpiresAt, tok.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := store.RefreshTokens(ctx).ReplaceForUser(ctx, tok); err != nil {
		t.Fatalf("ReplaceForUser: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from users where id = $1 for update")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("delete from refresh_tokens where user_id = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into refresh_tokens").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	if err := store.RefreshTokens(ctx).ReplaceForUser(ctx, tok); err == nil {
		t.Fatal("expected insert failure to surface")
	}
}

func TestReplaceForUserLocksUserFirst(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	tok := &auth.RefreshToken{ID: "t3", UserID: "ghost", TokenHash: "def", ExpiresAt: testTime.Add(time.Hour), CreatedAt: testTime}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from users where id = $1 for update")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	if err := store.RefreshTokens(ctx).ReplaceForUser(ctx, tok); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("lock must be the first statement: %v", err)
	}
}

func TestRefreshTokenDeleteMissing(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	mock.ExpectExec(regexp.QuoteMeta("delete from refresh_tokens where id = $1")).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.RefreshTokens(ctx).Delete(ctx, "gone"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteExpiredRefreshTokens(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	mock.ExpectExec(regexp.QuoteMeta("delete from refresh_tokens where expires_at < $1")).
		WithArgs(testTime).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := store.RefreshTokens(ctx).DeleteExpired(ctx, testTime)
	if err != nil || n != 4 {
		t.Fatalf("DeleteExpired = %d, %v", n, err)
	}
}

func TestGrantCreateMapsConstraintErrors(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	exp := testTime.Add(time.Hour)
	g := &consent.Grant{
		ID: "g1", OwnerID: "o", RequesterID: "r",
		PermissionType: consent.PermissionView, Status: consent.StatusPending,
		CreatedAt: testTime, UpdatedAt: testTime, ExpiresAt: &exp,
	}

	mock.ExpectExec("insert into permission_grants").
		WithArgs("g1", "o", "r", "VIEW", "PENDING", testTime, testTime, exp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Grants().Create(ctx, g); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectExec("insert into permission_grants").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if err := store.Grants().Create(ctx, g); !errors.Is(err, consent.ErrDuplicateActiveGrant) {
		t.Fatalf("expected ErrDuplicateActiveGrant, got %v", err)
	}

	mock.ExpectExec("insert into permission_grants").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if err := store.Grants().Create(ctx, g); !errors.Is(err, consent.ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
}

func TestGrantFindActive(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("status in ('PENDING', 'ACCEPTED')")).
		WithArgs("o", "r", "EDIT").
		WillReturnRows(grantRows().AddRow("g1", "o", "r", "EDIT", "ACCEPTED", testTime, testTime, nil))
	g, err := store.Grants().FindActive(ctx, "o", "r", consent.PermissionEdit)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if g.Status != consent.StatusAccepted || g.ExpiresAt != nil {
		t.Fatalf("unexpected grant %+v", g)
	}

	mock.ExpectQuery(regexp.QuoteMeta("status in ('PENDING', 'ACCEPTED')")).
		WillReturnRows(grantRows())
	if _, err := store.Grants().FindActive(ctx, "o", "r", consent.PermissionView); !errors.Is(err, consent.ErrGrantNotFound) {
		t.Fatalf("expected ErrGrantNotFound, got %v", err)
	}
}

func TestGrantUpdateStatusConflict(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	later := testTime.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("update permission_grants")).
		WithArgs("g1", "PENDING", "ACCEPTED", later).
		WillReturnRows(grantRows().AddRow("g1", "o", "r", "VIEW", "ACCEPTED", testTime, later, nil))
	g, err := store.Grants().UpdateStatus(ctx, "g1", consent.StatusPending, consent.StatusAccepted, later)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !g.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected updated_at %v", g.UpdatedAt)
	}

	// Lost race: the row was decided by someone else.
	mock.ExpectQuery(regexp.QuoteMeta("update permission_grants")).
		WillReturnRows(grantRows())
	mock.ExpectQuery(regexp.QuoteMeta("from permission_grants where id = $1")).
		WithArgs("g1").
		WillReturnRows(grantRows().AddRow("g1", "o", "r", "VIEW", "DENIED", testTime, later, nil))
	if _, err := store.Grants().UpdateStatus(ctx, "g1", consent.StatusPending, consent.StatusAccepted, later); !errors.Is(err, consent.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestGrantDeleteMissing(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("delete from permission_grants where id = $1 and status = $2")).
		WithArgs("g1", "ACCEPTED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("from permission_grants where id = $1")).
		WithArgs("g1").
		WillReturnRows(grantRows())
	if err := store.Grants().Delete(ctx, "g1", consent.StatusAccepted); !errors.Is(err, consent.ErrGrantNotFound) {
		t.Fatalf("expected ErrGrantNotFound, got %v", err)
	}
}

func TestGrantListByOwnerWithStatus(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	exp := testTime.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("where owner_id = $1 and status = $2 order by created_at desc, id desc")).
		WithArgs("o", "PENDING").
		WillReturnRows(grantRows().
			AddRow("g2", "o", "r2", "EDIT", "PENDING", testTime.Add(time.Second), testTime, exp).
			AddRow("g1", "o", "r1", "VIEW", "PENDING", testTime, testTime, nil))
	grants, err := store.Grants().ListByOwner(ctx, "o", consent.StatusPending)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(grants) != 2 || grants[0].ID != "g2" {
		t.Fatalf("unexpected grants %+v", grants)
	}
	if grants[0].ExpiresAt == nil || !grants[0].ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry on first grant, got %v", grants[0].ExpiresAt)
	}

	mock.ExpectQuery(regexp.QuoteMeta("where requester_id = $1 order by created_at desc")).
		WithArgs("r1").
		WillReturnRows(grantRows())
	if grants, err := store.Grants().ListByRequester(ctx, "r1", ""); err != nil || len(grants) != 0 {
		t.Fatalf("ListByRequester = %v, %v", grants, err)
	}
}
