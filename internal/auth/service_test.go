package auth

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	passwordCost = bcrypt.MinCost
	os.Exit(m.Run())
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *InMemory, *testClock) {
	t.Helper()
	store := NewInMemory()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	base := []ServiceOption{
		WithSecret("test-secret"),
		WithClock(clock.Now),
		WithAccessTTL(15 * time.Minute),
		WithRefreshTTL(time.Hour),
	}
	svc, err := NewService(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store, clock
}

func createUser(t *testing.T, store *InMemory, email, password string, role Role) *User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &User{Email: email, PasswordHash: hash, Role: role}
	if err := store.Users(context.Background()).Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService(NewInMemory()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without secret, got %v", err)
	}
	if _, err := NewService(NewInMemory(), WithSecret("  ")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank secret, got %v", err)
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc, _, clock := newTestService(t)

	token, exp, err := svc.IssueAccessToken("user-42")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if want := clock.now.Add(15 * time.Minute); !exp.Equal(want) {
		t.Fatalf("unexpected expiry %v, want %v", exp, want)
	}

	clock.Advance(time.Minute)
	sub, err := svc.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if sub != "user-42" {
		t.Fatalf("unexpected subject: %s", sub)
	}
}

func TestAccessTokenCarriesNoRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	token, _, err := svc.IssueAccessToken("user-1")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	for key := range claims {
		switch key {
		case "sub", "iss", "iat", "exp":
		default:
			t.Fatalf("unexpected claim %q in access token", key)
		}
	}
}

func TestValidateAccessTokenEmptyIsUnauthenticated(t *testing.T) {
	svc, _, _ := newTestService(t)
	sub, err := svc.ValidateAccessToken("   ")
	if err != nil {
		t.Fatalf("expected no error for empty token, got %v", err)
	}
	if sub != "" {
		t.Fatalf("expected empty subject, got %q", sub)
	}
}

func TestValidateAccessTokenRejectsUniformly(t *testing.T) {
	svc, _, clock := newTestService(t)

	valid, _, err := svc.IssueAccessToken("user-1")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	other, _, _ := newTestService(t, WithSecret("another-secret"))
	foreign, _, err := other.IssueAccessToken("user-1")
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1",
		"iss": defaultIssuer,
		"iat": clock.now.Unix(),
		"exp": clock.now.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	cases := map[string]string{
		"malformed":    "not-a-jwt",
		"bad-segments": "a.b.c",
		"wrong-key":    foreign,
		"alg-none":     unsigned,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			sub, err := svc.ValidateAccessToken(token)
			if err != ErrInvalidToken {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
			if sub != "" {
				t.Fatalf("expected empty subject, got %q", sub)
			}
		})
	}

	clock.Advance(16 * time.Minute)
	if _, err := svc.ValidateAccessToken(valid); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestIssueRefreshTokenKeepsOnlyLatest(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	first, _, err := svc.IssueRefreshToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	second, _, err := svc.IssueRefreshToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct refresh tokens")
	}
	if _, err := store.RefreshTokens(ctx).FindByHash(ctx, hashRefreshToken(first)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected first token to be replaced, got %v", err)
	}
	if _, err := store.RefreshTokens(ctx).FindByHash(ctx, hashRefreshToken(second)); err != nil {
		t.Fatalf("expected second token to be stored: %v", err)
	}
	if len(store.tokens) != 1 {
		t.Fatalf("expected exactly one stored token, got %d", len(store.tokens))
	}
}

func TestVerifyAndRotateRefresh(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, store, "dan@example.com", "pw-dan", RoleHealthcareProvider)

	pair1, _, err := svc.Login(ctx, "Dan@Example.com ", "pw-dan")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	pair2, err := svc.VerifyAndRotateRefresh(ctx, pair1.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyAndRotateRefresh: %v", err)
	}
	if pair1.UserID != user.ID || pair2.UserID != user.ID {
		t.Fatalf("expected pairs issued for %s, got %q and %q", user.ID, pair1.UserID, pair2.UserID)
	}
	if pair2.RefreshToken == pair1.RefreshToken {
		t.Fatalf("expected rotated refresh token to differ")
	}
	if _, err := store.RefreshTokens(ctx).FindByHash(ctx, hashRefreshToken(pair1.RefreshToken)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old refresh token to be gone, got %v", err)
	}
	sub, err := svc.ValidateAccessToken(pair2.AccessToken)
	if err != nil || sub != user.ID {
		t.Fatalf("unexpected access token subject %q err=%v", sub, err)
	}

	if _, err := svc.VerifyAndRotateRefresh(ctx, pair1.RefreshToken); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound on reuse, got %v", err)
	}
	if _, err := svc.VerifyAndRotateRefresh(ctx, ""); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound for empty token, got %v", err)
	}
}

func TestVerifyAndRotateRefreshExpiredDeletesToken(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()

	token, _, err := svc.IssueRefreshToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	clock.Advance(2 * time.Hour)

	if _, err := svc.VerifyAndRotateRefresh(ctx, token); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}
	if len(store.tokens) != 0 {
		t.Fatalf("expected expired token to be deleted, %d left", len(store.tokens))
	}
	if _, err := svc.VerifyAndRotateRefresh(ctx, token); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound after expiry cleanup, got %v", err)
	}
}

func TestRevokeAllForUserIsIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.IssueRefreshToken(ctx, "user-1"); err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if _, _, err := svc.IssueRefreshToken(ctx, "user-2"); err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := svc.RevokeAllForUser(ctx, "user-1"); err != nil {
			t.Fatalf("RevokeAllForUser #%d: %v", i, err)
		}
	}
	if len(store.tokens) != 1 {
		t.Fatalf("expected only user-2 token left, got %d", len(store.tokens))
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	createUser(t, store, "bob@example.com", "correct", RolePatient)

	if _, _, err := svc.Login(ctx, "bob@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "correct"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for empty input, got %v", err)
	}
}

func TestPurgeExpiredRefreshTokens(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.IssueRefreshToken(ctx, "old"); err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	clock.Advance(90 * time.Minute)
	if _, _, err := svc.IssueRefreshToken(ctx, "fresh"); err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}

	n, err := svc.PurgeExpiredRefreshTokens(ctx)
	if err != nil {
		t.Fatalf("PurgeExpiredRefreshTokens: %v", err)
	}
	if n != 1 || len(store.tokens) != 1 {
		t.Fatalf("expected one purged and one kept, purged=%d kept=%d", n, len(store.tokens))
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" first_responder ")
	if err != nil || role != RoleFirstResponder {
		t.Fatalf("unexpected ParseRole result %q err=%v", role, err)
	}
	if _, err := ParseRole("admin"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown role, got %v", err)
	}
}
