package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"medshare.org/internal/ids"
	"medshare.org/internal/obs"
)

const (
	defaultIssuer     = "medshare"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14

	refreshTokenBytes = 32
)

// Service issues and validates access tokens and manages the refresh token
// lifecycle. Access tokens are HS256 JWTs carrying only sub, iss, iat and exp.
type Service struct {
	store     Store
	directory Directory
	now       func() time.Time

	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// Claims are the registered JWT claims of an access token. Roles and grants
// are deliberately absent and always re-resolved on use.
type Claims struct {
	jwt.RegisteredClaims
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithSecret sets the symmetric signing key. It is required.
func WithSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("%w: signing secret is empty", ErrInvalidInput)
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithDirectory routes user lookups through d instead of the store's user
// table, e.g. a caching decorator.
func WithDirectory(d Directory) ServiceOption {
	return func(s *Service) error {
		s.directory = d
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:      store,
		now:        time.Now,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.secret) == 0 {
		return nil, fmt.Errorf("%w: signing secret is required", ErrInvalidInput)
	}
	return svc, nil
}

// Directory returns the user directory the service resolves principals with.
func (s *Service) Directory(ctx context.Context) Directory {
	if s.directory != nil {
		return s.directory
	}
	return s.store.Users(ctx)
}

// IssueAccessToken signs a short-lived access token for userID.
func (s *Service) IssueAccessToken(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateAccessToken verifies signature, issuer and expiry and returns the
// subject. An empty token is not an error: it yields an empty subject so the
// caller can treat the request as unauthenticated. Every other failure is
// reported as ErrInvalidToken without further detail.
func (s *Service) ValidateAccessToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		obs.ObserveTokenEvent("access_rejected")
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		obs.ObserveTokenEvent("access_rejected")
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// IssueRefreshToken replaces every refresh token of userID with a new one.
// Concurrent callers race; the last writer's token is the one that survives.
func (s *Service) IssueRefreshToken(ctx context.Context, userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	raw := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate refresh token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now().UTC()
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hashRefreshToken(value),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.store.RefreshTokens(ctx).ReplaceForUser(ctx, rec); err != nil {
		return "", time.Time{}, err
	}
	obs.ObserveTokenEvent("refresh_issued")
	return value, rec.ExpiresAt, nil
}

// VerifyAndRotateRefresh exchanges a live refresh token for a new access token
// and a new refresh token. The presented token stops being valid because
// issuing the new one deletes it.
func (s *Service) VerifyAndRotateRefresh(ctx context.Context, token string) (TokenPair, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenPair{}, ErrRefreshTokenNotFound
	}
	store := s.store.RefreshTokens(ctx)
	rec, err := store.FindByHash(ctx, hashRefreshToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveTokenEvent("refresh_not_found")
			return TokenPair{}, ErrRefreshTokenNotFound
		}
		return TokenPair{}, err
	}
	if rec.Expired(s.now()) {
		if err := store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return TokenPair{}, err
		}
		obs.ObserveTokenEvent("refresh_expired")
		return TokenPair{}, ErrRefreshTokenExpired
	}

	pair, err := s.issuePair(ctx, rec.UserID)
	if err != nil {
		return TokenPair{}, err
	}
	obs.ObserveTokenEvent("refresh_rotated")
	return pair, nil
}

// RevokeAllForUser deletes every refresh token owned by userID. Deleting
// nothing is not an error.
func (s *Service) RevokeAllForUser(ctx context.Context, userID string) error {
	if _, err := s.store.RefreshTokens(ctx).DeleteByUser(ctx, userID); err != nil {
		return err
	}
	obs.ObserveTokenEvent("refresh_revoked")
	return nil
}

// Login checks credentials against the directory and issues a token pair.
// Unknown users and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	user, err := s.Directory(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveTokenEvent("login_failed")
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		obs.ObserveTokenEvent("login_failed")
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	pair, err := s.issuePair(ctx, user.ID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}

// PurgeExpiredRefreshTokens removes refresh tokens already past expiry.
// Validation never depends on it; it only reclaims storage.
func (s *Service) PurgeExpiredRefreshTokens(ctx context.Context) (int64, error) {
	return s.store.RefreshTokens(ctx).DeleteExpired(ctx, s.now().UTC())
}

func (s *Service) issuePair(ctx context.Context, userID string) (TokenPair, error) {
	access, accessExp, err := s.IssueAccessToken(userID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.IssueRefreshToken(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		UserID:           userID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func hashRefreshToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
