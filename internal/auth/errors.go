package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrInvalidToken is returned for every access token that fails validation,
	// whether it is malformed, expired or signed with another key.
	ErrInvalidToken = errors.New("auth: invalid token")

	ErrInvalidCredentials   = errors.New("auth: invalid credentials")
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")
	ErrRefreshTokenExpired  = errors.New("auth: refresh token expired")
)
