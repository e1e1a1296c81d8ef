package httpapi

import (
	"net/http"
	"strings"
	"time"

	"medshare.org/internal/audit"
	"medshare.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}

func newTokenResponse(p auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshExpiresAt,
		TokenType:        "Bearer",
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	pair, user, err := a.tokens.Login(r.Context(), email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{"email": auth.NormalizeEmail(email)})
		handleAuthError(w, r, err)
		return
	}
	ctx := auth.ContextWithUser(r.Context(), user.ID)
	_ = audit.LogEvent(ctx, audit.EventLogin, map[string]any{"role": string(user.Role)})
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.tokens.VerifyAndRotateRefresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithUser(r.Context(), pair.UserID), audit.EventRefresh, nil)
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// handleLogout revokes every refresh token of the bearer's user. A missing
// or invalid bearer is a bad request here, not an authentication failure.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.tokens.ValidateAccessToken(token)
	if err != nil || userID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid token")
		return
	}
	if err := a.tokens.RevokeAllForUser(r.Context(), userID); err != nil {
		internalError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithUser(r.Context(), userID), audit.EventLogout, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
