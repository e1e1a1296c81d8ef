package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"medshare.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	errMissingBearer = errors.New("missing bearer token")
	errBadScheme     = errors.New("invalid authorization scheme")
)

// Logout validates its own bearer token so it can answer 400 instead of 401.
var publicPaths = []string{
	"/",
	"/auth/login",
	"/auth/refresh",
	"/auth/logout",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// withAuth resolves the bearer token into a user id on the request context.
// The token only proves identity; roles are looked up per decision.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		userID, err := a.tokens.ValidateAccessToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				unauthorized(w, r, "invalid token")
				return
			}
			internalError(w, r, err)
			return
		}
		if userID == "" {
			unauthorized(w, r, errMissingBearer.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithUser(r.Context(), userID)))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="medshare"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

// callerID returns the authenticated user. Handlers behind withAuth always
// have one.
func callerID(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
