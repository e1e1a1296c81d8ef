package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"medshare.org/internal/auth"
	"medshare.org/internal/consent"
	"medshare.org/internal/obs"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON reads exactly one JSON object. An empty body is accepted when
// optional is true.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrRefreshTokenNotFound):
		writeError(w, r, http.StatusBadRequest, "refresh token not found")
	case errors.Is(err, auth.ErrRefreshTokenExpired):
		writeError(w, r, http.StatusBadRequest, "refresh token expired")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		internalError(w, r, err)
	}
}

func handleConsentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consent.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, consent.ErrGrantNotFound):
		writeError(w, r, http.StatusNotFound, "grant not found")
	case errors.Is(err, consent.ErrPrincipalNotFound):
		writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, consent.ErrSelfGrant),
		errors.Is(err, consent.ErrInvalidState),
		errors.Is(err, consent.ErrInvalidPermissionType),
		errors.Is(err, consent.ErrInvalidDecision):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		internalError(w, r, err)
	}
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	obs.Logger().Error("request failed",
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, r, http.StatusInternalServerError, "internal error")
}
