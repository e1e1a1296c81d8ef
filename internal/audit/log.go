package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"medshare.org/internal/auth"
	"medshare.org/internal/obs"
)

// Event names written to the audit log.
const (
	EventLogin          = "auth.login"
	EventLoginFailed    = "auth.login_failed"
	EventRefresh        = "auth.refresh"
	EventLogout         = "auth.logout"
	EventGrantRequested = "consent.grant.requested"
	// EventGrantRequestRepeated marks a request answered with an existing grant.
	EventGrantRequestRepeated = "consent.grant.request_repeated"
	EventGrantAccepted        = "consent.grant.accepted"
	EventGrantDenied          = "consent.grant.denied"
	EventGrantRevoked         = "consent.grant.revoked"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return logTo(ctx, obs.Logger(), event, fields)
}

func logTo(ctx context.Context, logger *zap.Logger, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		zf = append(zf, zap.String("user_id", userID))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	logger.Named("audit").Info(event, zf...)
	return nil
}
