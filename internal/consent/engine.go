package consent

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"medshare.org/internal/auth"
	"medshare.org/internal/obs"
)

// Engine answers whether a caller may read or modify an owner's records. It
// only reads the directory and the grant store.
type Engine struct {
	grants    GrantStore
	directory auth.Directory
	policy    PolicyTable
	now       func() time.Time
	log       *zap.Logger
	tracer    trace.Tracer
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithEnginePolicy replaces DefaultPolicy.
func WithEnginePolicy(p PolicyTable) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithEngineClock overrides time source (useful for tests).
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithEngineLogger sets the logger; defaults to obs.Logger().
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(grants GrantStore, directory auth.Directory, opts ...EngineOption) *Engine {
	e := &Engine{
		grants:    grants,
		directory: directory,
		policy:    DefaultPolicy,
		now:       time.Now,
		log:       obs.Logger(),
		tracer:    obs.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CanAccessUserRecords reports whether callerID may read ownerID's records:
// the owner themself, a role with blanket access, or a requester holding an
// accepted VIEW or EDIT grant. An unresolvable id fails with
// ErrPrincipalNotFound rather than returning false.
func (e *Engine) CanAccessUserRecords(ctx context.Context, callerID, ownerID string) (bool, error) {
	return e.decide(ctx, "view", callerID, ownerID, PermissionView)
}

// CanModifyUserRecords is CanAccessUserRecords with the grant step requiring
// an accepted EDIT grant.
func (e *Engine) CanModifyUserRecords(ctx context.Context, callerID, ownerID string) (bool, error) {
	return e.decide(ctx, "edit", callerID, ownerID, PermissionEdit)
}

func (e *Engine) decide(ctx context.Context, op, callerID, ownerID string, want PermissionType) (allowed bool, err error) {
	ctx, span := e.tracer.Start(ctx, "consent.Decide."+op, trace.WithAttributes(
		attribute.String("consent.caller_id", callerID),
		attribute.String("consent.owner_id", ownerID),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("consent.allowed", allowed))
		endSpan(span, err)
		e.record(op, callerID, ownerID, allowed, err)
	}()

	caller, err := resolvePrincipal(ctx, e.directory, callerID)
	if err != nil {
		return false, err
	}
	if callerID != ownerID {
		if _, err := resolvePrincipal(ctx, e.directory, ownerID); err != nil {
			return false, err
		}
	}

	if caller.ID == ownerID {
		return true, nil
	}
	if e.policy.For(caller.Role).BlanketAccess {
		return true, nil
	}

	now := e.now()
	for _, pt := range grantTypesFor(want) {
		g, err := e.grants.FindActive(ctx, ownerID, callerID, pt)
		if errors.Is(err, ErrGrantNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if g.Confers(want, now) {
			return true, nil
		}
	}
	return false, nil
}

// grantTypesFor lists the grant types that satisfy want.
func grantTypesFor(want PermissionType) []PermissionType {
	if want == PermissionView {
		return []PermissionType{PermissionView, PermissionEdit}
	}
	return []PermissionType{PermissionEdit}
}

func (e *Engine) record(op, callerID, ownerID string, allowed bool, err error) {
	switch {
	case errors.Is(err, ErrPrincipalNotFound):
		obs.ObserveDecision(op, obs.ResultPrincipalNotFound)
		e.log.Warn("authorization principal not found",
			zap.String("op", op),
			zap.String("caller_id", callerID),
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	case err != nil:
		obs.ObserveDecision(op, obs.ResultError)
		e.log.Error("authorization decision failed", zap.String("op", op), zap.Error(err))
	case allowed:
		obs.ObserveDecision(op, obs.ResultAllow)
	default:
		obs.ObserveDecision(op, obs.ResultDeny)
		e.log.Debug("authorization denied",
			zap.String("op", op),
			zap.String("caller_id", callerID),
			zap.String("owner_id", ownerID),
		)
	}
}
