package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"medshare.org/internal/auth"
	"medshare.org/internal/ids"
	"medshare.org/internal/obs"
)

const tracerName = "medshare.org/internal/consent"

// Manager runs the grant state machine:
//
//	(none) -> PENDING -> ACCEPTED | DENIED
//	ACCEPTED -> (deleted) on revoke
//
// DENIED is terminal. Callers pass the acting user explicitly on every call.
type Manager struct {
	grants    GrantStore
	directory auth.Directory
	policy    PolicyTable
	sink      EventSink
	now       func() time.Time
	newID     func() string
	log       *zap.Logger
	tracer    trace.Tracer
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p PolicyTable) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithEventSink sets where lifecycle events are published.
func WithEventSink(s EventSink) ManagerOption {
	return func(m *Manager) { m.sink = s }
}

// WithManagerClock overrides time source (useful for tests).
func WithManagerClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithManagerLogger sets the logger; defaults to obs.Logger().
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager constructs a Manager over grant storage and the user directory.
func NewManager(grants GrantStore, directory auth.Directory, opts ...ManagerOption) *Manager {
	m := &Manager{
		grants:    grants,
		directory: directory,
		policy:    DefaultPolicy,
		now:       time.Now,
		newID:     ids.New,
		log:       obs.Logger(),
		tracer:    obs.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestOption tunes a single CreateRequest call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	ttl time.Duration
}

// MaxTTL is the longest expiry a grant may carry.
const MaxTTL = 10 * 365 * 24 * time.Hour

// WithTTL bounds how long the grant confers access once accepted. Values
// above MaxTTL are capped.
func WithTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) {
		if ttl > 0 {
			o.ttl = min(ttl, MaxTTL)
		}
	}
}

// CreateRequest asks ownerID for pt access on behalf of requesterID.
//
// An existing PENDING or ACCEPTED grant for the same tuple is returned
// unchanged, and a VIEW request is answered with an accepted EDIT grant when
// one exists. Otherwise a new grant is created in the status the requester's
// role policy prescribes.
func (m *Manager) CreateRequest(ctx context.Context, requesterID, ownerID string, pt PermissionType, opts ...RequestOption) (Grant, error) {
	grant, _, err := m.RequestAccess(ctx, requesterID, ownerID, pt, opts...)
	return grant, err
}

// RequestAccess is CreateRequest that also reports whether a new grant was
// stored (false when an existing grant was handed back).
func (m *Manager) RequestAccess(ctx context.Context, requesterID, ownerID string, pt PermissionType, opts ...RequestOption) (grant Grant, created bool, err error) {
	ctx, span := m.tracer.Start(ctx, "consent.CreateRequest", trace.WithAttributes(
		attribute.String("consent.requester_id", requesterID),
		attribute.String("consent.owner_id", ownerID),
		attribute.String("consent.permission_type", string(pt)),
	))
	defer func() { endSpan(span, err) }()

	if requesterID == ownerID {
		return Grant{}, false, ErrSelfGrant
	}
	owner, err := m.resolve(ctx, ownerID)
	if err != nil {
		return Grant{}, false, err
	}
	requester, err := m.resolve(ctx, requesterID)
	if err != nil {
		return Grant{}, false, err
	}
	if !pt.Valid() {
		return Grant{}, false, fmt.Errorf("%w: %q", ErrInvalidPermissionType, pt)
	}

	policy := m.policy.For(requester.Role)
	if !policy.CanInitiateRequest {
		return Grant{}, false, fmt.Errorf("%w: role %s may not request access", ErrForbidden, requester.Role)
	}
	if !policy.Allows(pt) {
		return Grant{}, false, fmt.Errorf("%w: role %s may not request %s access", ErrForbidden, requester.Role, pt)
	}

	now := m.now().UTC()
	existing, found, err := m.liveGrant(ctx, owner.ID, requester.ID, pt, now)
	if err != nil {
		return Grant{}, false, err
	}
	if found {
		return existing, false, nil
	}
	if pt == PermissionView {
		edit, found, err := m.liveGrant(ctx, owner.ID, requester.ID, PermissionEdit, now)
		if err != nil {
			return Grant{}, false, err
		}
		if found && edit.Confers(PermissionView, now) {
			return edit, false, nil
		}
	}

	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	g := Grant{
		ID:             m.newID(),
		OwnerID:        owner.ID,
		RequesterID:    requester.ID,
		PermissionType: pt,
		Status:         policy.InitialStatus(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ro.ttl > 0 {
		exp := now.Add(ro.ttl)
		g.ExpiresAt = &exp
	}
	if err := m.grants.Create(ctx, &g); err != nil {
		if errors.Is(err, ErrDuplicateActiveGrant) {
			// Lost a concurrent create for the same tuple; hand back the winner.
			winner, err := m.grants.FindActive(ctx, owner.ID, requester.ID, pt)
			return winner, false, err
		}
		return Grant{}, false, err
	}

	if g.Status == StatusAccepted {
		obs.ObserveGrantTransition("auto_accepted")
	} else {
		obs.ObserveGrantTransition("requested")
	}
	m.log.Info("grant requested",
		zap.String("grant_id", g.ID),
		zap.String("owner_id", g.OwnerID),
		zap.String("requester_id", g.RequesterID),
		zap.String("permission_type", string(g.PermissionType)),
		zap.String("status", string(g.Status)),
	)
	m.publish(ctx, EventRequested, g, now)
	if g.Status == StatusAccepted {
		m.publish(ctx, EventAccepted, g, now)
	}
	return g, true, nil
}

// Decide records the owner's answer to a pending request.
func (m *Manager) Decide(ctx context.Context, ownerID, grantID string, d Decision) (grant Grant, err error) {
	ctx, span := m.tracer.Start(ctx, "consent.Decide", trace.WithAttributes(
		attribute.String("consent.grant_id", grantID),
		attribute.String("consent.decision", string(d)),
	))
	defer func() { endSpan(span, err) }()

	target, ok := d.target()
	if !ok {
		return Grant{}, fmt.Errorf("%w: %q", ErrInvalidDecision, d)
	}
	current, err := m.ownedGrant(ctx, ownerID, grantID)
	if err != nil {
		return Grant{}, err
	}
	now := m.now().UTC()
	if current.Status != StatusPending {
		return Grant{}, fmt.Errorf("%w: grant is %s, not %s", ErrInvalidState, current.Status, StatusPending)
	}
	if current.Expired(now) {
		return Grant{}, fmt.Errorf("%w: grant expired", ErrInvalidState)
	}

	updated, err := m.grants.UpdateStatus(ctx, current.ID, StatusPending, target, now)
	if err != nil {
		return Grant{}, err
	}

	evt := EventAccepted
	if target == StatusDenied {
		evt = EventDenied
	}
	obs.ObserveGrantTransition(string(evt))
	m.log.Info("grant decided",
		zap.String("grant_id", updated.ID),
		zap.String("owner_id", updated.OwnerID),
		zap.String("status", string(updated.Status)),
	)
	m.publish(ctx, evt, updated, now)
	return updated, nil
}

// Revoke deletes an accepted grant. The deleted grant is returned.
func (m *Manager) Revoke(ctx context.Context, ownerID, grantID string) (grant Grant, err error) {
	ctx, span := m.tracer.Start(ctx, "consent.Revoke", trace.WithAttributes(
		attribute.String("consent.grant_id", grantID),
	))
	defer func() { endSpan(span, err) }()

	current, err := m.ownedGrant(ctx, ownerID, grantID)
	if err != nil {
		return Grant{}, err
	}
	if current.Status != StatusAccepted {
		return Grant{}, fmt.Errorf("%w: grant is %s, not %s", ErrInvalidState, current.Status, StatusAccepted)
	}
	if err := m.grants.Delete(ctx, current.ID, StatusAccepted); err != nil {
		return Grant{}, err
	}

	now := m.now().UTC()
	obs.ObserveGrantTransition(string(EventRevoked))
	m.log.Info("grant revoked",
		zap.String("grant_id", current.ID),
		zap.String("owner_id", current.OwnerID),
		zap.String("requester_id", current.RequesterID),
	)
	m.publish(ctx, EventRevoked, current, now)
	return current, nil
}

// Incoming lists grants where ownerID is the owner.
func (m *Manager) Incoming(ctx context.Context, ownerID string, status Status) ([]Grant, error) {
	return m.grants.ListByOwner(ctx, ownerID, status)
}

// Outgoing lists grants where requesterID is the requester.
func (m *Manager) Outgoing(ctx context.Context, requesterID string, status Status) ([]Grant, error) {
	return m.grants.ListByRequester(ctx, requesterID, status)
}

// ownedGrant re-reads the grant and checks that actorID owns it.
func (m *Manager) ownedGrant(ctx context.Context, actorID, grantID string) (Grant, error) {
	g, err := m.grants.Find(ctx, grantID)
	if err != nil {
		return Grant{}, err
	}
	if g.OwnerID != actorID {
		return Grant{}, fmt.Errorf("%w: only the owner may act on grant %s", ErrForbidden, grantID)
	}
	return g, nil
}

// liveGrant returns the active grant for the tuple. An expired one is
// removed so the tuple can be requested again.
func (m *Manager) liveGrant(ctx context.Context, ownerID, requesterID string, pt PermissionType, now time.Time) (Grant, bool, error) {
	g, err := m.grants.FindActive(ctx, ownerID, requesterID, pt)
	if errors.Is(err, ErrGrantNotFound) {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, err
	}
	if !g.Expired(now) {
		return g, true, nil
	}
	err = m.grants.Delete(ctx, g.ID, g.Status)
	if err != nil && !errors.Is(err, ErrGrantNotFound) && !errors.Is(err, ErrInvalidState) {
		return Grant{}, false, err
	}
	return Grant{}, false, nil
}

func (m *Manager) resolve(ctx context.Context, userID string) (*auth.User, error) {
	return resolvePrincipal(ctx, m.directory, userID)
}

func (m *Manager) publish(ctx context.Context, typ EventType, g Grant, at time.Time) {
	if m.sink == nil {
		return
	}
	evt := GrantEvent{Type: typ, Grant: g, OccurredAt: at}
	if err := m.sink.Publish(ctx, evt); err != nil {
		m.log.Warn("grant event publish failed",
			zap.String("event", string(typ)),
			zap.String("grant_id", g.ID),
			zap.Error(err),
		)
	}
}

func resolvePrincipal(ctx context.Context, directory auth.Directory, userID string) (*auth.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrPrincipalNotFound)
	}
	u, err := directory.Find(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, userID)
		}
		return nil, err
	}
	return u, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
