package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type access struct {
	view, edit bool
}

func (f *fixture) access(t *testing.T, callerID, ownerID string) access {
	t.Helper()
	ctx := context.Background()
	view, err := f.engine.CanAccessUserRecords(ctx, callerID, ownerID)
	if err != nil {
		t.Fatalf("CanAccessUserRecords: %v", err)
	}
	edit, err := f.engine.CanModifyUserRecords(ctx, callerID, ownerID)
	if err != nil {
		t.Fatalf("CanModifyUserRecords: %v", err)
	}
	return access{view: view, edit: edit}
}

func TestEngineSelfAccess(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{f.alice.ID, f.carol.ID, f.dan.ID} {
		if got := f.access(t, u, u); got != (access{true, true}) {
			t.Fatalf("expected full self access for %s, got %+v", u, got)
		}
	}
}

func TestEngineNoGrantDenies(t *testing.T) {
	f := newFixture(t)
	if got := f.access(t, f.alice.ID, f.bob.ID); got != (access{}) {
		t.Fatalf("expected no access between patients, got %+v", got)
	}
	if got := f.access(t, f.dan.ID, f.bob.ID); got != (access{}) {
		t.Fatalf("expected no provider access without grant, got %+v", got)
	}
}

func TestEngineFirstResponderBlanketAccess(t *testing.T) {
	f := newFixture(t)
	if got := f.access(t, f.carol.ID, f.bob.ID); got != (access{true, true}) {
		t.Fatalf("expected blanket access, got %+v", got)
	}
}

func TestEngineProviderEditFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.manager.CreateRequest(ctx, f.dan.ID, f.bob.ID, PermissionEdit)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if got := f.access(t, f.dan.ID, f.bob.ID); got != (access{}) {
		t.Fatalf("pending grant must confer nothing, got %+v", got)
	}
	if _, err := f.manager.Decide(ctx, f.bob.ID, g.ID, DecisionAccept); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got := f.access(t, f.dan.ID, f.bob.ID); got != (access{true, true}) {
		t.Fatalf("accepted EDIT must confer view and edit, got %+v", got)
	}
	// Grants are directional.
	if got := f.access(t, f.bob.ID, f.dan.ID); got != (access{}) {
		t.Fatalf("expected no reverse access, got %+v", got)
	}
	if _, err := f.manager.Revoke(ctx, f.bob.ID, g.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if got := f.access(t, f.dan.ID, f.bob.ID); got != (access{}) {
		t.Fatalf("revoked grant must confer nothing, got %+v", got)
	}
}

func TestEngineViewGrantDoesNotAllowModify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.manager.CreateRequest(ctx, f.dan.ID, f.bob.ID, PermissionView)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := f.manager.Decide(ctx, f.bob.ID, g.ID, DecisionAccept); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got := f.access(t, f.dan.ID, f.bob.ID); got != (access{view: true}) {
		t.Fatalf("expected view only, got %+v", got)
	}
}

func TestEngineDeniedGrantConfersNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.manager.CreateRequest(ctx, f.dan.ID, f.bob.ID, PermissionEdit)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := f.manager.Decide(ctx, f.bob.ID, g.ID, DecisionDeny); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got := f.access(t, f.dan.ID, f.bob.ID); got != (access{}) {
		t.Fatalf("expected no access after deny, got %+v", got)
	}
}

func TestEngineExpiredGrantConfersNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.manager.CreateRequest(ctx, f.dan.ID, f.bob.ID, PermissionView, WithTTL(time.Hour))
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := f.manager.Decide(ctx, f.bob.ID, g.ID, DecisionAccept); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got := f.access(t, f.dan.ID, f.bob.ID); !got.view {
		t.Fatalf("expected view before expiry")
	}
	f.clock.Advance(time.Hour)
	if got := f.access(t, f.dan.ID, f.bob.ID); got != (access{}) {
		t.Fatalf("expected no access after expiry, got %+v", got)
	}
}

func TestEnginePrincipalNotFound(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.WarnLevel)
	engine := NewEngine(f.grants, f.users.Users(context.Background()), WithEngineLogger(zap.New(core)))
	ctx := context.Background()

	cases := []struct {
		name          string
		caller, owner string
	}{
		{"unknown caller", "ghost", f.bob.ID},
		{"unknown owner", f.carol.ID, "ghost"},
		{"unknown self", "ghost", "ghost"},
		{"empty caller", "", f.bob.ID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			allowed, err := engine.CanAccessUserRecords(ctx, tc.caller, tc.owner)
			if !errors.Is(err, ErrPrincipalNotFound) || allowed {
				t.Fatalf("expected ErrPrincipalNotFound, got allowed=%v err=%v", allowed, err)
			}
			allowed, err = engine.CanModifyUserRecords(ctx, tc.caller, tc.owner)
			if !errors.Is(err, ErrPrincipalNotFound) || allowed {
				t.Fatalf("expected ErrPrincipalNotFound, got allowed=%v err=%v", allowed, err)
			}
		})
	}
	if logs.FilterMessage("authorization principal not found").Len() != 2*len(cases) {
		t.Fatalf("expected a warning per lookup, got %d", logs.Len())
	}
}

type brokenGrants struct {
	*InMemoryGrants
}

func (brokenGrants) FindActive(context.Context, string, string, PermissionType) (Grant, error) {
	return Grant{}, errors.New("db unavailable")
}

func TestEngineStoreErrorIsNotADenial(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(brokenGrants{f.grants}, f.users.Users(context.Background()))
	allowed, err := engine.CanAccessUserRecords(context.Background(), f.dan.ID, f.bob.ID)
	if err == nil || allowed {
		t.Fatalf("expected store error, got allowed=%v err=%v", allowed, err)
	}
	if errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("store failure must not look like a missing principal")
	}
}

func TestEngineCustomPolicy(t *testing.T) {
	f := newFixture(t)
	policy := PolicyTable{}
	for role, p := range DefaultPolicy {
		policy[role] = p
	}
	fr := policy[f.carol.Role]
	fr.BlanketAccess = false
	policy[f.carol.Role] = fr

	engine := NewEngine(f.grants, f.users.Users(context.Background()), WithEnginePolicy(policy))
	allowed, err := engine.CanAccessUserRecords(context.Background(), f.carol.ID, f.bob.ID)
	if err != nil {
		t.Fatalf("CanAccessUserRecords: %v", err)
	}
	if allowed {
		t.Fatalf("expected no access once blanket access is disabled")
	}
}
