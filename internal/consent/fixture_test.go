package consent

import (
	"context"
	"sync"
	"testing"
	"time"

	"medshare.org/internal/auth"
)

type people struct {
	alice, bob, carol, dan *auth.User
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingSink struct {
	mu     sync.Mutex
	events []GrantEvent
}

func (s *recordingSink) Publish(_ context.Context, evt GrantEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	users   *auth.InMemory
	grants  *InMemoryGrants
	sink    *recordingSink
	clock   *clock
	manager *Manager
	engine  *Engine
	people
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	users := auth.NewInMemory()
	add := func(email string, role auth.Role) *auth.User {
		u := &auth.User{Email: email, Role: role}
		if err := users.Users(ctx).Create(ctx, u); err != nil {
			t.Fatalf("create %s: %v", email, err)
		}
		return u
	}
	f := &fixture{
		users:  users,
		grants: NewInMemoryGrants(),
		sink:   &recordingSink{},
		clock:  &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		people: people{
			alice: add("alice@example.com", auth.RolePatient),
			bob:   add("bob@example.com", auth.RolePatient),
			carol: add("carol@example.com", auth.RoleFirstResponder),
			dan:   add("dan@example.com", auth.RoleHealthcareProvider),
		},
	}
	dir := users.Users(ctx)
	f.manager = NewManager(f.grants, dir, WithEventSink(f.sink), WithManagerClock(f.clock.Now))
	f.engine = NewEngine(f.grants, dir, WithEngineClock(f.clock.Now))
	return f
}
