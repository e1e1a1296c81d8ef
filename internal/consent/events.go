package consent

import (
	"context"
	"errors"
	"time"
)

// EventType names a grant lifecycle transition.
type EventType string

const (
	EventRequested EventType = "grant.requested"
	EventAccepted  EventType = "grant.accepted"
	EventDenied    EventType = "grant.denied"
	EventRevoked   EventType = "grant.revoked"
)

// GrantEvent is published after a transition has been persisted.
type GrantEvent struct {
	Type       EventType `json:"type"`
	Grant      Grant     `json:"grant"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Involves reports whether userID is the owner or the requester of the grant.
func (e GrantEvent) Involves(userID string) bool {
	return userID != "" && (e.Grant.OwnerID == userID || e.Grant.RequesterID == userID)
}

// EventSink receives grant events. Publishing is best effort: a failing sink
// never undoes or fails the transition.
type EventSink interface {
	Publish(ctx context.Context, evt GrantEvent) error
}

// EventSinks fans an event out to every sink and joins their errors.
type EventSinks []EventSink

func (s EventSinks) Publish(ctx context.Context, evt GrantEvent) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
