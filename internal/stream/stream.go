package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"medshare.org/internal/consent"
)

const subscriberBuffer = 16

// Filter selects which events a subscriber receives. A nil filter matches
// everything.
type Filter func(consent.GrantEvent) bool

// ForUser matches events where userID is the owner or the requester.
func ForUser(userID string) Filter {
	return func(evt consent.GrantEvent) bool { return evt.Involves(userID) }
}

type subscriber struct {
	ch     chan consent.GrantEvent
	filter Filter
}

// Stream fans grant events out to live subscribers (SSE clients). It
// implements consent.EventSink.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// matching events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, filter Filter) <-chan consent.GrantEvent {
	ch := make(chan consent.GrantEvent, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every matching subscriber. Slow subscribers miss
// the event rather than block the transition that produced it.
func (s *Stream) Publish(_ context.Context, evt consent.GrantEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}
