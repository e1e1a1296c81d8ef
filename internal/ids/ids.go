package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID for the current instant. IDs minted by one process sort
// in creation order, which keeps grant listings stable on ties.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID carrying the timestamp t.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s is a well-formed ULID. Handlers use it to reject
// garbage path segments before touching storage.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
