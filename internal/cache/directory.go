package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"medshare.org/internal/auth"
	"medshare.org/internal/obs"
)

const (
	keyPrefix  = "medshare:user:"
	defaultTTL = 5 * time.Minute
)

// redisClient is the subset of *redis.Client used by Directory.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Directory is a read-through Redis cache in front of an auth.Directory.
// Only Find is cached: it sits on the hot path of every authorization
// decision. Cached entries never carry the password hash, and Redis errors
// fall back to the wrapped directory.
type Directory struct {
	next   auth.Directory
	client redisClient
	ttl    time.Duration
	log    *zap.Logger
}

var _ auth.Directory = (*Directory)(nil)

// NewDirectory wraps next. A non-positive ttl uses five minutes.
func NewDirectory(next auth.Directory, client redisClient, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Directory{next: next, client: client, ttl: ttl, log: obs.Logger().Named("cache")}
}

type cachedUser struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      auth.Role `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *Directory) Find(ctx context.Context, id string) (*auth.User, error) {
	key := keyPrefix + id
	raw, err := d.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cu cachedUser
		if jerr := json.Unmarshal(raw, &cu); jerr == nil {
			return &auth.User{ID: cu.ID, Email: cu.Email, Role: cu.Role, CreatedAt: cu.CreatedAt}, nil
		}
		d.log.Warn("discarding undecodable cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		d.log.Warn("directory cache read failed", zap.String("key", key), zap.Error(err))
	}

	u, err := d.next.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(cachedUser{ID: u.ID, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt})
	if err == nil {
		if err := d.client.Set(ctx, key, body, d.ttl).Err(); err != nil {
			d.log.Warn("directory cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return u, nil
}

// FindByEmail is not cached; it is only used by login, which needs the
// password hash.
func (d *Directory) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return d.next.FindByEmail(ctx, email)
}
