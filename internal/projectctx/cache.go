package projectctx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a project stays cached.
const DefaultCacheTTL = 5 * time.Minute

const cacheKeyPrefix = "forge:project:"

// CachedStore is a read-through Redis cache in front of another Store.
// Redis failures are logged and the lookup falls through to the backing
// store. Missing projects are not cached.
type CachedStore struct {
	next   Store
	client redis.UniversalClient
	ttl    time.Duration
	log    *slog.Logger
}

// NewCachedStore wraps next. ttl <= 0 uses DefaultCacheTTL.
func NewCachedStore(next Store, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		next:   next,
		client: client,
		ttl:    ttl,
		log:    logger.With("component", "projectctx"),
	}
}

// NewRedisClient builds a client from an address, password and db number.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
	})
}

// Lookup implements Store.
func (s *CachedStore) Lookup(ctx context.Context, id string) (*ProjectContext, error) {
	key := cacheKeyPrefix + id

	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p ProjectContext
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return &p, nil
		}
		s.log.Warn("Dropping undecodable cache entry", "project_id", id)
		s.client.Del(ctx, key)
	case errors.Is(err, redis.Nil):
		// miss
	default:
		s.log.Warn("Project cache unavailable, reading through", "project_id", id, "error", err)
	}

	p, err := s.next.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
			s.log.Debug("Failed to cache project", "project_id", id, "error", err)
		}
	}
	return p, nil
}

// Invalidate removes a cached project.
func (s *CachedStore) Invalidate(ctx context.Context, id string) error {
	return s.client.Del(ctx, cacheKeyPrefix+id).Err()
}
