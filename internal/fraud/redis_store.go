package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cognativeshield/fraudguard/internal/metrics"
)

const (
	profileKeyPrefix = "fraudguard:profile:"
	// generationKey namespaces profile keys. ClearAll bumps it, which
	// orphans every cached profile at once; orphans expire with their TTL.
	generationKey = "fraudguard:profile-gen"

	// DefaultProfileTTL bounds how long a cached profile may serve reads.
	DefaultProfileTTL = 15 * time.Minute
)

// CachedStore fronts a Store with a Redis read-through, write-through
// profile cache. Redis failures on the scoring path are logged and fall back
// to the backing store. ClearAll is the exception: it fails if the cache
// cannot be invalidated.
type CachedStore struct {
	Store
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps backing with a profile cache in rdb.
func NewCachedStore(backing Store, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultProfileTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{Store: backing, rdb: rdb, ttl: ttl, logger: logger}
}

func profileKey(gen int64, userID int64) string {
	return profileKeyPrefix + strconv.FormatInt(gen, 10) + ":" + strconv.FormatInt(userID, 10)
}

// generation returns the current cache namespace. A missing key is 0.
func (s *CachedStore) generation(ctx context.Context) (int64, error) {
	gen, err := s.rdb.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (s *CachedStore) GetProfile(ctx context.Context, userID int64) (*UserProfile, error) {
	var data []byte
	gen, err := s.generation(ctx)
	if err == nil {
		data, err = s.rdb.Get(ctx, profileKey(gen, userID)).Bytes()
	}
	switch {
	case err == nil:
		var p UserProfile
		if jerr := json.Unmarshal(data, &p); jerr == nil {
			metrics.ProfileCacheTotal.WithLabelValues("hit").Inc()
			return &p, nil
		}
		s.logger.Warn("discarding unreadable cached profile", "user_id", userID)
		metrics.ProfileCacheTotal.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		metrics.ProfileCacheTotal.WithLabelValues("miss").Inc()
	default:
		s.logger.Warn("profile cache read failed", "user_id", userID, "error", err)
		metrics.ProfileCacheTotal.WithLabelValues("error").Inc()
	}

	p, err := s.Store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, p)
	return p, nil
}

func (s *CachedStore) SaveProfile(ctx context.Context, profile *UserProfile) error {
	if err := s.Store.SaveProfile(ctx, profile); err != nil {
		return err
	}
	s.put(ctx, profile)
	return nil
}

func (s *CachedStore) CommitTransaction(ctx context.Context, tx *Transaction, result *PredictionResult, next *UserProfile) error {
	if err := s.Store.CommitTransaction(ctx, tx, result, next); err != nil {
		return err
	}
	s.put(ctx, next)
	return nil
}

// ClearAll invalidates the cache, clears the backing store, then
// invalidates again so profiles read back in between are dropped too. If the
// first invalidation fails nothing is cleared.
func (s *CachedStore) ClearAll(ctx context.Context) error {
	if err := s.rdb.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate profile cache: %w", err)
	}
	if err := s.Store.ClearAll(ctx); err != nil {
		return err
	}
	if err := s.rdb.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate profile cache: %w", err)
	}
	return nil
}

// put writes profile to the cache. If the write fails the key is dropped so
// a stale entry cannot outlive the stored profile.
func (s *CachedStore) put(ctx context.Context, profile *UserProfile) {
	gen, err := s.generation(ctx)
	if err != nil {
		s.logger.Warn("profile cache write skipped", "user_id", profile.UserID, "error", err)
		return
	}
	key := profileKey(gen, profile.UserID)
	data, err := json.Marshal(profile)
	if err == nil {
		err = s.rdb.Set(ctx, key, data, s.ttl).Err()
	}
	if err != nil {
		s.logger.Warn("profile cache write failed", "user_id", profile.UserID, "error", err)
		_ = s.rdb.Del(ctx, key).Err()
	}
}
