// Package syncutil provides per-key mutual exclusion for read-modify-write
// sequences such as profile updates.
package syncutil

import (
	"context"
	"hash/fnv"
	"strconv"
)

// DefaultShards is the lock table size used by NewUserLocks(0).
const DefaultShards = 256

// UserLocks is a fixed-size table of channel-based mutexes keyed by string.
// Memory stays bounded regardless of how many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
// Callers can give up while waiting by cancelling their context.
type UserLocks struct {
	shards []chan struct{}
}

// NewUserLocks creates a lock table with n shards.
func NewUserLocks(n int) *UserLocks {
	if n <= 0 {
		n = DefaultShards
	}
	l := &UserLocks{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{} // unlocked
	}
	return l
}

// Lock acquires the mutex for key. On success it returns an unlock function
// the caller must call exactly once. On cancellation it returns ctx.Err().
func (l *UserLocks) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[l.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockUser is Lock keyed by a numeric user ID.
func (l *UserLocks) LockUser(ctx context.Context, userID int64) (func(), error) {
	return l.Lock(ctx, strconv.FormatInt(userID, 10))
}

// Shards returns the table size.
func (l *UserLocks) Shards() int { return len(l.shards) }

func (l *UserLocks) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(l.shards))
}
