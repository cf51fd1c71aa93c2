// Package redis implements cache.Store on Redis so entries and computation locks
// are shared by every worker process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/mediagen/internal/cache"
	"github.com/JakeFAU/mediagen/internal/genjob"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "mediagen:cache:"

var (
	acquireScript = r.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if v then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1`)

	releaseScript = r.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)

	extendScript = r.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

// Store is a Redis-backed cache.Store.
type Store struct {
	rdb    r.UniversalClient
	prefix string
	clock  genjob.Clock
}

var _ cache.Store = (*Store)(nil)

// New wraps rdb. An empty prefix selects DefaultPrefix.
func New(rdb r.UniversalClient, prefix string, clk genjob.Clock) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, clock: clk}
}

func (s *Store) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *Store) hashKey(hash string) string { return s.prefix + "hash:" + hash }
func (s *Store) lockKey(key string) string  { return s.prefix + "lock:" + key }

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	raw, err := s.rdb.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, r.Nil) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	var entry cache.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if !entry.Live(s.clock.Now()) {
		return cache.Entry{}, false, nil
	}
	return entry, true, nil
}

// Put implements cache.Store. The entry and its hash index share one expiry.
func (s *Store) Put(ctx context.Context, entry cache.Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := s.clock.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.entryKey(entry.Key), raw, ttl)
	if entry.ContentHash != "" {
		pipe.Set(ctx, s.hashKey(entry.ContentHash), entry.Key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache put %s: %w", entry.Key, err)
	}
	return nil
}

// FindByHash implements cache.Store.
func (s *Store) FindByHash(ctx context.Context, hash string) (cache.Entry, bool, error) {
	key, err := s.rdb.Get(ctx, s.hashKey(hash)).Result()
	if errors.Is(err, r.Nil) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("cache hash lookup: %w", err)
	}
	return s.Get(ctx, key)
}

// AcquireLock implements cache.Store.
func (s *Store) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.runLockScript(ctx, acquireScript, key, token, ttl.Milliseconds())
}

// ReleaseLock implements cache.Store.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	return s.runLockScript(ctx, releaseScript, key, token)
}

// ExtendLock implements cache.Store.
func (s *Store) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.runLockScript(ctx, extendScript, key, token, ttl.Milliseconds())
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) runLockScript(ctx context.Context, script *r.Script, key, token string, extra ...any) (bool, error) {
	args := append([]any{token}, extra...)
	n, err := script.Run(ctx, s.rdb, []string{s.lockKey(key)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("cache lock %s: %w", key, err)
	}
	return n == 1, nil
}
