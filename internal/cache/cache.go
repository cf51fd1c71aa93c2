// Package cache defines the result cache consulted before any provider call and
// the shared lock that serializes identical concurrent generations.
package cache

import (
	"context"
	"time"

	"github.com/JakeFAU/mediagen/internal/genjob"
)

// Entry is a produced result addressed by canonical key and content hash.
// Entries are never mutated, only replaced or expired.
type Entry struct {
	Key         string    `json:"key"`
	ContentHash string    `json:"content_hash"`
	ResultRef   string    `json:"result_ref"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Live reports whether the entry may still be served at now.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store is the cache contract. Implementations must be safe for concurrent use
// and, for shared backends, across processes.
type Store interface {
	// Get returns the live entry for key; expired entries are misses.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry for ttl and indexes it by content hash. A non-positive
	// ttl writes nothing.
	Put(ctx context.Context, entry Entry, ttl time.Duration) error
	// FindByHash returns a live entry produced from an identical payload.
	FindByHash(ctx context.Context, hash string) (Entry, bool, error)
	// AcquireLock takes the computation lock for key. Re-acquiring with the
	// holder's token refreshes the expiry and succeeds.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseLock drops the lock iff token still holds it.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	// ExtendLock pushes the expiry iff token still holds it.
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Close() error
}

// TTLTable maps a cache strategy to the lifetime of the entries it produces.
type TTLTable map[genjob.CacheStrategy]time.Duration

// DefaultTTLTable returns the stock lifetimes.
func DefaultTTLTable() TTLTable {
	return TTLTable{
		genjob.CacheOnce:           365 * 24 * time.Hour,
		genjob.CachePerPlaythrough: 30 * 24 * time.Hour,
		genjob.CachePerPlayer:      90 * 24 * time.Hour,
	}
}

// TTL returns the lifetime for strategy and false when results must not be cached.
func (t TTLTable) TTL(strategy genjob.CacheStrategy) (time.Duration, bool) {
	if strategy.Bypass() {
		return 0, false
	}
	ttl, ok := t[strategy]
	if !ok || ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

// Lookup tries the canonical key first and falls back to the content hash.
func Lookup(ctx context.Context, store Store, key, hash string) (Entry, bool, error) {
	entry, ok, err := store.Get(ctx, key)
	if err != nil || ok {
		return entry, ok, err
	}
	if hash == "" {
		return Entry{}, false, nil
	}
	return store.FindByHash(ctx, hash)
}
