// Package memory provides an in-process cache.Store for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/mediagen/internal/cache"
	"github.com/JakeFAU/mediagen/internal/genjob"
)

type lock struct {
	token     string
	expiresAt time.Time
}

// Store keeps entries, the hash index and locks in maps guarded by one mutex.
type Store struct {
	clock   genjob.Clock
	mu      sync.Mutex
	entries map[string]cache.Entry
	byHash  map[string]string
	locks   map[string]lock
}

var _ cache.Store = (*Store)(nil)

// New builds an empty store reading time from clk.
func New(clk genjob.Clock) *Store {
	return &Store{
		clock:   clk,
		entries: make(map[string]cache.Entry),
		byHash:  make(map[string]string),
		locks:   make(map[string]lock),
	}
}

// Get implements cache.Store.
func (s *Store) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(key)
}

// Put implements cache.Store.
func (s *Store) Put(_ context.Context, entry cache.Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := s.clock.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	if entry.ContentHash != "" {
		s.byHash[entry.ContentHash] = entry.Key
	}
	return nil
}

// FindByHash implements cache.Store.
func (s *Store) FindByHash(_ context.Context, hash string) (cache.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byHash[hash]
	if !ok {
		return cache.Entry{}, false, nil
	}
	entry, ok, err := s.liveLocked(key)
	if !ok {
		delete(s.byHash, hash)
	}
	return entry, ok, err
}

// AcquireLock implements cache.Store.
func (s *Store) AcquireLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[key]
	if ok && now.Before(held.expiresAt) && held.token != token {
		return false, nil
	}
	s.locks[key] = lock{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLock implements cache.Store.
func (s *Store) ReleaseLock(_ context.Context, key, token string) (bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[key]
	if !ok || held.token != token || !now.Before(held.expiresAt) {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

// ExtendLock implements cache.Store.
func (s *Store) ExtendLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[key]
	if !ok || held.token != token || !now.Before(held.expiresAt) {
		return false, nil
	}
	held.expiresAt = now.Add(ttl)
	s.locks[key] = held
	return true, nil
}

// Close implements cache.Store.
func (s *Store) Close() error { return nil }

func (s *Store) liveLocked(key string) (cache.Entry, bool, error) {
	entry, ok := s.entries[key]
	if !ok {
		return cache.Entry{}, false, nil
	}
	if !entry.Live(s.clock.Now()) {
		delete(s.entries, key)
		return cache.Entry{}, false, nil
	}
	return entry, true, nil
}
