// Package memory provides an in-process account.Counter built on atomic CAS loops.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/mediagen/internal/account"
)

// Counter keeps one atomic integer per account.
type Counter struct {
	slots sync.Map // account id -> *atomic.Int64
}

var _ account.Counter = (*Counter)(nil)

// New returns an empty counter.
func New() *Counter {
	return &Counter{}
}

func (c *Counter) slot(id string) *atomic.Int64 {
	if v, ok := c.slots.Load(id); ok {
		return v.(*atomic.Int64)
	}
	v, _ := c.slots.LoadOrStore(id, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Reserve implements account.Counter.
func (c *Counter) Reserve(_ context.Context, accountID string, capacity int) (int, bool, error) {
	s := c.slot(accountID)
	for {
		cur := s.Load()
		if cur >= int64(capacity) {
			return int(cur), false, nil
		}
		if s.CompareAndSwap(cur, cur+1) {
			return int(cur + 1), true, nil
		}
	}
}

// Release implements account.Counter.
func (c *Counter) Release(_ context.Context, accountID string) (int, error) {
	s := c.slot(accountID)
	for {
		cur := s.Load()
		if cur <= 0 {
			return 0, nil
		}
		if s.CompareAndSwap(cur, cur-1) {
			return int(cur - 1), nil
		}
	}
}

// InFlight implements account.Counter.
func (c *Counter) InFlight(_ context.Context, accountID string) (int, error) {
	return int(c.slot(accountID).Load()), nil
}

// Close implements account.Counter.
func (c *Counter) Close() error { return nil }
