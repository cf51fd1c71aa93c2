// Package redis provides an account.Counter shared by every worker process.
// Reserve and release run as Lua scripts so the capacity check and the
// increment are a single atomic step on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	r "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/mediagen/internal/account"
)

// DefaultPrefix namespaces the per-account counters.
const DefaultPrefix = "mediagen:account:inflight:"

var (
	reserveScript = r.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return {n, 0}
end
return {redis.call('INCR', KEYS[1]), 1}`)

	releaseScript = r.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 0 then
  redis.call('SET', KEYS[1], 0)
  return 0
end
return redis.call('DECR', KEYS[1])`)
)

// Counter is a Redis-backed account.Counter.
type Counter struct {
	rdb    r.UniversalClient
	prefix string
}

var _ account.Counter = (*Counter)(nil)

// New wraps rdb. An empty prefix selects DefaultPrefix.
func New(rdb r.UniversalClient, prefix string) *Counter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Counter{rdb: rdb, prefix: prefix}
}

// Reserve implements account.Counter.
func (c *Counter) Reserve(ctx context.Context, accountID string, capacity int) (int, bool, error) {
	res, err := reserveScript.Run(ctx, c.rdb, []string{c.prefix + accountID}, capacity).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("reserve slot %s: %w", accountID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("reserve slot %s: unexpected reply %v", accountID, res)
	}
	return int(res[0]), res[1] == 1, nil
}

// Release implements account.Counter.
func (c *Counter) Release(ctx context.Context, accountID string) (int, error) {
	n, err := releaseScript.Run(ctx, c.rdb, []string{c.prefix + accountID}).Int()
	if err != nil {
		return 0, fmt.Errorf("release slot %s: %w", accountID, err)
	}
	return n, nil
}

// InFlight implements account.Counter.
func (c *Counter) InFlight(ctx context.Context, accountID string) (int, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+accountID).Result()
	if errors.Is(err, r.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read slot %s: %w", accountID, err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse slot %s: %w", accountID, err)
	}
	return n, nil
}

// Close releases the underlying client.
func (c *Counter) Close() error {
	return c.rdb.Close()
}
