package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
)

// DefaultHealthPrefix namespaces the per-account failure windows and cooldowns.
const DefaultHealthPrefix = "mediagen:account:health:"

// violate is shared by both write scripts. KEYS[1] is the failure window,
// KEYS[2] the state hash.
const violate = `
local function violate(now, base, max, after)
  local v = redis.call('HINCRBY', KEYS[2], 'violations', 1)
  redis.call('DEL', KEYS[1])
  local backoff = base
  local i = 1
  while i < v and backoff < max do
    backoff = backoff * 2
    i = i + 1
  end
  if backoff > max then
    backoff = max
  end
  redis.call('HSET', KEYS[2], 'cooldown_until', now + backoff)
  if after > 0 and v >= after then
    redis.call('HSET', KEYS[2], 'blacklisted', 1)
  end
  return 1
end
`

var (
	// ARGV: now_ms, window_ms, success, latency_ms, threshold, base_ms, max_ms, blacklist_after
	recordScript = r.NewScript(violate + `
local now = tonumber(ARGV[1])
if tonumber(ARGV[4]) > 0 then
  redis.call('HSET', KEYS[2], 'latency', ARGV[4])
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - tonumber(ARGV[2]))
if ARGV[3] == '1' then
  return 0
end
local seq = redis.call('HINCRBY', KEYS[2], 'seq', 1)
redis.call('ZADD', KEYS[1], now, now .. ':' .. seq)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[5]) then
  return 0
end
return violate(now, tonumber(ARGV[6]), tonumber(ARGV[7]), tonumber(ARGV[8]))`)

	// ARGV: now_ms, base_ms, max_ms, blacklist_after
	forceScript = r.NewScript(violate + `
return violate(tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]))`)
)

// Health is an account.HealthTracker whose failure windows and cooldowns live
// in Redis, so an account tripped by one replica sits out on all of them.
type Health struct {
	rdb    r.UniversalClient
	prefix string
	policy account.HealthPolicy
	clock  genjob.Clock
}

var _ account.HealthTracker = (*Health)(nil)

// NewHealth wraps rdb. An empty prefix selects DefaultHealthPrefix.
func NewHealth(rdb r.UniversalClient, prefix string, policy account.HealthPolicy, clk genjob.Clock) *Health {
	if prefix == "" {
		prefix = DefaultHealthPrefix
	}
	return &Health{rdb: rdb, prefix: prefix, policy: policy.Normalized(), clock: clk}
}

func (h *Health) keys(accountID string) []string {
	return []string{h.prefix + "fail:" + accountID, h.prefix + "state:" + accountID}
}

// RecordOutcome implements account.HealthTracker.
func (h *Health) RecordOutcome(ctx context.Context, accountID string, success bool, latencyMs int64) (bool, error) {
	ok := 0
	if success {
		ok = 1
	}
	n, err := recordScript.Run(ctx, h.rdb, h.keys(accountID),
		h.clock.Now().UnixMilli(),
		h.policy.Window.Milliseconds(),
		ok,
		latencyMs,
		h.policy.FailureThreshold,
		h.policy.BaseCooldown.Milliseconds(),
		h.policy.MaxCooldown.Milliseconds(),
		h.policy.BlacklistAfter,
	).Int()
	if err != nil {
		return false, fmt.Errorf("record outcome %s: %w", accountID, err)
	}
	return n == 1, nil
}

// ForceCooldown implements account.HealthTracker.
func (h *Health) ForceCooldown(ctx context.Context, accountID string) error {
	err := forceScript.Run(ctx, h.rdb, h.keys(accountID),
		h.clock.Now().UnixMilli(),
		h.policy.BaseCooldown.Milliseconds(),
		h.policy.MaxCooldown.Milliseconds(),
		h.policy.BlacklistAfter,
	).Err()
	if err != nil {
		return fmt.Errorf("force cooldown %s: %w", accountID, err)
	}
	return nil
}

// Available implements account.HealthTracker.
func (h *Health) Available(ctx context.Context, accountID string) (bool, error) {
	vals, err := h.rdb.HMGet(ctx, h.keys(accountID)[1], "cooldown_until", "blacklisted").Result()
	if err != nil {
		return false, fmt.Errorf("read health %s: %w", accountID, err)
	}
	until, err := intField(vals[0])
	if err != nil {
		return false, fmt.Errorf("parse cooldown %s: %w", accountID, err)
	}
	blacklisted, err := intField(vals[1])
	if err != nil {
		return false, fmt.Errorf("parse blacklist %s: %w", accountID, err)
	}
	return blacklisted == 0 && h.clock.Now().UnixMilli() >= until, nil
}

// Status implements account.HealthTracker.
func (h *Health) Status(ctx context.Context, accountID string) (account.HealthStatus, error) {
	keys := h.keys(accountID)
	cutoff := h.clock.Now().Add(-h.policy.Window).UnixMilli()
	var (
		fields *r.SliceCmd
		recent *r.IntCmd
	)
	_, err := h.rdb.Pipelined(ctx, func(p r.Pipeliner) error {
		fields = p.HMGet(ctx, keys[1], "cooldown_until", "latency", "blacklisted", "violations")
		recent = p.ZCount(ctx, keys[0], "("+strconv.FormatInt(cutoff, 10), "+inf")
		return nil
	})
	if err != nil {
		return account.HealthStatus{}, fmt.Errorf("read health %s: %w", accountID, err)
	}
	nums := make([]int64, 4)
	for i, v := range fields.Val() {
		if nums[i], err = intField(v); err != nil {
			return account.HealthStatus{}, fmt.Errorf("parse health %s: %w", accountID, err)
		}
	}
	st := account.HealthStatus{
		LastLatencyMs:  nums[1],
		Blacklisted:    nums[2] != 0,
		RecentFailures: int(recent.Val()),
		Violations:     int(nums[3]),
	}
	if nums[0] > 0 {
		st.CooldownUntil = time.UnixMilli(nums[0]).In(h.clock.Now().Location())
	}
	return st, nil
}

func intField(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected field type %T", v)
	}
	return strconv.ParseInt(s, 10, 64)
}
