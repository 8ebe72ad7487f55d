// Package ratelimit implements the token-bucket limiter keyed first by
// device id, then by source IP as a fallback (spec §4.5, §9). The
// backend is pluggable: an in-memory store for a single process, or a
// Redis-backed store so a distributed deployment can replace it
// without changing the call site, matching the "documented non-strict
// under horizontal scale" note in spec §5.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Policy is a token-bucket's refill rate and burst capacity.
type Policy struct {
	PerMinute int
	Burst     int
}

// Store abstracts where bucket state lives.
type Store interface {
	// Allow reports whether one token is available for key under
	// policy, consuming it if so.
	Allow(ctx context.Context, key string, policy Policy) (bool, error)
}

// MemoryStore is a per-process Store backed by golang.org/x/time/rate,
// the default when REDIS_URL is unset.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryStore builds a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[key]
	if !ok {
		perSecond := float64(policy.PerMinute) / 60.0
		if perSecond <= 0 {
			perSecond = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), policy.Burst)
		s.limiters[key] = lim
	}
	return lim.Allow(), nil
}

// redisTokenBucketScript mirrors a standard Lua token-bucket: refill
// by elapsed time, then attempt to consume one token, atomically.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisStore is a Store backed by Redis, for horizontally-scaled
// deployments where buckets must be shared across processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a RedisStore from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy) (bool, error) {
	bucketKey := fmt.Sprintf("baseliner:ratelimit:%s", key)
	perSecond := float64(policy.PerMinute) / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{bucketKey}, perSecond, policy.Burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Limiter applies spec §4.4/§4.5's device-id-then-IP keying on top of
// a Store.
type Limiter struct {
	store        Store
	devicePolicy Policy
	ipPolicy     Policy
}

// New builds a Limiter.
func New(store Store, devicePolicy, ipPolicy Policy) *Limiter {
	return &Limiter{store: store, devicePolicy: devicePolicy, ipPolicy: ipPolicy}
}

// Allow checks the bucket for deviceID if present, else falls back to
// sourceIP. retryAfter is a conservative estimate for the Retry-After
// header when the request is denied.
func (l *Limiter) Allow(ctx context.Context, deviceID, sourceIP string) (allowed bool, retryAfter time.Duration, err error) {
	key, policy := sourceIP, l.ipPolicy
	if deviceID != "" {
		key, policy = "device:"+deviceID, l.devicePolicy
	} else {
		key = "ip:" + key
	}

	ok, err := l.store.Allow(ctx, key, policy)
	if err != nil {
		return false, 0, err
	}
	if ok {
		return true, 0, nil
	}

	retrySeconds := 60 / policy.PerMinute
	if retrySeconds <= 0 {
		retrySeconds = 1
	}
	return false, time.Duration(retrySeconds) * time.Second, nil
}
