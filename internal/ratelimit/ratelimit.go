// Package ratelimit throttles invocations per key. KeyedLimiter is an
// in-process token bucket per key with idle eviction; RedisLimiter is a
// sliding window shared across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// KeyedLimiter keeps one token bucket per key.
type KeyedLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	rate       rate.Limit
	burst      int
	now        func() time.Time
}

// NewKeyedLimiter allows perMinute requests per key with the given burst.
// A non-positive burst defaults to a tenth of perMinute, minimum 1.
func NewKeyedLimiter(perMinute, burst int) *KeyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = max(1, perMinute/10)
	}
	return &KeyedLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		rate:       rate.Limit(float64(perMinute) / 60.0),
		burst:      burst,
		now:        time.Now,
	}
}

// NewWindowLimiter approximates events per window as a token bucket that
// holds the whole window's allowance.
func NewWindowLimiter(events int, window time.Duration) *KeyedLimiter {
	if events <= 0 {
		events = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &KeyedLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		rate:       rate.Limit(float64(events) / window.Seconds()),
		burst:      events,
		now:        time.Now,
	}
}

// Allow implements Limiter. It never returns an error.
func (k *KeyedLimiter) Allow(_ context.Context, key string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	limiter, exists := k.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(k.rate, k.burst)
		k.limiters[key] = limiter
	}
	now := k.now()
	k.lastAccess[key] = now
	return limiter.AllowN(now, 1), nil
}

// Evict drops limiters idle for longer than maxAge and returns how many were removed.
func (k *KeyedLimiter) Evict(maxAge time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := k.now().Add(-maxAge)
	n := 0
	for key, last := range k.lastAccess {
		if last.Before(cutoff) {
			delete(k.limiters, key)
			delete(k.lastAccess, key)
			n++
		}
	}
	return n
}

// Len reports how many keys are tracked.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// RunEvictor calls Evict every interval until ctx is done.
func (k *KeyedLimiter) RunEvictor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Evict(maxAge)
		}
	}
}

// RedisLimiter admits at most Max events per key inside a sliding Window. Each
// admitted event is a member of a sorted set scored by its timestamp.
type RedisLimiter struct {
	Rdb    *redis.Client
	Prefix string
	Max    int
	Window time.Duration
	now    func() time.Time
}

// NewRedisLimiter builds a sliding-window limiter under prefix.
func NewRedisLimiter(rdb *redis.Client, prefix string, maxEvents int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{Rdb: rdb, Prefix: prefix, Max: maxEvents, Window: window, now: time.Now}
}

// slidingWindowScript trims, counts and records in one step so concurrent
// callers cannot both pass at Max-1.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.Max <= 0 || r.Window <= 0 {
		return true, nil
	}
	now := r.now()
	rkey := r.Prefix + ":" + key
	floor := strconv.FormatInt(now.Add(-r.Window).UnixMicro(), 10)

	n, err := slidingWindowScript.Run(ctx, r.Rdb, []string{rkey},
		floor, r.Max, now.UnixMicro(), uuid.NewString(), r.Window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return n == 1, nil
}

// Routes maps a route name to its limiter. Unknown routes are unlimited.
type Routes map[string]Limiter

// Allow checks the limiter registered for route.
func (rs Routes) Allow(ctx context.Context, route, key string) (bool, error) {
	l, ok := rs[route]
	if !ok || l == nil {
		return true, nil
	}
	return l.Allow(ctx, key)
}
