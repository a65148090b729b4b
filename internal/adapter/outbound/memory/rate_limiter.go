// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/guardpost/guardpost/internal/domain/ratelimit"
)

const (
	// shardCount spreads identities over independent locks. Power of two
	// so the shard index is a cheap mask.
	shardCount = 16

	// evictionThreshold is the tracked-identity count that triggers an
	// opportunistic TTL sweep.
	evictionThreshold = 1000

	// idleTTL is how long an untouched bucket survives.
	idleTTL = time.Hour
)

// bucket is the per-identity token-bucket state.
type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// shard is one lock-guarded slice of the identity map.
type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// RateLimiter implements ratelimit.Limiter with per-identity token buckets
// held in a sharded in-memory map. Buckets idle longer than idleTTL are
// evicted opportunistically once the tracked count crosses a threshold.
type RateLimiter struct {
	config ratelimit.Config
	logger *slog.Logger
	shards [shardCount]*shard

	countMu sync.Mutex
	count   int
}

// NewRateLimiter creates an in-memory rate limiter with the given defaults.
func NewRateLimiter(config ratelimit.Config, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RateLimiter{
		config: config,
		logger: logger.With("component", "rate_limiter"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return r
}

func (r *RateLimiter) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)&(shardCount-1)]
}

// getBucket returns the identity's bucket, creating it on first sight and
// stamping last access.
func (r *RateLimiter) getBucket(id string, rps float64, burst int) *bucket {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[id]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		s.buckets[id] = b
		r.countMu.Lock()
		r.count++
		over := r.count >= evictionThreshold
		r.countMu.Unlock()
		if over {
			r.evictIdle()
		}
	}
	b.lastAccess = time.Now()
	return b
}

// Allow checks whether a request from the identity is admitted, consuming
// one token when it is.
func (r *RateLimiter) Allow(_ context.Context, identityID string, customRPS float64) (ratelimit.Decision, error) {
	now := time.Now()
	rps, burst := r.config.EffectiveParams(customRPS)

	if !r.config.Enabled {
		return ratelimit.Decision{
			Allowed:   true,
			Limit:     burst,
			Remaining: burst,
			ResetAt:   ratelimit.NextReset(now),
		}, nil
	}

	b := r.getBucket(identityID, rps, burst)

	reservation := b.limiter.Reserve()
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return ratelimit.Decision{
			Allowed:    false,
			RetryAfter: delay,
			Limit:      burst,
			Remaining:  0,
			ResetAt:    ratelimit.NextReset(now),
		}, nil
	}

	remaining := int(b.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Decision{
		Allowed:   true,
		Limit:     burst,
		Remaining: remaining,
		ResetAt:   ratelimit.NextReset(now),
	}, nil
}

// AwaitReady blocks until a token is available or the context ends. The
// request pipeline never calls this; it returns a prompt 429 instead.
func (r *RateLimiter) AwaitReady(ctx context.Context, identityID string, customRPS float64) error {
	if !r.config.Enabled {
		return nil
	}
	rps, burst := r.config.EffectiveParams(customRPS)
	b := r.getBucket(identityID, rps, burst)
	return b.limiter.Wait(ctx)
}

// Clear removes the identity's bucket.
func (r *RateLimiter) Clear(identityID string) {
	s := r.shardFor(identityID)
	s.mu.Lock()
	_, ok := s.buckets[identityID]
	delete(s.buckets, identityID)
	s.mu.Unlock()

	if ok {
		r.countMu.Lock()
		r.count--
		r.countMu.Unlock()
	}
}

// TrackedIdentities returns the number of live buckets. Feeds the
// rate_limit_identities gauge.
func (r *RateLimiter) TrackedIdentities() int {
	r.countMu.Lock()
	defer r.countMu.Unlock()
	return r.count
}

// evictIdle sweeps every shard for buckets idle longer than idleTTL.
// Called while holding one shard's lock, so it skips that shard's mutex by
// running in the caller's goroutine only for the remaining shards.
func (r *RateLimiter) evictIdle() {
	cutoff := time.Now().Add(-idleTTL)
	evicted := 0

	for _, s := range r.shards {
		if !s.mu.TryLock() {
			continue // skip shards busy with a check, including our caller's
		}
		for id, b := range s.buckets {
			if b.lastAccess.Before(cutoff) {
				delete(s.buckets, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}

	if evicted > 0 {
		r.countMu.Lock()
		r.count -= evicted
		remaining := r.count
		r.countMu.Unlock()
		r.logger.Debug("evicted idle rate-limit buckets",
			"evicted", evicted,
			"remaining", remaining)
	}
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*RateLimiter)(nil)
