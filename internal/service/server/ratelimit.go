package server

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

const (
	limiterShards = 32
	// each shard sweeps idle buckets once every sweepEvery hits
	sweepEvery = 512
)

// frameLimiter keeps a token bucket per identity and evicts buckets idle
// longer than idleTTL. Identities hash to shards, so unrelated senders
// rarely share a lock.
type frameLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	shards [limiterShards]limiterShard
}

type limiterShard struct {
	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newFrameLimiter returns nil when rps or burst is not positive; a nil
// limiter allows everything.
func newFrameLimiter(rps float64, burst int, idleTTL time.Duration) *frameLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	l := &frameLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
	}
	for i := range l.shards {
		l.shards[i].byKey = make(map[string]*bucket)
	}
	return l
}

func (l *frameLimiter) Allow(identity string, now time.Time) bool {
	if l == nil {
		return true
	}

	sh := &l.shards[xxhash.Sum64String(identity)%limiterShards]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.byKey[identity]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		sh.byKey[identity] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	sh.hits++
	if sh.hits%sweepEvery == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range sh.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(sh.byKey, k)
			}
		}
	}
	return allowed
}

func (l *frameLimiter) len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.byKey)
		sh.mu.Unlock()
	}
	return n
}
