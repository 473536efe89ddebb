package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserLimiter throttles workflow starts per user. Each user gets a token
// bucket; buckets idle past the eviction window are dropped to keep the
// map bounded.
type UserLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userBucket
	rps      rate.Limit
	burst    int
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterEvictAfter = 10 * time.Minute

// NewUserLimiter allows startsPerMinute sustained starts with the given
// burst per user.
func NewUserLimiter(startsPerMinute, burst int) *UserLimiter {
	if startsPerMinute <= 0 {
		startsPerMinute = 30
	}
	if burst <= 0 {
		burst = 5
	}
	ul := &UserLimiter{
		limiters: make(map[string]*userBucket),
		rps:      rate.Limit(float64(startsPerMinute) / 60.0),
		burst:    burst,
	}
	go ul.evictLoop()
	return ul
}

// Allow reports whether the user may start another workflow now.
func (ul *UserLimiter) Allow(userID string) bool {
	if userID == "" {
		userID = "anonymous"
	}

	ul.mu.Lock()
	b := ul.limiters[userID]
	if b == nil {
		b = &userBucket{limiter: rate.NewLimiter(ul.rps, ul.burst)}
		ul.limiters[userID] = b
	}
	b.lastSeen = time.Now()
	ul.mu.Unlock()

	return b.limiter.Allow()
}

func (ul *UserLimiter) evictLoop() {
	ticker := time.NewTicker(limiterEvictAfter / 2)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-limiterEvictAfter)
		ul.mu.Lock()
		for id, b := range ul.limiters {
			if b.lastSeen.Before(cutoff) {
				delete(ul.limiters, id)
			}
		}
		ul.mu.Unlock()
	}
}
