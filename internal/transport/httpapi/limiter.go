package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// SourceLimiter keeps one token bucket per producer source so a noisy
// producer cannot starve the others.
type SourceLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*sourceBucket
	lastGC  time.Time
}

type sourceBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewSourceLimiter returns nil when perSecond <= 0, which disables limiting.
func NewSourceLimiter(perSecond float64, burst int) *SourceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &SourceLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*sourceBucket),
	}
}

func (l *SourceLimiter) Allow(source string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > limiterIdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}

	b, ok := l.buckets[source]
	if !ok {
		b = &sourceBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[source] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}
