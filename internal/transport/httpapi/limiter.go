package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdleTTL = 30 * time.Minute
	sweepEvery     = time.Minute
)

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client key. Idle buckets are
// swept lazily from allow, so it owns no goroutine.
type clientLimiter struct {
	mu        sync.Mutex
	now       func() time.Time
	limit     rate.Limit
	burst     int
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newClientLimiter(now func() time.Time) *clientLimiter {
	return &clientLimiter{now: now, limit: rate.Inf, visitors: map[string]*visitor{}}
}

// reset installs new limits and forgets every bucket.
func (l *clientLimiter) reset(perSec float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = rate.Limit(perSec)
	l.burst = burst
	l.visitors = map[string]*visitor{}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= sweepEvery {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.lim.AllowN(now, 1)
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
