package main

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

const maxBucketEntries = 10000 // rotate when the live map reaches this size

// ipLimiter is a per-source-address token bucket: capacity tokens burst,
// refill tokens per second. Buckets are created lazily and held in two
// generations; when the live generation fills up it is demoted and
// recently seen addresses migrate back on their next query, so memory
// stays bounded under address churn.
type ipLimiter struct {
	refill   rate.Limit
	capacity int

	mu       sync.Mutex
	current  map[string]*rate.Limiter
	previous map[string]*rate.Limiter
}

func newIPLimiter(capacity int, refillPerSec float64) *ipLimiter {
	return &ipLimiter{
		refill:   rate.Limit(refillPerSec),
		capacity: capacity,
		current:  make(map[string]*rate.Limiter),
		previous: make(map[string]*rate.Limiter),
	}
}

// allow reports whether addr may be served now, consuming one token if so.
func (l *ipLimiter) allow(addr string) bool {
	ip := addr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		ip = host
	}
	return l.limiter(ip).Allow()
}

func (l *ipLimiter) limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.current[ip]; ok {
		return lim
	}
	if lim, ok := l.previous[ip]; ok {
		l.current[ip] = lim
		return lim
	}

	if len(l.current) >= maxBucketEntries {
		l.previous = l.current
		l.current = make(map[string]*rate.Limiter)
	}
	lim := rate.NewLimiter(l.refill, l.capacity)
	l.current[ip] = lim
	return lim
}
