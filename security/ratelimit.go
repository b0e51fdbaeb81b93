package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIPLimiterEntries = 10000

type ipLimiterEntry struct {
	ip       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter is an in-process token bucket per client IP, used as a coarse
// guard in front of the client management endpoints. The number of tracked
// IPs is capped; the least recently seen IP is evicted first.
type IPRateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	evictions int64
}

// NewIPRateLimiter allows perSecond requests per IP with the given burst.
// maxEntries <= 0 uses 10000.
func NewIPRateLimiter(perSecond float64, burst, maxEntries int, logger *slog.Logger) *IPRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = defaultIPLimiterEntries
	}
	return &IPRateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(perSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// Allow reports whether a request from ip may proceed.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if elem, ok := l.entries[ip]; ok {
		l.lru.MoveToFront(elem)
		e := elem.Value.(*ipLimiterEntry)
		e.lastSeen = now
		return e.limiter.AllowN(now, 1)
	}

	if len(l.entries) >= l.maxEntries {
		l.evictOldest()
	}

	e := &ipLimiterEntry{
		ip:       ip,
		limiter:  rate.NewLimiter(l.limit, l.burst),
		lastSeen: now,
	}
	l.entries[ip] = l.lru.PushFront(e)
	return e.limiter.AllowN(now, 1)
}

// Prune drops IPs idle for longer than maxIdle and returns how many were removed.
func (l *IPRateLimiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for elem := l.lru.Back(); elem != nil; {
		e := elem.Value.(*ipLimiterEntry)
		if e.lastSeen.After(cutoff) {
			break
		}
		prev := elem.Prev()
		l.lru.Remove(elem)
		delete(l.entries, e.ip)
		removed++
		elem = prev
	}
	return removed
}

// Len returns the number of tracked IPs
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// must be called with mu held
func (l *IPRateLimiter) evictOldest() {
	elem := l.lru.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*ipLimiterEntry)
	l.lru.Remove(elem)
	delete(l.entries, e.ip)
	l.evictions++
	l.logger.Debug("IP rate limiter evicted entry",
		"ip", e.ip,
		"total_evictions", l.evictions)
}
