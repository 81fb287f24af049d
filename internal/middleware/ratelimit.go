package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxTrackedPeers      = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter budgets failed authentication attempts per peer address. A
// peer with no recorded failures is always allowed.
type RateLimiter struct {
	mu           sync.Mutex
	peers        map[string]*peerEntry
	maxPerMinute int
	maxPeers     int
	now          func() time.Time
	cancel       context.CancelFunc
}

type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedPeers bounds memory; the least recently seen peer is
// evicted once the bound is reached.
func WithMaxTrackedPeers(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxPeers = n
		}
	}
}

func withClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter starts a limiter whose stale entries are swept until ctx
// ends or Stop is called. maxPerMinute <= 0 selects the default.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		peers:        make(map[string]*peerEntry),
		maxPerMinute: maxPerMinute,
		maxPeers:     DefaultMaxTrackedPeers,
		now:          time.Now,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweep(ctx)
	return rl
}

func (rl *RateLimiter) Allow(peer string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.peers[peer]
	if !ok {
		return true
	}
	now := rl.now()
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// RecordFailureAndAllow spends one attempt for peer and reports whether it
// was still within budget.
func (rl *RateLimiter) RecordFailureAndAllow(peer string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	return rl.entryLocked(peer, now).limiter.AllowN(now, 1)
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.peers)
}

func (rl *RateLimiter) entryLocked(peer string, now time.Time) *peerEntry {
	e, ok := rl.peers[peer]
	if !ok {
		if len(rl.peers) >= rl.maxPeers {
			rl.evictOldestLocked()
		}
		e = &peerEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.peers[peer] = e
	}
	e.lastSeen = now
	return e
}

func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-staleThreshold)
	for peer, e := range rl.peers {
		if e.lastSeen.Before(cutoff) {
			delete(rl.peers, peer)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldest string
	var oldestSeen time.Time
	for peer, e := range rl.peers {
		if oldest == "" || e.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = peer, e.lastSeen
		}
	}
	delete(rl.peers, oldest)
}

// ExtractIP strips the port from a RemoteAddr-style address.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
