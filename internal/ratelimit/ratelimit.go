// Package ratelimit provides keyed token-bucket limiters shared by the
// FastAGI accept loop (keyed by Asterisk peer IP) and the admin API.
package ratelimit

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a keyed limiter.
type Config struct {
	// Rate is the number of events allowed per second per key.
	Rate rate.Limit
	// Burst is the maximum burst size per key.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultConfig returns 20 events/second with a burst of 40.
func DefaultConfig() Config {
	return Config{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter rate limits events per key.
type Limiter struct {
	mu       sync.Mutex
	entries  map[string]*entry
	cfg      Config
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its background cleanup.
func New(cfg Config) *Limiter {
	l := &Limiter{
		entries: make(map[string]*entry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an event for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// AllowAddr is Allow keyed by the host part of a network address.
func (l *Limiter) AllowAddr(addr net.Addr) bool {
	return l.Allow(HostOf(addr.String()))
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within MaxAge.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.MaxAge)
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
}

// HostOf strips the port from an "ip:port" address.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
