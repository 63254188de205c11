// Package ratelimit enforces the per-IP concurrent-connection cap and the
// sliding-window attempt cap described for the connection acceptor, plus a
// coarse process-wide shed so a burst across many distinct IPs cannot
// overwhelm the accept loop.
//
// Limiter is safe for concurrent use from multiple goroutines. All windows
// are driven by an injected clock.Clock so tests can advance time
// deterministically instead of sleeping on wall time.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrel-run/acpbridge/internal/bridge/clock"
)

// DefaultMaxConnectionsPerIP is used when Config.MaxConnectionsPerIP is zero.
const DefaultMaxConnectionsPerIP = 3

// DefaultMaxAttemptsPerMinute is used when Config.MaxAttemptsPerMinute is zero.
const DefaultMaxAttemptsPerMinute = 10

// Config controls the limiter's thresholds.
type Config struct {
	// MaxConnectionsPerIP is the concurrent-connection cap per client IP.
	MaxConnectionsPerIP int
	// MaxAttemptsPerMinute is the sliding-window attempt cap per client IP.
	MaxAttemptsPerMinute int
	// GlobalBurst bounds the process-wide token bucket that backstops all
	// IPs combined. Zero disables the global shed (effectively unlimited).
	GlobalBurst int
	// Clock is the time source for window bookkeeping. Defaults to clock.Real.
	Clock clock.Clock
}

const slidingWindow = time.Minute

// Limiter tracks concurrent connections and attempt timestamps per IP.
type Limiter struct {
	maxConns    int
	maxAttempts int
	clock       clock.Clock

	global *rate.Limiter // nil when disabled

	mu      sync.Mutex
	conns   map[string]int
	attempt map[string][]time.Time
}

// New constructs a Limiter from cfg, filling in defaults for zero fields.
func New(cfg Config) *Limiter {
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = DefaultMaxConnectionsPerIP
	}
	if cfg.MaxAttemptsPerMinute <= 0 {
		cfg.MaxAttemptsPerMinute = DefaultMaxAttemptsPerMinute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	l := &Limiter{
		maxConns:    cfg.MaxConnectionsPerIP,
		maxAttempts: cfg.MaxAttemptsPerMinute,
		clock:       cfg.Clock,
		conns:       make(map[string]int),
		attempt:     make(map[string][]time.Time),
	}
	if cfg.GlobalBurst > 0 {
		// The refill rate matches the burst so the bucket is effectively a
		// rolling allowance rather than a hard per-second cap; it only binds
		// under a genuine multi-IP stampede.
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalBurst), cfg.GlobalBurst)
	}
	return l
}

// RecordAttempt registers an upgrade attempt from ip and reports whether it
// is within the sliding-window attempt cap. Every call counts as an
// attempt, whether or not it is ultimately admitted.
func (l *Limiter) RecordAttempt(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-slidingWindow)

	existing := l.attempt[ip]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.maxAttempts {
		l.attempt[ip] = valid
		return false
	}

	l.attempt[ip] = append(valid, now)
	return true
}

// AllowGlobal consults the process-wide token bucket shed. Always true when
// the global shed is disabled.
func (l *Limiter) AllowGlobal() bool {
	if l.global == nil {
		return true
	}
	return l.global.Allow()
}

// TryAcquireConn increments ip's concurrent-connection counter if doing so
// would not exceed the cap. Returns false (no mutation) when the cap is
// already reached.
func (l *Limiter) TryAcquireConn(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conns[ip] >= l.maxConns {
		return false
	}
	l.conns[ip]++
	return true
}

// ReleaseConn decrements ip's concurrent-connection counter. It is a no-op
// (never negative) if called without a matching TryAcquireConn.
func (l *Limiter) ReleaseConn(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.conns[ip]; n > 0 {
		if n == 1 {
			delete(l.conns, ip)
		} else {
			l.conns[ip] = n - 1
		}
	}
}

// Purge removes bookkeeping for IPs with a zero connection counter and an
// empty attempt window, so memory does not grow unbounded with one-shot
// clients. It runs only when called; neither the limiter nor the reaper
// invokes it on a schedule.
func (l *Limiter) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-slidingWindow)
	for ip, times := range l.attempt {
		valid := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			delete(l.attempt, ip)
		} else {
			l.attempt[ip] = valid
		}
	}
	for ip, n := range l.conns {
		if n <= 0 {
			delete(l.conns, ip)
		}
	}
}

// ConnCount returns the current concurrent-connection count for ip (test/debug use).
func (l *Limiter) ConnCount(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[ip]
}
