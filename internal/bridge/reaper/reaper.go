// Package reaper runs the periodic idle-session sweep: evict any
// session that has sat Idle past the configured timeout and log a stat
// line for operators.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/audit"
	"github.com/kestrel-run/acpbridge/internal/bridge/clock"
	"github.com/kestrel-run/acpbridge/internal/bridge/pool"
)

// DefaultPeriod is how often the reaper sweeps the pool for idle sessions.
const DefaultPeriod = 60 * time.Second

// Reaper periodically evicts sessions that have been Idle past timeout.
type Reaper struct {
	pool    *pool.Pool
	clock   clock.Clock
	period  time.Duration
	timeout time.Duration
	audit   *audit.Log
}

// New constructs a Reaper. period and timeout are both injectable so tests
// can drive the sweep deterministically rather than sleeping on wall time.
func New(p *pool.Pool, c clock.Clock, period, timeout time.Duration, auditLog *audit.Log) *Reaper {
	if c == nil {
		c = clock.Real{}
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Reaper{pool: p, clock: c, period: period, timeout: timeout, audit: auditLog}
}

// Run sweeps the pool every period until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.period):
			r.sweep(ctx)
		}
	}
}

// sweep performs one eviction pass and logs the resulting pool stats.
func (r *Reaper) sweep(ctx context.Context) {
	victims := r.pool.ReapIdle(ctx, r.timeout)
	for _, s := range victims {
		r.recordReaped(s.AgentID(), s.Token())
	}

	stats := r.pool.Snapshot()
	slog.Info("reaper sweep",
		"agents_total", stats.Total,
		"agents_connected", stats.Connected,
		"agents_idle", stats.Idle,
		"reaped", len(victims),
	)
}

func (r *Reaper) recordReaped(agentID, token string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(audit.Event{
		OccurredAt: r.clock.Now(),
		Kind:       audit.KindSessionReaped,
		Token:      token,
		AgentID:    agentID,
	}); err != nil {
		slog.Warn("audit record failed", "err", err)
	}
}
