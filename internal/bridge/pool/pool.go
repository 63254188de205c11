// Package pool implements the token-keyed agent pool: one AgentSession
// per auth token, spawned on first acquisition and reused across
// reconnects until released or reaped.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/agent"
	"github.com/kestrel-run/acpbridge/internal/bridge/clock"
	"github.com/kestrel-run/acpbridge/internal/bridge/runtime"
	"github.com/kestrel-run/acpbridge/internal/bridge/session"
)

// ErrFull is returned by Acquire when no entry exists for the token and the
// pool is already at capacity.
var ErrFull = errors.New("pool: at capacity")

// ErrBusy is returned by Acquire when an entry exists for the token and is
// already Connected.
var ErrBusy = errors.New("pool: session busy")

// Verdict reports how Acquire resolved a request.
type Verdict int

const (
	// Created indicates a session was just spawned.
	Created Verdict = iota
	// Reused indicates an existing Idle session was handed back.
	Reused
)

// Spawner creates the runtime process backing a new session. Kept as an
// interface (rather than taking a runtime.Runtime directly) so the pool
// only depends on what it uses.
type Spawner interface {
	Spawn(ctx context.Context, spec runtime.Spec) (runtime.Process, error)
}

// SpecFor builds the runtime.Spec for a newly acquired token. Supplied by
// the caller (app wiring) since it depends on the configured AgentConfig.
type SpecFor func(token string) runtime.Spec

// Pool holds one AgentSession per auth token.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*session.Session

	spawner      Spawner
	specFor      SpecFor
	clock        clock.Clock
	maxAgents    int
	bufferFrames int
}

// New constructs an empty Pool bounded at maxAgents entries. bufferFrames
// is the idle output buffer capacity given to every session it spawns;
// zero disables buffering, so idle frames are dropped instead of replayed.
func New(spawner Spawner, specFor SpecFor, c clock.Clock, maxAgents int, bufferFrames int) *Pool {
	return &Pool{
		sessions:     make(map[string]*session.Session),
		spawner:      spawner,
		specFor:      specFor,
		clock:        c,
		maxAgents:    maxAgents,
		bufferFrames: bufferFrames,
	}
}

// Acquire resolves a token to a session, spawning one if needed and the
// pool has capacity. The capacity check only runs when no entry exists,
// so a token that already holds a slot is never rejected as Full.
func (p *Pool) Acquire(ctx context.Context, token string) (*session.Session, Verdict, error) {
	p.mu.Lock()

	if s, ok := p.sessions[token]; ok {
		switch s.State() {
		case session.Dead:
			delete(p.sessions, token)
		case session.Connected:
			p.mu.Unlock()
			return nil, 0, ErrBusy
		default: // Idle
			err := s.Attach(p.clock.Now())
			p.mu.Unlock()
			if err != nil {
				return nil, 0, fmt.Errorf("pool: attach reused session: %w", err)
			}
			return s, Reused, nil
		}
	}

	if len(p.sessions) >= p.maxAgents {
		p.mu.Unlock()
		return nil, 0, ErrFull
	}

	// Reserve the slot before releasing the lock, marked Connected so a
	// concurrent Acquire for the same token sees Busy instead of racing
	// the spawn; already in the map, so a concurrent Acquire for a
	// different token sees this slot counted against max_agents.
	placeholder := session.New(token, "", nil, p.bufferFrames)
	_ = placeholder.Attach(p.clock.Now())
	p.sessions[token] = placeholder
	p.mu.Unlock()

	rp, err := p.spawner.Spawn(ctx, p.specFor(token))
	if err != nil {
		p.mu.Lock()
		delete(p.sessions, token)
		p.mu.Unlock()
		return nil, 0, fmt.Errorf("pool: spawn: %w", err)
	}

	proc := agent.Wrap(rp)
	s := session.New(token, proc.ID(), proc, p.bufferFrames)
	if err := s.Attach(p.clock.Now()); err != nil {
		return nil, 0, fmt.Errorf("pool: attach new session: %w", err)
	}

	p.mu.Lock()
	p.sessions[token] = s
	p.mu.Unlock()

	go p.pumpOutput(ctx, s)
	go p.watchExit(s)
	go proc.DrainStderr(func(line []byte) {
		slog.Debug("agent stderr", "agent_id", s.AgentID(), "line", string(line))
	})
	return s, Created, nil
}

// watchExit marks a session Dead once its agent process exits, freeing its
// slot for a future Acquire.
func (p *Pool) watchExit(s *session.Session) {
	s.Process().WaitExit()
	s.MarkDead()
}

// pumpOutput runs for the life of a session, reading every frame the agent
// emits and delivering it to whatever sink (live client or replay buffer)
// is currently attached. It stops on AgentIoError/AgentExited and evicts
// the session, since a background reader is the only thing that ever
// observes those conditions while no client is attached.
func (p *Pool) pumpOutput(ctx context.Context, s *session.Session) {
	proc := s.Process()
	for {
		frame, err := proc.ReadFrame()
		if err != nil {
			p.Remove(ctx, s)
			return
		}
		s.Deliver(frame)
	}
}

// Release is called by the session bridge on client disconnect.
// keepAlive == false terminates the process and evicts the entry;
// keepAlive == true returns the session to Idle so it can be reattached.
func (p *Pool) Release(ctx context.Context, s *session.Session, keepAlive bool) {
	if !keepAlive {
		p.Remove(ctx, s)
		return
	}
	s.Detach(p.clock.Now())
}

// Remove unconditionally terminates the session's process and evicts it
// from the pool. Called by the reaper and on observed agent exit.
func (p *Pool) Remove(ctx context.Context, s *session.Session) {
	p.mu.Lock()
	if existing, ok := p.sessions[s.Token()]; ok && existing == s {
		delete(p.sessions, s.Token())
	}
	p.mu.Unlock()

	s.MarkDead()
	if proc := s.Process(); proc != nil {
		_ = proc.Terminate(ctx, runtime.ShutdownGrace)
	}
}

// ReapIdle evicts any session that has been Idle for at least timeout,
// re-checking state and deadline under the pool lock so a concurrent
// Acquire that wins the race keeps its session.
func (p *Pool) ReapIdle(ctx context.Context, timeout time.Duration) []*session.Session {
	now := p.clock.Now()

	p.mu.Lock()
	var victims []*session.Session
	for token, s := range p.sessions {
		if s.State() != session.Idle {
			continue
		}
		if s.IdleSince(now) < timeout {
			continue
		}
		delete(p.sessions, token)
		victims = append(victims, s)
	}
	p.mu.Unlock()

	for _, s := range victims {
		s.MarkDead()
		if proc := s.Process(); proc != nil {
			_ = proc.Terminate(ctx, runtime.ShutdownGrace)
		}
	}
	return victims
}

// Stats reports the counters the reaper logs on each sweep.
type Stats struct {
	Total     int
	Connected int
	Idle      int
}

// Snapshot returns the pool's current size broken down by session state.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Total: len(p.sessions)}
	for _, s := range p.sessions {
		switch s.State() {
		case session.Connected:
			stats.Connected++
		case session.Idle:
			stats.Idle++
		}
	}
	return stats
}
