// Package session holds the per-token AgentSession state the pool manages:
// the spawned agent process, its cached handshake, a bounded output buffer
// for frames produced while no client is attached, and the connection
// bookkeeping the reaper and session bridge need.
package session

import (
	"sync"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/agent"
)

// State is where an AgentSession sits in its lifecycle.
type State int

const (
	// Idle: the agent process is running but no client is attached.
	Idle State = iota
	// Connected: exactly one client is attached.
	Connected
	// Dead: the agent process has exited; the session is pending removal.
	Dead
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// DefaultBufferFrames bounds how many frames are retained while a session
// is idle when buffering is enabled. Once full, the oldest buffered frame
// is dropped to make room.
const DefaultBufferFrames = 256

// CachedHandshake is the agent's response to the first `initialize` request
// a session ever saw, replayed verbatim (with a substituted id) to any
// later client that reconnects to this session without re-issuing it to
// the agent.
type CachedHandshake struct {
	// RequestID is the original JSON value of the initialize request's id,
	// preserved so later substitutions know the JSON type to match.
	RequestID []byte
	// Response is the full raw JSON-RPC response frame the agent sent back.
	Response []byte
}

// Session is one token's worth of agent process plus everything needed to
// reattach a client to it after a disconnect.
type Session struct {
	mu sync.Mutex

	token   string
	agentID string
	proc    *agent.Process

	state    State
	refcount int

	handshake *CachedHandshake
	buffer    *ringBuffer
	sink      func(frame []byte) error

	connectedAt    time.Time
	disconnectedAt time.Time
}

// New creates an Idle session wrapping an already-spawned agent process.
// bufferFrames is the idle output buffer's capacity; zero disables
// buffering entirely, so frames delivered with no client attached are
// dropped rather than retained for replay.
func New(token, agentID string, proc *agent.Process, bufferFrames int) *Session {
	return &Session{
		token:   token,
		agentID: agentID,
		proc:    proc,
		state:   Idle,
		buffer:  newRingBuffer(bufferFrames),
	}
}

// Token returns the session's auth token.
func (s *Session) Token() string { return s.token }

// AgentID returns the session's agent identifier.
func (s *Session) AgentID() string { return s.agentID }

// Process returns the underlying agent process wrapper.
func (s *Session) Process() *agent.Process { return s.proc }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Refcount returns the number of clients currently attached (0 or 1).
func (s *Session) Refcount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount
}

// Attach transitions Idle -> Connected, bumping the refcount. It fails if
// the session is already Connected (refcount would exceed 1) or Dead.
func (s *Session) Attach(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Dead {
		return errSessionDead
	}
	if s.state == Connected {
		return errAlreadyConnected
	}
	s.state = Connected
	s.refcount = 1
	s.connectedAt = now
	return nil
}

// Detach transitions Connected -> Idle, dropping the refcount back to 0.
// Detach on a non-Connected session is a no-op.
func (s *Session) Detach(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected {
		return
	}
	s.state = Idle
	s.refcount = 0
	s.disconnectedAt = now
}

// MarkDead transitions the session to Dead regardless of current state.
// Called once the agent process has exited.
func (s *Session) MarkDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Dead
	s.refcount = 0
}

// IdleSince returns how long the session has been Idle as of now. Only
// meaningful when State() == Idle.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnectedAt.IsZero() {
		return 0
	}
	return now.Sub(s.disconnectedAt)
}

// CacheHandshake records the agent's response to the session's first
// initialize call, if one hasn't been cached yet.
func (s *Session) CacheHandshake(h CachedHandshake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshake == nil {
		s.handshake = &h
	}
}

// Handshake returns the cached initialize response, if any.
func (s *Session) Handshake() (CachedHandshake, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshake == nil {
		return CachedHandshake{}, false
	}
	return *s.handshake, true
}

// BufferFrame appends an agent-produced frame to the output buffer kept
// while no client is attached, dropping the oldest buffered frame if full.
func (s *Session) BufferFrame(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.push(frame)
}

// DrainBuffer returns and clears all buffered frames, oldest first, for
// replay to a newly (re)attached client.
func (s *Session) DrainBuffer() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.drain()
}

// Deliver is called by the session's background agent-output reader for
// every frame the agent emits. While a client is attached it goes straight
// to the sink; otherwise it lands in the bounded replay buffer.
func (s *Session) Deliver(frame []byte) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink(frame)
		return
	}
	s.BufferFrame(frame)
}

// AttachSink atomically drains any buffered frames and installs w as the
// live sink for subsequent Deliver calls, so a reattaching client always
// sees buffered frames before any frame delivered after attachment.
func (s *Session) AttachSink(w func(frame []byte) error) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buffered := s.buffer.drain()
	s.sink = w
	return buffered
}

// DetachSink removes the live sink so subsequent Deliver calls buffer
// again instead of writing to a connection that's gone.
func (s *Session) DetachSink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
}
