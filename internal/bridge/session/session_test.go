package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/session"
)

func TestAttach_Detach_Lifecycle(t *testing.T) {
	s := session.New("tok", "agent-1", nil, 256)
	now := time.Now()

	if s.State() != session.Idle {
		t.Fatalf("new session should be Idle, got %s", s.State())
	}

	if err := s.Attach(now); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.State() != session.Connected || s.Refcount() != 1 {
		t.Fatalf("want Connected/1, got %s/%d", s.State(), s.Refcount())
	}

	if err := s.Attach(now); !errors.Is(err, session.ErrAlreadyConnected) {
		t.Fatalf("second Attach should fail with ErrAlreadyConnected, got %v", err)
	}

	s.Detach(now.Add(time.Second))
	if s.State() != session.Idle || s.Refcount() != 0 {
		t.Fatalf("want Idle/0 after Detach, got %s/%d", s.State(), s.Refcount())
	}
}

func TestMarkDead_BlocksFurtherAttach(t *testing.T) {
	s := session.New("tok", "agent-1", nil, 256)
	s.MarkDead()

	if err := s.Attach(time.Now()); !errors.Is(err, session.ErrSessionDead) {
		t.Fatalf("Attach on dead session should fail, got %v", err)
	}
}

func TestCacheHandshake_FirstWriteWins(t *testing.T) {
	s := session.New("tok", "agent-1", nil, 256)

	s.CacheHandshake(session.CachedHandshake{RequestID: []byte("1"), Response: []byte(`{"id":1}`)})
	s.CacheHandshake(session.CachedHandshake{RequestID: []byte("2"), Response: []byte(`{"id":2}`)})

	h, ok := s.Handshake()
	if !ok {
		t.Fatal("expected a cached handshake")
	}
	if string(h.RequestID) != "1" {
		t.Fatalf("second CacheHandshake call should not overwrite the first, got id %q", h.RequestID)
	}
}

func TestBufferFrame_DropsOldestWhenFull(t *testing.T) {
	s := session.New("tok", "agent-1", nil, 256)

	const capacity = 256
	for i := 0; i < capacity+10; i++ {
		s.BufferFrame([]byte{byte(i)})
	}

	got := s.DrainBuffer()
	if len(got) != capacity {
		t.Fatalf("want %d buffered frames, got %d", capacity, len(got))
	}
	if got[0][0] != 10 {
		t.Fatalf("oldest surviving frame should be index 10, got %d", got[0][0])
	}

	if drained := s.DrainBuffer(); len(drained) != 0 {
		t.Fatalf("buffer should be empty after drain, got %d", len(drained))
	}
}

func TestDeliver_DropsFramesWhenBufferingDisabled(t *testing.T) {
	s := session.New("tok", "agent-1", nil, 0)

	s.Deliver([]byte(`{"n":1}`))
	s.Deliver([]byte(`{"n":2}`))

	if got := s.DrainBuffer(); len(got) != 0 {
		t.Fatalf("want no buffered frames with buffering disabled, got %d", len(got))
	}
}

func TestIdleSince_ZeroBeforeFirstDisconnect(t *testing.T) {
	s := session.New("tok", "agent-1", nil, 256)
	if got := s.IdleSince(time.Now()); got != 0 {
		t.Fatalf("want 0 before any disconnect, got %v", got)
	}
}
