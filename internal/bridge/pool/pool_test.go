package pool_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/clock"
	"github.com/kestrel-run/acpbridge/internal/bridge/pool"
	"github.com/kestrel-run/acpbridge/internal/bridge/runtime"
)

// fakeProcess is a minimal runtime.Process for pool tests; it never
// produces output and only exits when Terminate or closeCh fires.
type fakeProcess struct {
	id      string
	closeCh chan struct{}
	once    chan struct{}
}

func newFakeProcess(id string) *fakeProcess {
	return &fakeProcess{id: id, closeCh: make(chan struct{}), once: make(chan struct{}, 1)}
}

func (p *fakeProcess) ID() string               { return p.id }
func (p *fakeProcess) Stdin() io.WriteCloser     { return nopWriteCloser{} }
func (p *fakeProcess) Stdout() io.ReadCloser     { return io.NopCloser(blockingReader{p.closeCh}) }
func (p *fakeProcess) Stderr() io.ReadCloser     { return io.NopCloser(blockingReader{p.closeCh}) }
func (p *fakeProcess) Wait() runtime.ExitStatus {
	<-p.closeCh
	return runtime.ExitStatus{}
}
func (p *fakeProcess) Terminate(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.closeCh:
	default:
		close(p.closeCh)
	}
	return nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (nopWriteCloser) Close() error                { return nil }

type blockingReader struct{ closeCh chan struct{} }

func (r blockingReader) Read(p []byte) (int, error) {
	<-r.closeCh
	return 0, io.EOF
}

type fakeSpawner struct {
	n int
}

func (s *fakeSpawner) Spawn(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	s.n++
	return newFakeProcess(spec.ID), nil
}

func specFor(token string) runtime.Spec {
	return runtime.Spec{ID: token, Command: "true"}
}

func TestAcquire_NewThenReused(t *testing.T) {
	p := pool.New(&fakeSpawner{}, specFor, clock.Real{}, 10, 0)

	s, verdict, err := p.Acquire(context.Background(), "tok-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if verdict != pool.Created {
		t.Fatalf("want Created, got %v", verdict)
	}

	p.Release(context.Background(), s, true)

	s2, verdict2, err := p.Acquire(context.Background(), "tok-a")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if verdict2 != pool.Reused {
		t.Fatalf("want Reused, got %v", verdict2)
	}
	if s2 != s {
		t.Fatal("expected the same session identity on reuse")
	}
}

func TestAcquire_BusyWhenConnected(t *testing.T) {
	p := pool.New(&fakeSpawner{}, specFor, clock.Real{}, 10, 0)

	if _, _, err := p.Acquire(context.Background(), "tok-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, _, err := p.Acquire(context.Background(), "tok-a"); !errors.Is(err, pool.ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}
}

func TestAcquire_FullWhenAtCapacity(t *testing.T) {
	p := pool.New(&fakeSpawner{}, specFor, clock.Real{}, 1, 0)

	if _, _, err := p.Acquire(context.Background(), "tok-a"); err != nil {
		t.Fatalf("Acquire tok-a: %v", err)
	}

	// B2: a different token doesn't get a Full verdict falsely for the
	// already-held slot, but does once genuinely at capacity.
	if _, _, err := p.Acquire(context.Background(), "tok-b"); !errors.Is(err, pool.ErrFull) {
		t.Fatalf("want ErrFull, got %v", err)
	}
}

func TestRelease_NotKeepAlive_Evicts(t *testing.T) {
	p := pool.New(&fakeSpawner{}, specFor, clock.Real{}, 10, 0)

	s, _, err := p.Acquire(context.Background(), "tok-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(context.Background(), s, false)

	s2, verdict, err := p.Acquire(context.Background(), "tok-a")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if verdict != pool.Created {
		t.Fatalf("want Created after eviction, got %v", verdict)
	}
	if s2 == s {
		t.Fatal("expected a fresh session after non-keep-alive release")
	}
}

func TestAcquire_BufferFramesZero_SpawnsNonBufferingSession(t *testing.T) {
	p := pool.New(&fakeSpawner{}, specFor, clock.Real{}, 10, 0)

	s, _, err := p.Acquire(context.Background(), "tok-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	s.Deliver([]byte(`{"n":1}`))
	if got := s.DrainBuffer(); len(got) != 0 {
		t.Fatalf("want frames dropped when the pool has buffering disabled, got %d", len(got))
	}
}

func TestAcquire_BufferFramesPositive_SpawnsBufferingSession(t *testing.T) {
	p := pool.New(&fakeSpawner{}, specFor, clock.Real{}, 10, 4)

	s, _, err := p.Acquire(context.Background(), "tok-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	s.Deliver([]byte(`{"n":1}`))
	if got := s.DrainBuffer(); len(got) != 1 {
		t.Fatalf("want 1 buffered frame when the pool has buffering enabled, got %d", len(got))
	}
}

func TestReapIdle_EvictsPastTimeout(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := pool.New(&fakeSpawner{}, specFor, fc, 10, 0)

	s, _, err := p.Acquire(context.Background(), "tok-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(context.Background(), s, true)

	fc.Advance(30*time.Minute + time.Second)

	victims := p.ReapIdle(context.Background(), 30*time.Minute)
	if len(victims) != 1 {
		t.Fatalf("want 1 reaped session, got %d", len(victims))
	}

	stats := p.Snapshot()
	if stats.Total != 0 {
		t.Fatalf("want empty pool after reap, got %d", stats.Total)
	}
}

func TestReapIdle_SparesSessionsBelowTimeout(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := pool.New(&fakeSpawner{}, specFor, fc, 10, 0)

	s, _, err := p.Acquire(context.Background(), "tok-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(context.Background(), s, true)

	fc.Advance(time.Minute)

	if victims := p.ReapIdle(context.Background(), 30*time.Minute); len(victims) != 0 {
		t.Fatalf("want no reaped sessions, got %d", len(victims))
	}
}
