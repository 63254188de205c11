package acceptor_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-run/acpbridge/internal/bridge/acceptor"
	"github.com/kestrel-run/acpbridge/internal/bridge/clock"
	"github.com/kestrel-run/acpbridge/internal/bridge/pool"
	"github.com/kestrel-run/acpbridge/internal/bridge/ratelimit"
	"github.com/kestrel-run/acpbridge/internal/bridge/runtime"
)

type fakeProcess struct {
	id      string
	closeCh chan struct{}
}

func newFakeProcess(id string) *fakeProcess {
	return &fakeProcess{id: id, closeCh: make(chan struct{})}
}

func (p *fakeProcess) ID() string           { return p.id }
func (p *fakeProcess) Stdin() io.WriteCloser { return nopWriteCloser{} }
func (p *fakeProcess) Stdout() io.ReadCloser { return io.NopCloser(blockingReader{p.closeCh}) }
func (p *fakeProcess) Stderr() io.ReadCloser { return io.NopCloser(blockingReader{p.closeCh}) }
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

type fakeSpawner struct{}

func (fakeSpawner) Spawn(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	return newFakeProcess(spec.ID), nil
}

func specFor(token string) runtime.Spec { return runtime.Spec{ID: token, Command: "true"} }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestHandleUpgrade_RejectsBadToken(t *testing.T) {
	p := pool.New(fakeSpawner{}, specFor, clock.Real{}, 10, 0)
	limiter := ratelimit.New(ratelimit.Config{})
	a := acceptor.New(acceptor.Config{Pool: p, Limiter: limiter, AuthToken: "correct-token"})

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/", nil)
	if err == nil {
		t.Fatal("expected dial without a token to fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("want 401, got %+v", resp)
	}
}

func TestHandleUpgrade_HappyPath(t *testing.T) {
	p := pool.New(fakeSpawner{}, specFor, clock.Real{}, 10, 0)
	limiter := ratelimit.New(ratelimit.Config{})
	a := acceptor.New(acceptor.Config{Pool: p, Limiter: limiter, AuthToken: "tok-a", KeepAlive: true})

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/?token=tok-a", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Snapshot().Total == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("want 1 pooled session after connect, got %d", p.Snapshot().Total)
}

func TestHandleUpgrade_ClosesBusyWith4409(t *testing.T) {
	p := pool.New(fakeSpawner{}, specFor, clock.Real{}, 10, 0)
	limiter := ratelimit.New(ratelimit.Config{})
	a := acceptor.New(acceptor.Config{Pool: p, Limiter: limiter, AuthToken: "tok-a"})

	if _, _, err := p.Acquire(context.Background(), "tok-a"); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/?token=tok-a", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("want a close error, got %v", err)
	}
	if closeErr.Code != 4409 {
		t.Fatalf("want close code 4409, got %d", closeErr.Code)
	}
}

func TestHandleUpgrade_ClosesFullWith1013(t *testing.T) {
	p := pool.New(fakeSpawner{}, specFor, clock.Real{}, 1, 0)
	limiter := ratelimit.New(ratelimit.Config{})
	a := acceptor.New(acceptor.Config{Pool: p, Limiter: limiter, AuthToken: "tok-b"})

	if _, _, err := p.Acquire(context.Background(), "tok-a"); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/?token=tok-b", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("want a close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseTryAgainLater {
		t.Fatalf("want close code 1013, got %d", closeErr.Code)
	}
}

func TestHandleUpgrade_GlobalShedRejectsBeforePerIPChecks(t *testing.T) {
	p := pool.New(fakeSpawner{}, specFor, clock.Real{}, 10, 0)
	limiter := ratelimit.New(ratelimit.Config{GlobalBurst: 1})
	a := acceptor.New(acceptor.Config{Pool: p, Limiter: limiter, AuthToken: "tok-a"})

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/?token=tok-a", nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/?token=tok-a", nil)
	if err == nil {
		t.Fatal("expected the second dial to be shed once the global burst is spent")
	}
	if resp == nil || resp.StatusCode != 429 {
		t.Fatalf("want 429, got %+v", resp)
	}
}

func TestShutdownCtx_ClosesSessionWith1001AndDropsIt(t *testing.T) {
	p := pool.New(fakeSpawner{}, specFor, clock.Real{}, 10, 0)
	limiter := ratelimit.New(ratelimit.Config{})
	shutdownCtx, cancel := context.WithCancel(context.Background())
	a := acceptor.New(acceptor.Config{
		Pool: p, Limiter: limiter, AuthToken: "tok-a", KeepAlive: true, ShutdownCtx: shutdownCtx,
	})

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/?token=tok-a", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Snapshot().Total == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("want a close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("want close code 1001, got %d", closeErr.Code)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Snapshot().Total == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("want the session evicted despite keep_alive after shutdown, got %+v", p.Snapshot())
}

func TestHandleUpgrade_RateLimitsExcessAttempts(t *testing.T) {
	p := pool.New(fakeSpawner{}, specFor, clock.Real{}, 10, 0)
	limiter := ratelimit.New(ratelimit.Config{MaxAttemptsPerMinute: 1})
	a := acceptor.New(acceptor.Config{Pool: p, Limiter: limiter, AuthToken: "tok-a"})

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/?token=tok-a", nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL)+"/?token=tok-a", nil)
	if err == nil {
		t.Fatal("expected the second attempt within the window to fail")
	}
	if resp == nil || resp.StatusCode != 429 {
		t.Fatalf("want 429, got %+v", resp)
	}
}
