// Package app wires the bridge's process-wide singletons (pool, rate
// limiter, pairing manager, transport, reaper, audit log) and owns the
// accept loop's start/stop lifecycle.
package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrel-run/acpbridge/internal/bridge/acceptor"
	"github.com/kestrel-run/acpbridge/internal/bridge/audit"
	"github.com/kestrel-run/acpbridge/internal/bridge/certs"
	"github.com/kestrel-run/acpbridge/internal/bridge/clock"
	"github.com/kestrel-run/acpbridge/internal/bridge/config"
	"github.com/kestrel-run/acpbridge/internal/bridge/pairing"
	"github.com/kestrel-run/acpbridge/internal/bridge/pool"
	"github.com/kestrel-run/acpbridge/internal/bridge/ratelimit"
	"github.com/kestrel-run/acpbridge/internal/bridge/reaper"
	"github.com/kestrel-run/acpbridge/internal/bridge/runtime"
	dockerruntime "github.com/kestrel-run/acpbridge/internal/bridge/runtime/docker"
	execruntime "github.com/kestrel-run/acpbridge/internal/bridge/runtime/exec"
	"github.com/kestrel-run/acpbridge/internal/bridge/session"
	"github.com/kestrel-run/acpbridge/internal/bridge/transport"
)

// globalBurstMultiplier derives the global shed's burst from the per-IP
// connection cap, so it backstops a multi-IP stampede without binding
// under ordinary single-IP traffic.
const globalBurstMultiplier = 50

// Config bundles everything App.New needs beyond process-wide defaults.
type Config struct {
	Options  config.Options
	Identity config.Identity
	AuditDB  string // path to the audit SQLite database; empty disables auditing
}

// App owns every process-wide singleton the bridge needs and the HTTP
// server that fronts the data-plane and pairing endpoints.
type App struct {
	cfg Config

	clock          clock.Clock
	pool           *pool.Pool
	limiter        *ratelimit.Limiter
	pairing        *pairing.Manager
	reaper         *reaper.Reaper
	auditLog       *audit.Log
	tr             transport.Transport
	certID         *certs.Identity
	acceptor       *acceptor.Acceptor
	srv            *http.Server
	cancelSessions context.CancelFunc
}

// New builds the App from cfg, spawning nothing yet; Run starts serving.
func New(cfg Config) (*App, error) {
	c := clock.Real{}

	var auditLog *audit.Log
	if cfg.AuditDB != "" {
		var err error
		auditLog, err = audit.Open(cfg.AuditDB)
		if err != nil {
			return nil, fmt.Errorf("app: open audit log: %w", err)
		}
	}

	maxConnsPerIP := cfg.Options.MaxConnectionsPerIP
	if maxConnsPerIP <= 0 {
		maxConnsPerIP = ratelimit.DefaultMaxConnectionsPerIP
	}
	limiter := ratelimit.New(ratelimit.Config{
		MaxConnectionsPerIP:  cfg.Options.MaxConnectionsPerIP,
		MaxAttemptsPerMinute: cfg.Options.MaxAttemptsPerMinute,
		GlobalBurst:          maxConnsPerIP * globalBurstMultiplier,
		Clock:                c,
	})

	spawner, err := newSpawner(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("app: init runtime backend: %w", err)
	}
	specFor := func(token string) runtime.Spec {
		id := audit.Fingerprint(token)
		command := ""
		var args []string
		if len(cfg.Options.AgentCommand) > 0 {
			command = cfg.Options.AgentCommand[0]
			args = cfg.Options.AgentCommand[1:]
		}
		return runtime.Spec{
			ID:          id,
			Command:     command,
			Args:        args,
			Image:       cfg.Options.AgentImage,
			NetworkName: cfg.Options.AgentNetwork,
		}
	}
	bufferFrames := 0
	if cfg.Options.BufferMessages {
		bufferFrames = session.DefaultBufferFrames
	}
	p := pool.New(spawner, specFor, c, cfg.Options.MaxAgents, bufferFrames)

	var certID *certs.Identity
	if cfg.Options.TLS {
		var err error
		certID, err = certs.Generate(cfg.Options.Bind)
		if err != nil {
			return nil, fmt.Errorf("app: generate TLS identity: %w", err)
		}
	}

	wsURL := fmt.Sprintf("wss://%s:%d/", cfg.Options.Bind, cfg.Options.Port)
	fingerprint := ""
	if certID != nil {
		fingerprint = certID.Fingerprint
	}
	pairingMgr := pairing.New(func() pairing.Identity {
		return pairing.Identity{
			AuthToken:   cfg.Identity.AuthToken,
			WSURL:       wsURL,
			Fingerprint: fingerprint,
			AgentID:     cfg.Identity.AgentID,
		}
	}, c)

	sessionCtx, cancelSessions := context.WithCancel(context.Background())

	acc := acceptor.New(acceptor.Config{
		Pool:         p,
		Limiter:      limiter,
		Pairing:      pairingMgr,
		AuthToken:    cfg.Identity.AuthToken,
		AuthDisabled: !cfg.Options.Auth,
		KeepAlive:    cfg.Options.KeepAlive,
		Audit:        auditLog,
		ShutdownCtx:  sessionCtx,
	})

	r := reaper.New(p, c, reaper.DefaultPeriod, cfg.Options.SessionTimeout, auditLog)

	return &App{
		cfg:            cfg,
		clock:          c,
		pool:           p,
		limiter:        limiter,
		pairing:        pairingMgr,
		reaper:         r,
		auditLog:       auditLog,
		certID:         certID,
		acceptor:       acc,
		cancelSessions: cancelSessions,
	}, nil
}

// Run binds the configured transport and serves until ctx is cancelled or
// a termination signal arrives, whichever comes first.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", a.cfg.Options.Bind, a.cfg.Options.Port)
	var identity *tls.Certificate
	if a.certID != nil {
		identity = &a.certID.Cert
	}
	tr, err := transport.NewLocal(addr, identity)
	if err != nil {
		return fmt.Errorf("app: bind transport: %w", err)
	}
	a.tr = tr

	a.srv = &http.Server{Handler: a.acceptor.Handler()}

	go a.reaper.Run(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- a.srv.Serve(listenerFor(a.tr))
	}()

	slog.Info("bridge listening", "addr", addr, "tls", a.cfg.Options.TLS, "auth", a.cfg.Options.Auth)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		a.cancelSessions()
		_ = a.srv.Shutdown(context.Background())
		return nil
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// Stop releases the app's process-wide resources. Safe to call after Run
// returns, or via defer regardless of whether Run ever started serving.
func (a *App) Stop() {
	if a.cancelSessions != nil {
		a.cancelSessions()
	}
	if a.tr != nil {
		_ = a.tr.Close()
	}
	if a.auditLog != nil {
		_ = a.auditLog.Close()
	}
}

// newSpawner picks the runtime backend the pool spawns agents through.
// RuntimeBackendDocker isolates each session's agent inside its own
// container over the Engine API; anything else falls back to the default
// host-subprocess backend.
func newSpawner(opts config.Options) (pool.Spawner, error) {
	if opts.RuntimeBackend != config.RuntimeBackendDocker {
		return execruntime.New(), nil
	}

	network := opts.AgentNetwork
	if network == "" {
		network = runtime.DefaultNetwork
	}
	rt, err := dockerruntime.NewWithNetwork(network)
	if err != nil {
		return nil, fmt.Errorf("docker runtime: %w", err)
	}
	if err := rt.EnsureNetwork(context.Background()); err != nil {
		return nil, fmt.Errorf("docker runtime: %w", err)
	}
	return rt, nil
}
