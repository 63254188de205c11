// Package acceptor implements the connection acceptor: the HTTP/TLS
// front door that turns an inbound connection into either a redeemed
// pairing code or an admitted, pooled WebSocket session.
package acceptor

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-run/acpbridge/internal/bridge/audit"
	"github.com/kestrel-run/acpbridge/internal/bridge/pairing"
	"github.com/kestrel-run/acpbridge/internal/bridge/pool"
	"github.com/kestrel-run/acpbridge/internal/bridge/ratelimit"
	"github.com/kestrel-run/acpbridge/internal/bridge/session"
	"github.com/kestrel-run/acpbridge/internal/bridge/wsbridge"
)

// handshakeTimeout bounds how long the WebSocket upgrade itself may take.
const handshakeTimeout = 10 * time.Second

// Config holds the per-process wiring the acceptor needs; everything here
// is process-wide and initialised once at startup.
type Config struct {
	Pool         *pool.Pool
	Limiter      *ratelimit.Limiter
	Pairing      *pairing.Manager
	AuthToken    string
	AuthDisabled bool
	KeepAlive    bool
	Audit        *audit.Log // optional; nil disables audit recording

	// ShutdownCtx, if set, is cancelled once the server begins shutting
	// down. Every in-flight session bridge is cancelled alongside it, so a
	// server shutdown actually reaches hijacked WebSocket connections
	// instead of leaking their goroutines until the remote end hangs up.
	ShutdownCtx context.Context
}

// Acceptor wires the HTTP mux that fronts the data-plane WebSocket upgrade
// and the pairing redemption endpoint.
type Acceptor struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// New constructs an Acceptor from cfg.
func New(cfg Config) *Acceptor {
	return &Acceptor{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http.Handler to serve over the bridge's transport.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleUpgrade)
	mux.HandleFunc("/pair/local", a.handlePairLocal)
	return mux
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleUpgrade runs the full admission sequence for the data-plane
// WebSocket endpoint.
func (a *Acceptor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !a.cfg.Limiter.AllowGlobal() {
		a.recordAudit(audit.Event{Kind: audit.KindRateLimited, ClientIP: ip})
		http.Error(w, `{"error":"rate_limited"}`, http.StatusTooManyRequests)
		return
	}

	if !a.cfg.Limiter.RecordAttempt(ip) {
		a.recordAudit(audit.Event{Kind: audit.KindRateLimited, ClientIP: ip})
		http.Error(w, `{"error":"rate_limited"}`, http.StatusTooManyRequests)
		return
	}

	token := bearerToken(r)
	if !a.cfg.AuthDisabled && !validToken(token, a.cfg.AuthToken) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if !a.cfg.Limiter.TryAcquireConn(ip) {
		http.Error(w, `{"error":"rate_limited"}`, http.StatusTooManyRequests)
		return
	}
	admitted := false
	defer func() {
		if !admitted {
			a.cfg.Limiter.ReleaseConn(ip)
		}
	}()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "client_ip", ip, "err", err)
		return
	}

	s, verdict, err := a.cfg.Pool.Acquire(r.Context(), token)
	if err != nil {
		closeCode, auditKind := closeCodeFor(err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, err.Error()), time.Now().Add(time.Second))
		_ = conn.Close()
		a.recordAudit(audit.Event{Kind: auditKind, ClientIP: ip, Token: token})
		return
	}

	admitted = true
	auditKind := audit.KindSessionAcquired
	if verdict == pool.Reused {
		auditKind = audit.KindSessionReused
	}
	a.recordAudit(audit.Event{Kind: auditKind, ClientIP: ip, Token: token, AgentID: s.AgentID()})

	sessionCtx, cancel := mergeShutdown(r.Context(), a.cfg.ShutdownCtx)
	defer cancel()
	a.runSession(sessionCtx, conn, s, verdict, ip)
}

// mergeShutdown derives a context that ends when either parent ends or
// shutdown fires, so a session bridge started mid-request still observes a
// server-wide shutdown signal. shutdown may be nil, in which case only
// parent governs.
func mergeShutdown(parent, shutdown context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if shutdown == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-shutdown.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// runSession blocks for the lifetime of one session bridge run, releasing
// the pool slot and the per-IP connection count on the way out. ctx ending
// before the bridge exits on its own (a server shutdown) forces the
// session closed rather than kept alive for reattachment.
func (a *Acceptor) runSession(ctx context.Context, conn *websocket.Conn, s *session.Session, verdict pool.Verdict, ip string) {
	defer a.cfg.Limiter.ReleaseConn(ip)
	defer func() { _ = conn.Close() }()

	bridge := wsbridge.New(conn, s, verdict == pool.Reused)
	if err := bridge.Run(ctx); err != nil {
		slog.Debug("session bridge exited", "agent_id", s.AgentID(), "err", err)
	}

	if s.State() == session.Dead {
		return
	}

	keepAlive := a.cfg.KeepAlive
	releaseCtx := ctx
	if ctx.Err() != nil {
		keepAlive = false
		releaseCtx = context.Background()
	}
	a.cfg.Pool.Release(releaseCtx, s, keepAlive)
}

// closeCodeFor maps an Acquire error to the WebSocket close code and audit
// kind it should be reported with.
func closeCodeFor(err error) (int, audit.Kind) {
	switch {
	case errors.Is(err, pool.ErrFull):
		return websocket.CloseTryAgainLater, audit.KindSessionRejected
	case errors.Is(err, pool.ErrBusy):
		return 4409, audit.KindSessionRejected
	default:
		return websocket.CloseInternalServerErr, audit.KindSessionRejected
	}
}

func bearerToken(r *http.Request) string {
	if t := r.Header.Get("X-Bridge-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

func validToken(supplied, configured string) bool {
	if supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(configured)) == 1
}

// pairResponse is the body of a successful /pair/local redemption.
type pairResponse struct {
	AgentID         string `json:"agentId"`
	URL             string `json:"url"`
	Protocol        string `json:"protocol"`
	Version         string `json:"version"`
	AuthToken       string `json:"authToken"`
	CertFingerprint string `json:"certFingerprint"`
}

const protocolVersion = "1.0"

// handlePairLocal redeems a pairing code and returns the bridge's
// connection identity on success.
func (a *Acceptor) handlePairLocal(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")

	result, err := a.cfg.Pairing.Redeem(code)
	if err != nil {
		status := http.StatusUnauthorized
		errBody := `{"error":"invalid_code"}`
		if errors.Is(err, pairing.ErrRateLimited) {
			status = http.StatusTooManyRequests
			errBody = `{"error":"rate_limited"}`
		}
		a.recordAudit(audit.Event{Kind: audit.KindPairingFailed, ClientIP: clientIP(r)})
		http.Error(w, errBody, status)
		return
	}

	a.recordAudit(audit.Event{Kind: audit.KindPairingRedeemed, ClientIP: clientIP(r), AgentID: result.AgentID})

	resp := pairResponse{
		AgentID:         result.AgentID,
		URL:             result.WSURL,
		Protocol:        "acp",
		Version:         protocolVersion,
		AuthToken:       result.AuthToken,
		CertFingerprint: fmt.Sprintf("SHA256:%s", result.Fingerprint),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *Acceptor) recordAudit(ev audit.Event) {
	if a.cfg.Audit == nil {
		return
	}
	ev.OccurredAt = time.Now()
	if err := a.cfg.Audit.Record(ev); err != nil {
		slog.Warn("audit record failed", "err", err)
	}
}
