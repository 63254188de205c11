// Package transport abstracts how the bridge accepts inbound connections,
// so the acceptor never needs to know whether a stream arrived over a
// local TLS socket, a tunnel, or a Tailscale listener.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// ErrTransportUnavailable is returned by factories for transports this
// build doesn't wire an actual daemon for.
var ErrTransportUnavailable = errors.New("transport: not available in this build")

// Transport is the capability set the acceptor needs: accept one
// connection at a time and report the peer's address alongside it.
type Transport interface {
	// Accept blocks for the next inbound connection.
	Accept(ctx context.Context) (conn net.Conn, clientIP string, err error)
	// Addr returns the address this transport is listening on.
	Addr() net.Addr
	// Close stops accepting and releases the underlying listener.
	Close() error
}

// localTransport wraps a TLS-terminated (or plain, if tls is disabled)
// net.Listener bound to a local address.
type localTransport struct {
	ln net.Listener
}

// NewLocal binds addr (host:port) and returns a Transport. If identity is
// non-nil, the listener terminates TLS with it; otherwise it serves plain
// TCP (only sensible for local development).
func NewLocal(addr string, identity *tls.Certificate) (Transport, error) {
	if identity != nil {
		ln, err := tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{*identity}})
		if err != nil {
			return nil, fmt.Errorf("transport: listen tls on %s: %w", addr, err)
		}
		return &localTransport{ln: ln}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	return &localTransport{ln: ln}, nil
}

func (t *localTransport) Accept(ctx context.Context) (net.Conn, string, error) {
	conn, err := t.ln.Accept()
	if err != nil {
		return nil, "", fmt.Errorf("transport: accept: %w", err)
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return conn, host, nil
}

func (t *localTransport) Addr() net.Addr {
	return t.ln.Addr()
}

func (t *localTransport) Close() error {
	return t.ln.Close()
}

// NewTunnel would front the bridge with a cloudflared tunnel. Wiring the
// actual daemon is out of scope; operators needing it run cloudflared
// separately and point it at the local transport.
func NewTunnel(_ context.Context) (Transport, error) {
	return nil, ErrTransportUnavailable
}

// NewTailscale would front the bridge with a Tailscale listener. Wiring
// tailscaled is out of scope for the same reason as NewTunnel.
func NewTailscale(_ context.Context) (Transport, error) {
	return nil, ErrTransportUnavailable
}
