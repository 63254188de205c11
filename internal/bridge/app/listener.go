package app

import (
	"context"
	"net"

	"github.com/kestrel-run/acpbridge/internal/bridge/transport"
)

// listenerFor adapts a transport.Transport to the net.Listener shape
// http.Server.Serve expects, so the acceptor's admission logic stays
// inside the HTTP handler chain regardless of which Transport backs it.
func listenerFor(tr transport.Transport) net.Listener {
	return &transportListener{tr: tr}
}

type transportListener struct {
	tr transport.Transport
}

func (l *transportListener) Accept() (net.Conn, error) {
	conn, _, err := l.tr.Accept(context.Background())
	return conn, err
}

func (l *transportListener) Close() error   { return l.tr.Close() }
func (l *transportListener) Addr() net.Addr { return l.tr.Addr() }
