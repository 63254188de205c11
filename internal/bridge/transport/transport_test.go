package transport_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/transport"
)

func TestNewLocal_AcceptsPlainConnection(t *testing.T) {
	tr, err := transport.NewLocal("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer tr.Close()

	type result struct {
		ip  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, ip, err := tr.Accept(context.Background())
		done <- result{ip: ip, err: err}
	}()

	client, err := net.DialTimeout("tcp", tr.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Accept: %v", r.err)
		}
		if r.ip != "127.0.0.1" {
			t.Fatalf("want client IP 127.0.0.1, got %q", r.ip)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after dial")
	}
}

func TestNewTunnel_Unavailable(t *testing.T) {
	if _, err := transport.NewTunnel(context.Background()); !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("want ErrTransportUnavailable, got %v", err)
	}
}

func TestNewTailscale_Unavailable(t *testing.T) {
	if _, err := transport.NewTailscale(context.Background()); !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("want ErrTransportUnavailable, got %v", err)
	}
}
