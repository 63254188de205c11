package pairing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/clock"
	"github.com/kestrel-run/acpbridge/internal/bridge/pairing"
)

func testIdentity() pairing.Identity {
	return pairing.Identity{
		AuthToken:   "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		WSURL:       "wss://bridge.local:8765",
		Fingerprint: "SHA256:AA:BB",
		AgentID:     "agent-1",
	}
}

func TestRedeem_CorrectCodeOnce(t *testing.T) {
	m := pairing.New(func() pairing.Identity { return testIdentity() }, clock.Real{})
	code, err := m.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	res, err := m.Redeem(code)
	if err != nil {
		t.Fatalf("first redeem should succeed, got %v", err)
	}
	if res.AuthToken != testIdentity().AuthToken {
		t.Fatalf("unexpected token %q", res.AuthToken)
	}

	// R1: a second redemption of the same code fails.
	if _, err := m.Redeem(code); !errors.Is(err, pairing.ErrInvalidCode) {
		t.Fatalf("second redeem should be ErrInvalidCode, got %v", err)
	}
}

func TestRedeem_FiveFailuresBurnCode(t *testing.T) {
	m := pairing.New(func() pairing.Identity { return testIdentity() }, clock.Real{})
	code, _ := m.Issue()

	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	for i := 0; i < pairing.MaxAttempts; i++ {
		if _, err := m.Redeem(wrong); !errors.Is(err, pairing.ErrInvalidCode) {
			t.Fatalf("attempt %d: want ErrInvalidCode, got %v", i+1, err)
		}
	}

	// Scenario 5: the 6th attempt, even with the correct code, is rate limited.
	if _, err := m.Redeem(code); !errors.Is(err, pairing.ErrRateLimited) {
		t.Fatalf("redeem after burn: want ErrRateLimited, got %v", err)
	}
}

func TestIssue_SupersedesPreviousCode(t *testing.T) {
	m := pairing.New(func() pairing.Identity { return testIdentity() }, clock.Real{})
	old, _ := m.Issue()
	_, _ = m.Issue()

	if _, err := m.Redeem(old); !errors.Is(err, pairing.ErrInvalidCode) {
		t.Fatalf("redeeming a superseded code should fail, got %v", err)
	}
}

func TestRedeem_ExpiredCode(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := pairing.New(func() pairing.Identity { return testIdentity() }, fc)
	code, _ := m.Issue()

	fc.Advance(pairing.CodeTTL + time.Second)

	if _, err := m.Redeem(code); !errors.Is(err, pairing.ErrInvalidCode) {
		t.Fatalf("expired code should be ErrInvalidCode, got %v", err)
	}
}
