// Package pairing issues and redeems the short-lived one-time pairing codes
// that bind a scanned QR code to the bridge's long-lived auth token.
//
// Unlike the token stores elsewhere in this codebase's lineage, the active
// code table lives entirely in memory: redemption must not mutate any state
// beyond it, and a single bridge process is never expected to outlive a
// restart without re-pairing.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/clock"
)

// CodeTTL is how long an issued pairing code remains redeemable.
const CodeTTL = 60 * time.Second

// MaxAttempts is the number of failed redemption attempts before a code is
// burnt, regardless of its expiry.
const MaxAttempts = 5

// codeDigits is the number of decimal digits in an issued code.
const codeDigits = 6

var (
	// ErrInvalidCode is returned for a wrong, expired, or already-consumed code.
	ErrInvalidCode = errors.New("pairing: invalid code")
	// ErrRateLimited is returned once a code has accumulated MaxAttempts
	// failed redemptions; it stays burnt even if the caller now supplies the
	// correct value.
	ErrRateLimited = errors.New("pairing: too many attempts")
)

// Result is returned by a successful Redeem.
type Result struct {
	AuthToken   string
	WSURL       string
	Fingerprint string
	AgentID     string
}

// Identity supplies the values issue() binds into a fresh code and that
// Redeem hands back on success. The manager never stores the auth token in
// cleartext anywhere but in this closure-captured snapshot.
type Identity struct {
	AuthToken   string
	WSURL       string
	Fingerprint string
	AgentID     string
}

// IdentityFunc returns the server's current identity at issue time, so a
// restart or credential rotation is reflected in the next issued code.
type IdentityFunc func() Identity

// entry is one active pairing code.
type entry struct {
	code       string
	identity   Identity
	issuedAt   time.Time
	expiresAt  time.Time
	attempts   int
	consumed   bool // redeemed successfully; single-use
	burnt      bool // failed attempts reached MaxAttempts
	superseded bool
}

// Manager issues and redeems pairing codes. It holds at most one active code
// at a time (I5): issuing a new one supersedes whatever code was active.
type Manager struct {
	identity IdentityFunc
	clock    clock.Clock

	mu      sync.Mutex
	current *entry
}

// New creates a Manager. identity is called on every Issue to snapshot the
// current auth token, WS URL, and TLS fingerprint into the new code.
func New(identity IdentityFunc, c clock.Clock) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{identity: identity, clock: c}
}

// Issue generates a fresh 6-digit pairing code, invalidating any code issued
// previously.
func (m *Manager) Issue() (string, error) {
	code, err := randomDigits(codeDigits)
	if err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}

	now := m.clock.Now()
	e := &entry{
		code:      code,
		identity:  m.identity(),
		issuedAt:  now,
		expiresAt: now.Add(CodeTTL),
	}

	m.mu.Lock()
	if m.current != nil {
		m.current.superseded = true
	}
	m.current = e
	m.mu.Unlock()

	return code, nil
}

// Redeem validates code against the active entry using a constant-time
// comparison, consumes it on success, and returns the bound identity.
//
// Redeem fails with ErrInvalidCode for a wrong, expired, consumed, or
// superseded code — including the failed attempt that pushes the counter
// to MaxAttempts, which is itself still ErrInvalidCode. Only once the code
// is already burnt does Redeem fail with ErrRateLimited, regardless of the
// code supplied.
func (m *Manager) Redeem(code string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.current
	if e == nil || e.superseded || e.consumed {
		return nil, ErrInvalidCode
	}
	if e.burnt {
		return nil, ErrRateLimited
	}
	if m.clock.Now().After(e.expiresAt) {
		return nil, ErrInvalidCode
	}

	match := subtle.ConstantTimeCompare([]byte(code), []byte(e.code)) == 1
	if !match {
		e.attempts++
		if e.attempts >= MaxAttempts {
			e.burnt = true
		}
		return nil, ErrInvalidCode
	}

	e.consumed = true
	return &Result{
		AuthToken:   e.identity.AuthToken,
		WSURL:       e.identity.WSURL,
		Fingerprint: e.identity.Fingerprint,
		AgentID:     e.identity.AgentID,
	}, nil
}

// randomDigits returns a cryptographically random decimal string of length n.
func randomDigits(n int) (string, error) {
	const digits = "0123456789"
	out := make([]byte, n)
	max := big.NewInt(int64(len(digits)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = digits[idx.Int64()]
	}
	return string(out), nil
}
