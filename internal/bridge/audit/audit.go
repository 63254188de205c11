// Package audit records security-relevant bridge events (pairing attempts,
// session acquisitions, rate-limit trips) to the durable store. Raw auth
// tokens are never written; only a truncated fingerprint is, matching how
// the pairing and session layers identify tokens in logs.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kestrel-run/acpbridge/internal/bridge/storage"
)

// Kind enumerates the events the audit log records.
type Kind string

const (
	KindPairingIssued   Kind = "pairing_issued"
	KindPairingRedeemed Kind = "pairing_redeemed"
	KindPairingFailed   Kind = "pairing_failed"
	KindSessionAcquired Kind = "session_acquired"
	KindSessionReused   Kind = "session_reused"
	KindSessionRejected Kind = "session_rejected"
	KindSessionReaped   Kind = "session_reaped"
	KindRateLimited     Kind = "rate_limited"
)

// Event is one audit record. OccurredAt is stamped by the caller so tests
// and the reaper can supply a Clock-derived time instead of wall time.
type Event struct {
	OccurredAt time.Time
	Kind       Kind
	Token      string // raw token, fingerprinted before storage, never persisted as-is
	ClientIP   string
	AgentID    string
	Detail     string

	// TokenFingerprint is populated only when reading events back; Record
	// derives it from Token and never stores Token itself.
	TokenFingerprint string
}

// Fingerprint returns a stable, non-reversible identifier for a token
// suitable for logs and the audit store.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

// Log persists audit events to a SQLite-backed store.
type Log struct {
	store *storage.Store
}

// Open opens (creating if needed) the audit database at dbPath and applies
// pending migrations.
func Open(dbPath string) (*Log, error) {
	st, err := storage.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open store: %w", err)
	}
	return &Log{store: st}, nil
}

// Close releases the underlying database connection.
func (l *Log) Close() error {
	return l.store.Close()
}

// Record writes one audit event. The raw token, if set, is fingerprinted
// before it touches the database.
func (l *Log) Record(ev Event) error {
	_, err := l.store.DB().Exec(
		`INSERT INTO audit_events (occurred_at, kind, token_fingerprint, client_ip, agent_id, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.OccurredAt, string(ev.Kind), Fingerprint(ev.Token), ev.ClientIP, ev.AgentID, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", ev.Kind, err)
	}
	return nil
}

// Recent returns the most recent audit events, newest first, bounded by
// limit. Intended for operator inspection, not for driving bridge logic.
func (l *Log) Recent(limit int) ([]Event, error) {
	rows, err := l.store.DB().Query(
		`SELECT occurred_at, kind, token_fingerprint, client_ip, agent_id, detail
		 FROM audit_events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.OccurredAt, &kind, &ev.TokenFingerprint, &ev.ClientIP, &ev.AgentID, &ev.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan recent: %w", err)
		}
		ev.Kind = Kind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}
