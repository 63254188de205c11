// Package certs generates the bridge's self-signed TLS identity and renders
// the SHA-256 fingerprint clients use to pin it out of band during pairing.
// This is an ambient stand-in for a real PKI, not a core bridge concern.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// validity is how long the self-signed leaf is valid for. Regenerated on
// every bridge startup, so this only needs to outlast one process lifetime.
const validity = 365 * 24 * time.Hour

// Identity bundles a freshly generated self-signed certificate with its
// fingerprint.
type Identity struct {
	Cert        tls.Certificate
	Fingerprint string
}

// Generate creates a fresh ECDSA P-256 self-signed certificate for host.
func Generate(host string) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certs: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certs: create certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}

	return &Identity{Cert: cert, Fingerprint: Fingerprint(der)}, nil
}

// Fingerprint renders the SHA-256 digest of a DER-encoded certificate as
// colon-separated uppercase hex, the form pairing displays for a user to
// compare against their client's TOFU prompt.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	hexStr := strings.ToUpper(hex.EncodeToString(sum[:]))

	var b strings.Builder
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hexStr[i : i+2])
	}
	return b.String()
}
