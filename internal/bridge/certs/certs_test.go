package certs_test

import (
	"crypto/x509"
	"strings"
	"testing"

	"github.com/kestrel-run/acpbridge/internal/bridge/certs"
)

func TestGenerate_ProducesParsableCert(t *testing.T) {
	id, err := certs.Generate("bridge.local")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	leaf, err := x509.ParseCertificate(id.Cert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if leaf.Subject.CommonName != "bridge.local" {
		t.Fatalf("unexpected CN %q", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "bridge.local" {
		t.Fatalf("unexpected DNS names %v", leaf.DNSNames)
	}
}

func TestFingerprint_IsColonSeparatedHex(t *testing.T) {
	id, err := certs.Generate("bridge.local")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	parts := strings.Split(id.Fingerprint, ":")
	if len(parts) != 32 {
		t.Fatalf("want 32 colon-separated bytes (sha256), got %d in %q", len(parts), id.Fingerprint)
	}
	for _, p := range parts {
		if len(p) != 2 {
			t.Fatalf("part %q is not 2 hex chars", p)
		}
	}
}

func TestGenerate_DistinctFingerprintsAcrossCalls(t *testing.T) {
	a, _ := certs.Generate("bridge.local")
	b, _ := certs.Generate("bridge.local")
	if a.Fingerprint == b.Fingerprint {
		t.Fatal("two independently generated identities should not share a fingerprint")
	}
}
