package pki

import (
	"testing"
)

func TestNewCertificateParsesAsTLS(t *testing.T) {
	bundle, err := NewCertificate()
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}
	if len(bundle.CertificateDER) == 0 {
		t.Fatal("expected non-empty certificate DER")
	}
	if _, err := bundle.TLSCertificate(); err != nil {
		t.Fatalf("TLSCertificate: %v", err)
	}
}

func TestDeriveAccountIDIsDeterministic(t *testing.T) {
	bundle, err := NewCertificate()
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}

	a := DeriveAccountID(bundle.CertificateDER)
	b := DeriveAccountID(bundle.CertificateDER)
	if a != b {
		t.Fatal("expected DeriveAccountID to be deterministic for the same certificate")
	}
}

func TestDeriveAccountIDDiffersAcrossCertificates(t *testing.T) {
	first, err := NewCertificate()
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}
	second, err := NewCertificate()
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}

	if DeriveAccountID(first.CertificateDER) == DeriveAccountID(second.CertificateDER) {
		t.Fatal("expected distinct certificates to yield distinct account IDs")
	}
}

func TestAccountIDStringRoundTrips(t *testing.T) {
	bundle, err := NewCertificate()
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}
	id := DeriveAccountID(bundle.CertificateDER)

	parsed, err := ParseAccountID(id.String())
	if err != nil {
		t.Fatalf("ParseAccountID: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %v != %v", parsed, id)
	}
}

func TestHashIsDeterministic(t *testing.T) {
	data := []byte("hello viska")
	if Hash(data) != Hash(data) {
		t.Fatal("expected Hash to be deterministic")
	}
}
