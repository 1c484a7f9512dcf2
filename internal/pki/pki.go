// Package pki generates the self-signed certificate bundle backing a Viska
// account and derives its canonical AccountId.
//
// An account is an X.509 certificate plus its private key: the certificate's
// DER encoding is hashed (see [AccountID]) to obtain a stable 32-byte
// identity, and the same certificate is presented on both ends of every QUIC
// handshake the node makes.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// subjectCommonName is the fixed CN every Viska account certificate carries.
const subjectCommonName = "Viska Account"

// CertificateBundle holds the DER-encoded certificate and the DER-encoded
// PKCS#8 private key generated for one account.
type CertificateBundle struct {
	CertificateDER []byte
	KeyDER         []byte
}

// NewCertificate generates an ECDSA P-256 self-signed certificate with
// SHA-256 signature, subject "CN=Viska Account" and unbounded validity.
// Key rotation is out of scope: this certificate is meant to outlive the
// account indefinitely.
func NewCertificate() (CertificateBundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subjectCommonName},
		// No expiration: accounts are long-lived and key rotation is out of scope.
		// 9999-12-31T23:59:59Z is the X.509 value for "no well-defined expiration".
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return CertificateBundle{}, fmt.Errorf("marshal private key: %w", err)
	}

	return CertificateBundle{CertificateDER: certDER, KeyDER: keyDER}, nil
}

// TLSCertificate parses the bundle into a tls.Certificate suitable for
// tls.Config.Certificates.
func (b CertificateBundle) TLSCertificate() (tls.Certificate, error) {
	key, err := x509.ParsePKCS8PrivateKey(b.KeyDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse private key: %w", err)
	}
	leaf, err := x509.ParseCertificate(b.CertificateDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{b.CertificateDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
