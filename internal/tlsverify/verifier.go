// Package tlsverify implements Viska's peer-verification policy and plugs it
// into crypto/tls as both the client-certificate and server-certificate
// verifier of the node's mutually-authenticated QUIC endpoint.
package tlsverify

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seamlik/viska/internal/pki"
)

// Errors returned by verify (and wrapped by VerifyPeerCertificate), distinguishing the reasons a handshake may be
// rejected for callers that want to log or test against a specific cause.
var (
	ErrNoCertificatePresented = errors.New("tlsverify: no certificate presented")
	ErrTooManyCertificates    = errors.New("tlsverify: more than one certificate presented")
	ErrUnrecognizedPeer       = errors.New("tlsverify: peer is neither this account nor an allowed peer")
)

// Verifier enforces the allow/peer-deny policy described in spec.md §4.2. It
// is safe for concurrent use: readers (TLS handshakes) never block each
// other, only the rare SetRules writer does.
type Verifier struct {
	selfAccountID pki.AccountID

	mu    sync.RWMutex
	allow map[pki.AccountID]struct{}
	deny  map[pki.AccountID]struct{}
}

// New creates a verifier for a node whose own account is selfAccountID. The
// allow and deny sets start empty; seed the deny set from persisted data with
// SetRules before accepting connections.
func New(selfAccountID pki.AccountID) *Verifier {
	return &Verifier{
		selfAccountID: selfAccountID,
		allow:         map[pki.AccountID]struct{}{},
		deny:          map[pki.AccountID]struct{}{},
	}
}

// SetRules atomically replaces the allow and deny sets wholesale.
func (v *Verifier) SetRules(allow, deny []pki.AccountID) {
	allowSet := make(map[pki.AccountID]struct{}, len(allow))
	for _, id := range allow {
		allowSet[id] = struct{}{}
	}
	denySet := make(map[pki.AccountID]struct{}, len(deny))
	for _, id := range deny {
		denySet[id] = struct{}{}
	}

	v.mu.Lock()
	v.allow = allowSet
	v.deny = denySet
	v.mu.Unlock()

	slog.Debug("tlsverify rules updated", "allow_count", len(allowSet), "deny_count", len(denySet))
}

// verify implements the policy in spec.md §4.2 against the chain of DER
// certificates presented in a handshake.
func (v *Verifier) verify(rawCerts [][]byte) error {
	switch len(rawCerts) {
	case 0:
		return ErrNoCertificatePresented
	case 1:
		// fallthrough to policy check below
	default:
		return ErrTooManyCertificates
	}

	peerID := pki.DeriveAccountID(rawCerts[0])
	if peerID == v.selfAccountID {
		return nil // another device of the same account
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.allow) > 0 {
		if _, ok := v.allow[peerID]; ok {
			return nil
		}
		return ErrUnrecognizedPeer
	}
	if _, denied := v.deny[peerID]; denied {
		return ErrUnrecognizedPeer
	}
	return nil
}

// VerifyPeerCertificate is installed on tls.Config.VerifyPeerCertificate for
// both the server side (verifying the client cert) and the client side
// (verifying the server cert) of the QUIC endpoint. Expiration is
// deliberately not checked: accounts are long-lived and key rotation is out
// of scope.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if err := v.verify(rawCerts); err != nil {
		slog.Warn("tls handshake rejected", "err", err)
		return fmt.Errorf("tlsverify: %w", err)
	}
	return nil
}

// ClientTLSConfig returns a tls.Config suitable for dialing a peer: it
// presents selfCert, skips Go's own chain verification (InsecureSkipVerify)
// because VerifyPeerCertificate performs the real check, and requires the
// peer to present exactly one certificate.
func (v *Verifier) ClientTLSConfig(selfCert tls.Certificate, alpn string) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{selfCert},
		InsecureSkipVerify:    true, //nolint:gosec // VerifyPeerCertificate replaces chain validation with the allow/deny policy
		VerifyPeerCertificate: v.VerifyPeerCertificate,
		NextProtos:            []string{alpn},
	}
}

// ServerTLSConfig returns a tls.Config suitable for accepting inbound QUIC
// connections, requiring and verifying a client certificate via the same
// policy.
func (v *Verifier) ServerTLSConfig(selfCert tls.Certificate, alpn string) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{selfCert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: v.VerifyPeerCertificate,
		NextProtos:            []string{alpn},
	}
}
