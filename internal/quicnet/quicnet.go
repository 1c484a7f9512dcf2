// Package quicnet owns the QUIC endpoint Viska nodes use to talk to each
// other: mutual TLS over ALPN "viska", bound to an ephemeral port on every
// local interface, accepting bidirectional streams only.
package quicnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"
)

// ALPN is the application-layer protocol negotiated on every Viska QUIC
// connection.
const ALPN = "viska"

// dialSNI is a fixed placeholder server name: peer identity is established
// by the certificate exchanged during the handshake and verified by
// tlsverify, not by DNS-style name matching.
const dialSNI = "viska.local"

// quicConfig disables unidirectional streams: every exchange in the
// protocol is a bidirectional request/response, so no budget is reserved
// for streams this node will never accept. The per-connection accept loop
// places no cap of its own on concurrent bidirectional streams, so
// MaxIncomingStreams is set to the library's practical ceiling rather than
// some arbitrary small number.
func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams:    1<<60 - 1,
		MaxIncomingUniStreams: -1,
	}
}

// Endpoint is a bound QUIC listener plus the TLS material used both to
// accept inbound connections and to dial outbound ones.
type Endpoint struct {
	listener  *quic.Listener
	tlsServer *tls.Config
	tlsClient *tls.Config
}

// Listen binds a QUIC endpoint to an ephemeral port on every local
// interface ("[::]:0"), ready to accept mutually-authenticated connections
// verified against tlsServer.
func Listen(tlsServer, tlsClient *tls.Config) (*Endpoint, error) {
	listener, err := quic.ListenAddr("[::]:0", tlsServer, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicnet: listen: %w", err)
	}
	slog.Info("quic endpoint listening", "addr", listener.Addr().String())
	return &Endpoint{listener: listener, tlsServer: tlsServer, tlsClient: tlsClient}, nil
}

// Addr returns the local address the endpoint is bound to.
func (e *Endpoint) Addr() string {
	return e.listener.Addr().String()
}

// Accept blocks until an inbound connection completes its handshake (which
// tlsServer's VerifyPeerCertificate has already approved) or ctx is
// cancelled.
func (e *Endpoint) Accept(ctx context.Context) (*quic.Conn, error) {
	conn, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicnet: accept: %w", err)
	}
	return conn, nil
}

// Dial opens a mutually-authenticated connection to addr.
func (e *Endpoint) Dial(ctx context.Context, addr string) (*quic.Conn, error) {
	tlsConf := e.tlsClient.Clone()
	tlsConf.ServerName = dialSNI

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicnet: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Close shuts the listening socket down; in-flight connections are left to
// drain via their own CloseWithError calls.
func (e *Endpoint) Close() error {
	return e.listener.Close()
}
