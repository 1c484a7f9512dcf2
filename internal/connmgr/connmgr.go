// Package connmgr tracks every live QUIC connection a node holds, spawning
// a per-stream handler goroutine for each inbound bidirectional stream and
// removing a connection from the registry once its accept loop ends.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/seamlik/viska/internal/pki"
	"github.com/seamlik/viska/internal/wire"
)

// StreamHandler processes one bidirectional stream already associated with
// a known remote AccountId, producing the response written back to it. It
// is invoked once per accepted stream on its own goroutine.
type StreamHandler func(remoteAccountID pki.AccountID, stream *quic.Stream, conn *quic.Conn)

// Manager owns the set of live connections, keyed by a per-connection UUID
// assigned at registration time (not derived from the peer's identity,
// since a node may hold several connections to devices of the same
// account).
type Manager struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]*quic.Conn
	handle      StreamHandler
}

// New creates a connection manager dispatching every accepted stream to
// handle.
func New(handle StreamHandler) *Manager {
	return &Manager{
		connections: make(map[uuid.UUID]*quic.Conn),
		handle:      handle,
	}
}

// Count returns the number of currently registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Register adds conn to the registry and spawns its per-stream accept
// loop, returning the ID the connection was registered under. The loop
// runs until the connection closes or errors, at which point the
// connection is removed from the registry automatically.
func (m *Manager) Register(ctx context.Context, conn *quic.Conn) uuid.UUID {
	id := uuid.New()

	m.mu.Lock()
	m.connections[id] = conn
	m.mu.Unlock()

	slog.Info("connection registered", "connection_id", id, "remote_addr", conn.RemoteAddr().String())
	go m.acceptLoop(ctx, id, conn)
	return id
}

func (m *Manager) acceptLoop(ctx context.Context, id uuid.UUID, conn *quic.Conn) {
	defer m.deregister(id, conn)

	remoteAccountID, err := authenticatedAccountID(conn)
	if err != nil {
		slog.Error("connection missing authenticated account id", "connection_id", id, "err", err)
		return
	}

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			slog.Debug("connection accept loop ended", "connection_id", id, "err", err)
			return
		}
		go m.handle(remoteAccountID, stream, conn)
	}
}

func (m *Manager) deregister(id uuid.UUID, conn *quic.Conn) {
	m.mu.Lock()
	delete(m.connections, id)
	m.mu.Unlock()
	slog.Info("connection deregistered", "connection_id", id, "remote_addr", conn.RemoteAddr().String())
}

// Close closes the connection registered under id with QUIC application
// error code 0 (graceful shutdown); the accept loop's own deregistration
// handles registry cleanup.
func (m *Manager) Close(id uuid.UUID) error {
	m.mu.RLock()
	conn, ok := m.connections[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connmgr: no such connection %s", id)
	}
	return conn.CloseWithError(0, "")
}

// Request opens a new bidirectional stream on conn, sends req, and returns
// the peer's response. An oversize response closes conn with
// wire.CodePayloadTooLarge.
func Request(ctx context.Context, conn *quic.Conn, req wire.Request) (wire.Response, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return wire.Response{}, fmt.Errorf("connmgr: open stream: %w", err)
	}
	resp, err := wire.SendRequest(ctx, stream, req)
	if errors.Is(err, wire.ErrOversize) {
		_ = conn.CloseWithError(wire.CodePayloadTooLarge, "response too large")
	}
	return resp, err
}

func authenticatedAccountID(conn *quic.Conn) (pki.AccountID, error) {
	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) != 1 {
		return pki.AccountID{}, fmt.Errorf("connmgr: expected exactly one peer certificate, got %d", len(state.PeerCertificates))
	}
	return pki.DeriveAccountID(state.PeerCertificates[0].Raw), nil
}
