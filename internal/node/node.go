// Package node assembles every other component into one running Viska
// node: it opens the database, wires the event bus and deny-list, starts
// the local RPC service, brings up the mutually-authenticated QUIC
// endpoint, and dispatches every accepted stream to the handler layer.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/seamlik/viska/internal/changelog"
	"github.com/seamlik/viska/internal/connmgr"
	"github.com/seamlik/viska/internal/eventbus"
	"github.com/seamlik/viska/internal/handler"
	"github.com/seamlik/viska/internal/metrics"
	"github.com/seamlik/viska/internal/pki"
	"github.com/seamlik/viska/internal/profile"
	"github.com/seamlik/viska/internal/quicnet"
	"github.com/seamlik/viska/internal/rpc"
	"github.com/seamlik/viska/internal/store"
	"github.com/seamlik/viska/internal/tlsverify"
	"github.com/seamlik/viska/internal/wire"
)

const metricsInterval = 5 * time.Second

// Config gathers the parameters Start needs to bring up a node.
type Config struct {
	DirData   string        // profile root; see internal/profile
	AccountID pki.AccountID // the account this node runs as
	RPCAddr   string        // loopback address for the local RPC service, e.g. "127.0.0.1:7890"
}

// Handle is the live, running node. Shutdown tears every component down;
// Connect opens a new outbound connection through the node's endpoint.
type Handle struct {
	accountID pki.AccountID
	rpcAddr   string

	store    *store.Store
	bus      *eventbus.Bus
	endpoint *quicnet.Endpoint
	connMgr  *connmgr.Manager

	cancel context.CancelFunc
	eg     *errgroup.Group

	shutdownOnce sync.Once
}

// Start performs the node assembly sequence: open the database, create the
// event bus, load and verify the certificate, seed the deny-list, build the
// QUIC endpoint and connection manager, and only then start the RPC service,
// the accept loop and the metrics loop. It returns once every component has started
// successfully, or an error if any step failed.
func Start(cfg Config) (*Handle, error) {
	dbPath := profile.NewLayout(cfg.DirData, cfg.AccountID).DatabasePath()
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("node: open database: %w", err)
	}

	bus := eventbus.New()

	bundle, err := profile.Load(cfg.DirData, cfg.AccountID)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("node: load profile: %w", err)
	}
	tlsCert, err := bundle.TLSCertificate()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("node: parse certificate: %w", err)
	}

	verifier := tlsverify.New(cfg.AccountID)
	if err := seedDenyList(st, verifier); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("node: seed deny list: %w", err)
	}

	merger := changelog.New(st, bus, verifier)
	dispatcher := handler.NewDispatcher(cfg.AccountID, handler.NewPeerHandler(merger), handler.NewDeviceHandler())

	endpoint, err := quicnet.Listen(
		verifier.ServerTLSConfig(tlsCert, quicnet.ALPN),
		verifier.ClientTLSConfig(tlsCert, quicnet.ALPN),
	)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("node: start quic endpoint: %w", err)
	}

	connMgr := connmgr.New(dispatchStream(dispatcher))

	rpcServer := rpc.New(st, bus)
	eventCounter := &metrics.EventCounter{}
	metricsSub := bus.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return rpcServer.Run(egCtx, cfg.RPCAddr) })
	eg.Go(func() error { return acceptLoop(egCtx, endpoint, connMgr) })
	eg.Go(func() error {
		for range metricsSub.Events() {
			eventCounter.Increment()
		}
		return nil
	})
	eg.Go(func() error {
		metrics.Run(egCtx, connMgr, eventCounter, metricsInterval)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		metricsSub.Close()
		return nil
	})

	slog.Info("node started", "account_id", cfg.AccountID.String(), "quic_addr", endpoint.Addr(), "rpc_addr", cfg.RPCAddr)

	return &Handle{
		accountID: cfg.AccountID,
		rpcAddr:   cfg.RPCAddr,
		store:     st,
		bus:       bus,
		endpoint:  endpoint,
		connMgr:   connMgr,
		cancel:    cancel,
		eg:        eg,
	}, nil
}

// seedDenyList loads the persisted blacklist into verifier before the
// endpoint starts accepting connections.
func seedDenyList(st *store.Store, verifier *tlsverify.Verifier) error {
	blacklist, err := st.Blacklist()
	if err != nil {
		return err
	}
	deny := make([]pki.AccountID, 0, len(blacklist))
	for _, hex := range blacklist {
		id, err := pki.ParseAccountID(hex)
		if err != nil {
			slog.Warn("node: skipping malformed blacklist entry", "value", hex, "err", err)
			continue
		}
		deny = append(deny, id)
	}
	verifier.SetRules(nil, deny)
	return nil
}

func acceptLoop(ctx context.Context, endpoint *quicnet.Endpoint, connMgr *connmgr.Manager) error {
	for {
		conn, err := endpoint.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		connMgr.Register(ctx, conn)
	}
}

// dispatchStream adapts a handler.Dispatcher into a connmgr.StreamHandler:
// read one request, dispatch it, write the response.
func dispatchStream(dispatcher *handler.Dispatcher) connmgr.StreamHandler {
	return func(remoteAccountID pki.AccountID, stream *quic.Stream, conn *quic.Conn) {
		req, err := wire.ReadRequest(stream, conn)
		if err != nil {
			if errors.Is(err, wire.ErrOversize) {
				return
			}
			if werr := wire.WriteResponse(stream, wire.BadRequestResponse(err)); werr != nil {
				slog.Debug("node: failed to write bad-request response", "err", werr)
			}
			return
		}

		resp := dispatcher.Dispatch(remoteAccountID, req)
		if err := wire.WriteResponse(stream, resp); err != nil {
			slog.Debug("node: failed to write response", "err", err)
		}
	}
}

// Connect dials addr through this node's endpoint and registers the
// resulting connection with the connection manager so inbound streams on
// it are handled the same as any other peer connection.
func (h *Handle) Connect(ctx context.Context, addr string) (*quic.Conn, error) {
	conn, err := h.endpoint.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	h.connMgr.Register(ctx, conn)
	return conn, nil
}

// LocalPort returns the TCP port the RPC service listens on.
func (h *Handle) LocalPort() (int, error) {
	_, portStr, err := net.SplitHostPort(h.rpcAddr)
	if err != nil {
		return 0, fmt.Errorf("node: parse rpc address: %w", err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return 0, fmt.Errorf("node: resolve rpc port: %w", err)
	}
	return port, nil
}

// Shutdown cancels every background task, closes the QUIC endpoint (which
// closes all connections it holds) and the database, and waits for
// everything to stop. It is safe to call more than once.
func (h *Handle) Shutdown() error {
	var shutdownErr error
	h.shutdownOnce.Do(func() {
		h.cancel()
		if err := h.endpoint.Close(); err != nil {
			slog.Debug("node: error closing endpoint", "err", err)
		}
		shutdownErr = h.eg.Wait()
		h.bus.Close()
		if err := h.store.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
		slog.Info("node stopped", "account_id", h.accountID.String())
	})
	return shutdownErr
}

// registry tracks running nodes under process-wide integer handles, for
// callers (an FFI boundary, a CLI) that want to refer to a node without
// holding a Go reference to it.
type registry struct {
	mu     sync.Mutex
	nodes  map[int]*Handle
	nextID int
}

var globalRegistry = &registry{nodes: make(map[int]*Handle)}

// StartRegistered calls Start and, on success, registers the resulting
// handle under a freshly allocated integer handle.
func StartRegistered(cfg Config) (int, error) {
	h, err := Start(cfg)
	if err != nil {
		return 0, err
	}

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.nextID++
	id := globalRegistry.nextID
	globalRegistry.nodes[id] = h
	return id, nil
}

// Lookup returns the handle registered under id, if any.
func Lookup(id int) (*Handle, bool) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	h, ok := globalRegistry.nodes[id]
	return h, ok
}

// Stop shuts down and deregisters the node running under id.
func Stop(id int) error {
	globalRegistry.mu.Lock()
	h, ok := globalRegistry.nodes[id]
	delete(globalRegistry.nodes, id)
	globalRegistry.mu.Unlock()

	if !ok {
		return fmt.Errorf("node: no node registered under handle %d", id)
	}
	return h.Shutdown()
}
