// Package rpc exposes the node's local RPC surface: websocket "watch_*"
// endpoints that deliver an initial snapshot followed by event-driven
// refreshes drawn from the node's eventbus. It has no one-shot read
// endpoints.
package rpc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/seamlik/viska/internal/eventbus"
	"github.com/seamlik/viska/internal/store"
)

const writeTimeout = 5 * time.Second

// Server is the Echo application backing the local RPC surface.
type Server struct {
	echo  *echo.Echo
	store *store.Store
	bus   *eventbus.Bus

	upgrader websocket.Upgrader
}

// New constructs an Echo app wired to st and bus.
func New(st *store.Store, bus *eventbus.Bus) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:  e,
		store: st,
		bus:   bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true }, // local-loopback RPC, not internet-facing
		},
	}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Debug("rpc request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance, chiefly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/watch_vcard/:account_id", s.handleWatchVcard)
	s.echo.GET("/watch_chatroom/:chatroom_id", s.handleWatchChatroom)
	s.echo.GET("/watch_chatrooms", s.handleWatchChatrooms)
	s.echo.GET("/watch_chatroom_messages/:chatroom_id", s.handleWatchChatroomMessages)
	s.echo.GET("/watch_roster", s.handleWatchRoster)
	s.echo.GET("/watch_events", s.handleWatchEvents)
}

// Run starts the Echo server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down rpc server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

// streamElement is one server-streamed response: either an entity snapshot
// (Status 0, Data populated) or an RPC status per §4.10's error table.
type streamElement struct {
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// watchLoop upgrades c to a websocket, sends an initial snapshot from
// fetch, then re-fetches and re-sends every time bus delivers an event for
// which relevant(ev) is true, until the client disconnects.
func (s *Server) watchLoop(c echo.Context, relevant func(eventbus.Event) bool, fetch func() (any, error)) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := s.bus.Subscribe(16)
	defer sub.Close()

	if !s.sendSnapshot(conn, fetch) {
		return nil
	}

	for ev := range sub.Events() {
		if !relevant(ev) {
			continue
		}
		if !s.sendSnapshot(conn, fetch) {
			return nil
		}
	}
	return nil
}

// sendSnapshot writes one streamElement and reports whether the connection
// is still usable (false means the caller should stop the loop).
func (s *Server) sendSnapshot(conn *websocket.Conn, fetch func() (any, error)) bool {
	data, err := fetch()
	elem := streamElement{Data: data}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			elem = streamElement{Status: http.StatusNotFound}
		} else {
			slog.Error("rpc: query failed", "err", err)
			elem = streamElement{Status: http.StatusInternalServerError, Reason: err.Error()}
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(elem) == nil
}

func (s *Server) handleWatchVcard(c echo.Context) error {
	accountID := c.Param("account_id")
	return s.watchLoop(
		c,
		func(ev eventbus.Event) bool {
			v, ok := ev.(eventbus.VcardEvent)
			return ok && v.AccountID == accountID
		},
		func() (any, error) { return s.store.FindVcardByAccountID(accountID) },
	)
}

func (s *Server) handleWatchChatroom(c echo.Context) error {
	chatroomID := c.Param("chatroom_id")
	return s.watchLoop(
		c,
		func(ev eventbus.Event) bool {
			ch, ok := ev.(eventbus.ChatroomEvent)
			return ok && ch.ChatroomID == chatroomID
		},
		func() (any, error) { return s.store.FindChatroomByID(chatroomID) },
	)
}

func (s *Server) handleWatchChatrooms(c echo.Context) error {
	return s.watchLoop(
		c,
		func(ev eventbus.Event) bool { _, ok := ev.(eventbus.ChatroomEvent); return ok },
		func() (any, error) { return s.store.FindAllChatrooms() },
	)
}

func (s *Server) handleWatchChatroomMessages(c echo.Context) error {
	chatroomID := c.Param("chatroom_id")
	return s.watchLoop(
		c,
		func(ev eventbus.Event) bool {
			m, ok := ev.(eventbus.MessageEvent)
			return ok && m.ChatroomID == chatroomID
		},
		func() (any, error) { return s.store.FindMessagesByChatroom(chatroomID) },
	)
}

func (s *Server) handleWatchRoster(c echo.Context) error {
	return s.watchLoop(
		c,
		func(ev eventbus.Event) bool { _, ok := ev.(eventbus.RosterEvent); return ok },
		func() (any, error) { return s.store.Roster() },
	)
}

// handleWatchEvents forwards the raw event stream, bypassing the
// snapshot/filter model the other watch_* operations use.
func (s *Server) handleWatchEvents(c echo.Context) error {
	// Subscribe before the upgrade completes so no event published after
	// the client's handshake returns is missed.
	sub := s.bus.Subscribe(16)
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for ev := range sub.Events() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(streamElement{Data: ev}); err != nil {
			return nil
		}
	}
	return nil
}
