package rpc

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seamlik/viska/internal/eventbus"
	"github.com/seamlik/viska/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *eventbus.Bus) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := eventbus.New()

	s := New(st, bus)
	httpServer := httptest.NewServer(s.Echo())
	t.Cleanup(httpServer.Close)
	return httpServer, st, bus
}

func dialWS(t *testing.T, httpServer *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWatchRosterSendsInitialSnapshot(t *testing.T) {
	httpServer, st, _ := newTestServer(t)
	if _, err := st.DB().Exec(`INSERT INTO peer (account_id, name, role) VALUES ('A', 'Alice', ?)`, store.RoleFriend); err != nil {
		t.Fatalf("insert peer: %v", err)
	}

	conn := dialWS(t, httpServer, "/watch_roster")

	var elem streamElement
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&elem); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if elem.Status != 0 {
		t.Fatalf("expected a successful snapshot, got %+v", elem)
	}
}

func TestWatchChatroomNotFoundReturns404(t *testing.T) {
	httpServer, _, _ := newTestServer(t)

	conn := dialWS(t, httpServer, "/watch_chatroom/missing")

	var elem streamElement
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&elem); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if elem.Status != 404 {
		t.Fatalf("expected status 404, got %+v", elem)
	}
}

func TestWatchRosterRefreshesOnRosterEvent(t *testing.T) {
	httpServer, _, bus := newTestServer(t)

	conn := dialWS(t, httpServer, "/watch_roster")

	var first streamElement
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}

	bus.Publish(eventbus.RosterEvent{})

	var second streamElement
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read refreshed snapshot: %v", err)
	}
}

func TestWatchChatroomsIgnoresUnrelatedEvents(t *testing.T) {
	httpServer, _, bus := newTestServer(t)

	conn := dialWS(t, httpServer, "/watch_chatrooms")

	var first streamElement
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}

	bus.Publish(eventbus.VcardEvent{AccountID: "X"}) // irrelevant to watch_chatrooms
	bus.Publish(eventbus.ChatroomEvent{ChatroomID: "room1"})

	var second streamElement
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read refreshed snapshot triggered by the relevant event: %v", err)
	}

	var third streamElement
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if err := conn.ReadJSON(&third); err == nil {
		t.Fatalf("expected no refresh for the unrelated Vcard event, got %+v", third)
	}
}

func TestWatchEventsForwardsRawEvents(t *testing.T) {
	httpServer, _, bus := newTestServer(t)

	conn := dialWS(t, httpServer, "/watch_events")

	bus.Publish(eventbus.RosterEvent{})

	var elem streamElement
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&elem); err != nil {
		t.Fatalf("read forwarded event: %v", err)
	}
}
