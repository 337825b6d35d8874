package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// feedServer is a scripted stand-in for the market feed endpoint.
type feedServer struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	connCh chan *websocket.Conn
	frames chan map[string]any
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{
		t:      t,
		connCh: make(chan *websocket.Conn, 10),
		frames: make(chan map[string]any, 100),
	}

	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		fs.connCh <- conn

		go func() {
			for {
				var m map[string]any
				if err := conn.ReadJSON(&m); err != nil {
					return
				}
				fs.frames <- m
			}
		}()
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *feedServer) waitConn() *websocket.Conn {
	fs.t.Helper()
	select {
	case conn := <-fs.connCh:
		return conn
	case <-time.After(3 * time.Second):
		fs.t.Fatal("no websocket connection arrived")
		return nil
	}
}

func (fs *feedServer) waitFrame() map[string]any {
	fs.t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(3 * time.Second):
		fs.t.Fatal("no frame arrived")
		return nil
	}
}

func frameAssets(f map[string]any) []string {
	raw, _ := f["assets_ids"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func startManager(t *testing.T, fs *feedServer) *Manager {
	t.Helper()
	m := NewManager(fs.url())
	m.reconnectDelay = 10 * time.Millisecond
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.IsConnected() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("manager never reached connected state")
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

func bookMsg(assetID, bid, ask string) map[string]any {
	return map[string]any{
		"event_type": "book",
		"market":     "cond-1",
		"asset_id":   assetID,
		"bids":       []map[string]string{{"price": bid, "size": "100"}},
		"asks":       []map[string]string{{"price": ask, "size": "100"}},
	}
}

func priceChangeMsg(assetID, bid, ask string) map[string]any {
	return map[string]any{
		"event_type": "price_change",
		"market":     "cond-1",
		"price_changes": []map[string]string{
			{"asset_id": assetID, "best_bid": bid, "best_ask": ask},
		},
	}
}

func TestSubscribeSendsFrameAndFiltersByAsset(t *testing.T) {
	fs := newFeedServer(t)
	m := startManager(t, fs)
	conn := fs.waitConn()
	waitConnected(t, m)

	prices := make(chan PriceUpdate, 10)
	m.Subscribe([]string{"a", "b"}, Handlers{OnPrice: func(p PriceUpdate) { prices <- p }})

	frame := fs.waitFrame()
	assets := frameAssets(frame)
	if len(assets) != 2 {
		t.Fatalf("subscribe frame carried %v, want both asset ids", assets)
	}

	// An update for an asset outside {a, b} must never reach the handlers.
	sendJSON(t, conn, priceChangeMsg("c", "0.40", "0.42"))
	sendJSON(t, conn, priceChangeMsg("a", "0.60", "0.62"))

	select {
	case p := <-prices:
		if p.AssetID != "a" {
			t.Fatalf("handler saw asset %s, want only a", p.AssetID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no price delivered")
	}

	select {
	case p := <-prices:
		t.Fatalf("unexpected extra delivery for asset %s", p.AssetID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	fs := newFeedServer(t)
	m := startManager(t, fs)
	conn1 := fs.waitConn()
	waitConnected(t, m)

	prices := make(chan PriceUpdate, 10)
	errs := make(chan error, 10)
	m.Subscribe([]string{"a"}, Handlers{
		OnPrice: func(p PriceUpdate) { prices <- p },
		OnError: func(err error) { errs <- err },
	})
	fs.waitFrame() // initial subscribe

	// Drop the connection server-side.
	conn1.Close()

	select {
	case <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("connection error not broadcast to handlers")
	}

	// The manager must reconnect and re-send the live set on its own.
	conn2 := fs.waitConn()
	frame := fs.waitFrame()
	assets := frameAssets(frame)
	if len(assets) != 1 || assets[0] != "a" {
		t.Fatalf("resubscribe frame carried %v, want [a]", assets)
	}

	sendJSON(t, conn2, priceChangeMsg("a", "0.30", "0.32"))
	select {
	case p := <-prices:
		if p.AssetID != "a" {
			t.Fatalf("got asset %s after reconnect, want a", p.AssetID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription silently dropped across reconnect")
	}
}

func TestLatestValueCaches(t *testing.T) {
	fs := newFeedServer(t)
	m := startManager(t, fs)
	conn := fs.waitConn()
	waitConnected(t, m)

	books := make(chan BookUpdate, 10)
	m.Subscribe([]string{"a"}, Handlers{OnBook: func(b BookUpdate) { books <- b }})
	fs.waitFrame()

	sendJSON(t, conn, bookMsg("a", "0.44", "0.46"))
	select {
	case <-books:
	case <-time.After(2 * time.Second):
		t.Fatal("book update not delivered")
	}

	price, ok := m.GetPrice("a")
	if !ok {
		t.Fatal("GetPrice() missing after book update")
	}
	if price.Mid.String() != "0.45" {
		t.Errorf("Mid = %s, want 0.45", price.Mid)
	}

	book, ok := m.GetBook("a")
	if !ok || len(book.Bids) != 1 || book.Bids[0].Price.String() != "0.44" {
		t.Errorf("GetBook() = %+v, want the cached snapshot", book)
	}

	// Overwrite with a newer book; only the latest survives.
	sendJSON(t, conn, bookMsg("a", "0.50", "0.52"))
	select {
	case <-books:
	case <-time.After(2 * time.Second):
		t.Fatal("second book update not delivered")
	}

	all := m.GetAllPrices()
	if p, ok := all["a"]; !ok || p.Mid.String() != "0.51" {
		t.Errorf("GetAllPrices()[a].Mid = %v, want overwritten 0.51", p.Mid)
	}

	if _, ok := m.GetPrice("unknown"); ok {
		t.Error("GetPrice() returned a value for an unknown asset")
	}
}

func TestPairModeEmitsWhenBothSidesFresh(t *testing.T) {
	fs := newFeedServer(t)
	m := startManager(t, fs)
	conn := fs.waitConn()
	waitConnected(t, m)

	pairs := make(chan PairUpdate, 10)
	m.SubscribePair("yes", "no", func(p PairUpdate) { pairs <- p })
	fs.waitFrame()

	// Only one side priced: nothing to combine yet.
	sendJSON(t, conn, bookMsg("yes", "0.60", "0.62"))
	select {
	case p := <-pairs:
		t.Fatalf("pair emitted with one side fresh: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}

	sendJSON(t, conn, bookMsg("no", "0.35", "0.37"))
	select {
	case p := <-pairs:
		if p.Sum.String() != "0.97" {
			t.Errorf("Sum = %s, want 0.97", p.Sum)
		}
		if p.Spread.String() != "0.03" {
			t.Errorf("Spread = %s, want 0.03", p.Spread)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pair update not emitted once both sides were fresh")
	}
}

func TestUnsubscribeRefcounting(t *testing.T) {
	fs := newFeedServer(t)
	m := startManager(t, fs)
	conn := fs.waitConn()
	waitConnected(t, m)

	got1 := make(chan PriceUpdate, 10)
	got2 := make(chan PriceUpdate, 10)
	sub1 := m.Subscribe([]string{"a"}, Handlers{OnPrice: func(p PriceUpdate) { got1 <- p }})
	fs.waitFrame()
	sub2 := m.Subscribe([]string{"a"}, Handlers{OnPrice: func(p PriceUpdate) { got2 <- p }})
	// Second subscription reuses the live id: no new frame expected.

	sub1.Unsubscribe()
	sub1.Unsubscribe() // idempotent

	sendJSON(t, conn, priceChangeMsg("a", "0.20", "0.22"))
	select {
	case <-got2:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber stopped receiving")
	}
	select {
	case <-got1:
		t.Fatal("unsubscribed handler still receiving")
	case <-time.After(50 * time.Millisecond):
	}

	// Last subscriber gone: the id goes on the wire as an unsubscribe.
	sub2.Unsubscribe()
	frame := fs.waitFrame()
	if frame["action"] != "unsubscribe" {
		t.Fatalf("frame after last unsubscribe = %v, want action=unsubscribe", frame)
	}
	if assets := frameAssets(frame); len(assets) != 1 || assets[0] != "a" {
		t.Fatalf("unsubscribe frame carried %v, want [a]", assets)
	}
}

func TestStateTransitions(t *testing.T) {
	fs := newFeedServer(t)
	m := NewManager(fs.url())
	m.reconnectDelay = 10 * time.Millisecond

	if m.State() != StateDisconnected {
		t.Fatalf("State() = %s before Start, want disconnected", m.State())
	}

	m.Start()
	fs.waitConn()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !m.IsConnected() {
		time.Sleep(2 * time.Millisecond)
	}
	if !m.IsConnected() {
		t.Fatal("manager never reached connected state")
	}

	m.Stop()
	if m.State() != StateDisconnected {
		t.Errorf("State() = %s after Stop, want disconnected", m.State())
	}
}

func TestRestartAfterStop(t *testing.T) {
	fs := newFeedServer(t)
	m := startManager(t, fs)
	fs.waitConn()
	waitConnected(t, m)

	prices := make(chan PriceUpdate, 10)
	m.Subscribe([]string{"a"}, Handlers{OnPrice: func(p PriceUpdate) { prices <- p }})
	fs.waitFrame()

	m.Stop()

	// A stopped manager must come back up on Start with a fresh connection
	// and the surviving subscription replayed.
	m.Start()
	conn2 := fs.waitConn()
	waitConnected(t, m)

	frame := fs.waitFrame()
	if assets := frameAssets(frame); len(assets) != 1 || assets[0] != "a" {
		t.Fatalf("frame after restart carried %v, want [a]", assets)
	}

	sendJSON(t, conn2, priceChangeMsg("a", "0.70", "0.72"))
	select {
	case p := <-prices:
		if p.AssetID != "a" {
			t.Fatalf("got asset %s after restart, want a", p.AssetID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after restart")
	}
}
