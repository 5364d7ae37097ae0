package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/config"
	"tickflow/logger"
)

// fakeVenue answers requests with the function given to it and lets the test
// push arbitrary frames to the client.
type fakeVenue struct {
	srv      *httptest.Server
	mu       sync.Mutex
	conn     *websocket.Conn
	requests []map[string]any
	reply    func(req map[string]any) []any
	query    string
	ready    chan struct{}
}

func newFakeVenue(t *testing.T, reply func(req map[string]any) []any) *fakeVenue {
	t.Helper()
	v := &fakeVenue{reply: reply, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.conn = conn
		v.query = r.URL.RawQuery
		v.mu.Unlock()
		close(v.ready)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			v.mu.Lock()
			v.requests = append(v.requests, req)
			v.mu.Unlock()
			if v.reply == nil {
				continue
			}
			for _, out := range v.reply(req) {
				v.push(out)
			}
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVenue) url() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func (v *fakeVenue) push(frame any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conn != nil {
		_ = v.conn.WriteJSON(frame)
	}
}

func (v *fakeVenue) dropConnection() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conn != nil {
		_ = v.conn.Close()
	}
}

func (v *fakeVenue) sent() []map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]map[string]any, len(v.requests))
	copy(out, v.requests)
	return out
}

type recordingHandler struct {
	mu     sync.Mutex
	ticks  []TickPayload
	subIDs []string
	errs   []*APIError
}

func (h *recordingHandler) OnTick(tick TickPayload, subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks = append(h.ticks, tick)
	h.subIDs = append(h.subIDs, subscriptionID)
}

func (h *recordingHandler) OnStreamError(err *APIError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) tickCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ticks)
}

func venueConfig(url string) config.VenueConfig {
	return config.VenueConfig{
		URL:                url,
		AppID:              "1089",
		HandshakeTimeout:   time.Second,
		WriteTimeout:       time.Second,
		RequestTimeout:     time.Second,
		TickStreamMarkets:  []string{"forex", "indices"},
		TickStreamPrefixes: []string{"frx", "r_", "1hz"},
	}
}

func connect(t *testing.T, v *fakeVenue, h Handler) *Connection {
	t.Helper()
	c := NewConnection(venueConfig(v.url()), "", "", h, logger.Logger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	select {
	case <-v.ready:
	case <-time.After(time.Second):
		t.Fatal("venue never saw the connection")
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectSendsAppIDAndAuthorize(t *testing.T) {
	v := newFakeVenue(t, nil)
	c := connect(t, v, &recordingHandler{})

	if !c.Connected() {
		t.Fatal("expected connected after Connect")
	}
	if !strings.Contains(v.query, "app_id=1089") {
		t.Fatalf("expected app_id in query, got %q", v.query)
	}
	waitFor(t, "authorize request", func() bool { return len(v.sent()) > 0 })
	if got := v.sent()[0]["authorize"]; got != "1089" {
		t.Fatalf("expected authorize with app id, got %v", got)
	}
}

func TestConnectFailsForUnreachableVenue(t *testing.T) {
	c := NewConnection(venueConfig("ws://127.0.0.1:1/ws"), "", "", nil, logger.Logger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected dial error")
	}
	if c.Connected() {
		t.Fatal("connection should report disconnected")
	}
}

func TestTickDispatch(t *testing.T) {
	v := newFakeVenue(t, nil)
	h := &recordingHandler{}
	connect(t, v, h)

	v.push(map[string]any{
		"msg_type":     "tick",
		"tick":         map[string]any{"symbol": "R_100", "quote": 1234.56, "epoch": 1700000000, "id": "abc"},
		"subscription": map[string]any{"id": "sub-1"},
	})
	// quote-less tick is skipped
	v.push(map[string]any{"msg_type": "tick", "tick": map[string]any{"symbol": "R_100", "epoch": 1700000001}})
	v.push(map[string]any{"msg_type": "tick", "error": map[string]any{"code": "MarketIsClosed", "message": "market closed"}})

	waitFor(t, "stream error", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.errs) == 1
	})
	if h.tickCount() != 1 {
		t.Fatalf("expected one tick, got %d", h.tickCount())
	}
	if h.subIDs[0] != "sub-1" || *h.ticks[0].Quote != 1234.56 {
		t.Fatalf("unexpected tick: %+v sub=%s", h.ticks[0], h.subIDs[0])
	}
	if h.errs[0].Code != "MarketIsClosed" {
		t.Fatalf("unexpected stream error: %+v", h.errs[0])
	}
}

func TestRequestCorrelatesByReqID(t *testing.T) {
	v := newFakeVenue(t, func(req map[string]any) []any {
		if _, ok := req["balance"]; !ok {
			return nil
		}
		return []any{map[string]any{
			"msg_type": "balance",
			"req_id":   req["req_id"],
			"balance":  map[string]any{"balance": 250.5, "currency": "USD"},
		}}
	})
	c := connect(t, v, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bal, err := c.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 250.5 {
		t.Fatalf("Balance = %v, want 250.5", bal)
	}
	if a := c.Account(); a.Currency != "USD" || a.Balance == nil {
		t.Fatalf("account not updated: %+v", a)
	}
}

func TestRequestWithoutReqIDResolvesOldestWaiter(t *testing.T) {
	v := newFakeVenue(t, func(req map[string]any) []any {
		if _, ok := req["active_symbols"]; !ok {
			return nil
		}
		return []any{map[string]any{
			"msg_type": "active_symbols",
			"active_symbols": []any{
				map[string]any{"symbol": "frxEURUSD", "display_name": "EUR/USD", "market": "forex", "pip": "0.00001"},
				map[string]any{"symbol": "CRASH500", "display_name": "Crash 500", "market": "synthetic_index", "pip": 0.01},
				map[string]any{"symbol": "R_100", "display_name": "Volatility 100", "market": "synthetic_index", "spot": ""},
			},
		}}
	})
	c := connect(t, v, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	symbols, err := c.ActiveSymbols(ctx, "brief")
	if err != nil {
		t.Fatalf("ActiveSymbols: %v", err)
	}
	if len(symbols) != 3 {
		t.Fatalf("expected 3 symbols, got %d", len(symbols))
	}
	if symbols[0].Symbol != "frxEURUSD" || !symbols[0].HasTickStream {
		t.Fatalf("unexpected first symbol: %+v", symbols[0])
	}
	if symbols[0].Pip.Value == nil || *symbols[0].Pip.Value != 0.00001 {
		t.Fatalf("pip not normalised: %+v", symbols[0].Pip)
	}
	if symbols[1].Symbol != "CRASH500" || symbols[1].HasTickStream {
		t.Fatalf("unexpected second symbol: %+v", symbols[1])
	}
	if !symbols[2].HasTickStream || symbols[2].Spot.Value != nil {
		t.Fatalf("unexpected third symbol: %+v", symbols[2])
	}
}

func TestStaleReqIDDoesNotResolveNewerWaiter(t *testing.T) {
	c := NewConnection(venueConfig("ws://unused"), "", "", &recordingHandler{}, logger.Logger())

	w := &waiter{msgType: TypeTick, ch: make(chan result, 1)}
	c.pendingMu.Lock()
	c.pending[7] = w
	c.order = append(c.order, 7)
	c.pendingMu.Unlock()

	c.handleMessage([]byte(`{"msg_type":"tick","req_id":3,"tick":{"symbol":"R_100","quote":1.5,"epoch":1700000000},"subscription":{"id":"old-sub"}}`))
	select {
	case res := <-w.ch:
		t.Fatalf("waiter 7 resolved by req_id 3 frame: %+v", res.msg.Subscription)
	default:
	}

	c.handleMessage([]byte(`{"msg_type":"tick","req_id":7,"tick":{"symbol":"R_50","quote":2.5,"epoch":1700000001},"subscription":{"id":"new-sub"}}`))
	select {
	case res := <-w.ch:
		if res.msg.Subscription == nil || res.msg.Subscription.ID != "new-sub" {
			t.Fatalf("unexpected subscription: %+v", res.msg.Subscription)
		}
	default:
		t.Fatal("waiter 7 not resolved by its own req_id")
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) != 0 || len(c.order) != 0 {
		t.Fatalf("waiter not removed: %d pending", len(c.pending))
	}
}

func TestRequestReturnsAPIError(t *testing.T) {
	v := newFakeVenue(t, func(req map[string]any) []any {
		if _, ok := req["ticks"]; !ok {
			return nil
		}
		return []any{map[string]any{
			"msg_type": "tick",
			"req_id":   req["req_id"],
			"error":    map[string]any{"code": "InvalidSymbol", "message": "Symbol XYZ not found"},
		}}
	})
	c := connect(t, v, &recordingHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Request(ctx, map[string]any{"ticks": "XYZ", "subscribe": 1}, TypeTick)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "InvalidSymbol" {
		t.Fatalf("unexpected code %q", apiErr.Code)
	}
}

func TestRequestTimesOutAndDropsWaiter(t *testing.T) {
	v := newFakeVenue(t, nil)
	c := connect(t, v, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Request(ctx, map[string]any{"ping": 1}, "ping"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) != 0 || len(c.order) != 0 {
		t.Fatalf("waiter not removed: %d pending", len(c.pending))
	}
}

func TestConnectionLossFailsWaiters(t *testing.T) {
	v := newFakeVenue(t, nil)
	c := connect(t, v, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), map[string]any{"balance": 1}, TypeBalance)
		errc <- err
	}()
	waitFor(t, "balance request", func() bool { return len(v.sent()) >= 2 })
	v.dropConnection()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released on disconnect")
	}
	waitFor(t, "disconnected state", func() bool { return !c.Connected() })
}

func TestCloseIsIdempotent(t *testing.T) {
	v := newFakeVenue(t, nil)
	c := connect(t, v, nil)
	c.Close()
	c.Close()
	if c.Connected() {
		t.Fatal("expected disconnected after Close")
	}
}

func TestOptionalFloat(t *testing.T) {
	cases := map[string]*float64{
		`1.5`:    ptr(1.5),
		`"2.25"`: ptr(2.25),
		`""`:     nil,
		`null`:   nil,
	}
	for in, want := range cases {
		var f OptionalFloat
		if err := json.Unmarshal([]byte(in), &f); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if (want == nil) != (f.Value == nil) || (want != nil && *want != *f.Value) {
			t.Fatalf("%s: got %v", in, f.Value)
		}
	}
	var f OptionalFloat
	if err := json.Unmarshal([]byte(`"abc"`), &f); err == nil {
		t.Fatal("expected error for non-numeric string")
	}
}

func ptr(v float64) *float64 { return &v }
