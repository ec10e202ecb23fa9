package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/lnpulse/internal/delivery/bus"
	"github.com/marko911/lnpulse/internal/delivery/subscription"
	"github.com/marko911/lnpulse/pkg/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type callerFunc func(ctx context.Context, backend, method string, args json.RawMessage) (any, error)

func (f callerFunc) Call(ctx context.Context, backend, method string, args json.RawMessage) (any, error) {
	return f(ctx, backend, method, args)
}

// setupTestServer runs one destination for "test-client-1" against a bus
// session and returns the client side of the connection.
func setupTestServer(t *testing.T, b *bus.Bus, cfg DestinationConfig) (*websocket.Conn, *Destination) {
	t.Helper()
	dests := make(chan *Destination, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cfg.ID = "test-client-1"
		cfg.Conn = conn
		cfg.Session = b.Subscribe(cfg.ID, subscription.Filter{}, 0)
		dest := NewDestination(cfg)
		dests <- dest
		dest.Run(context.Background())
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case dest := <-dests:
		return clientConn, dest
	case <-time.After(2 * time.Second):
		t.Fatal("server never registered the connection")
		return nil, nil
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return msg
}

func TestDestination_DeliversSessionEvents(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	clientConn, _ := setupTestServer(t, b, DestinationConfig{})

	b.Publish(&domain.Event{
		ID:      "evt-123",
		Source:  "lnd-1",
		Kind:    domain.EventKindInvoice,
		Time:    time.Now().UTC(),
		Invoice: &domain.Invoice{PaymentHash: "ab12", AmountSat: 500, State: domain.InvoiceStateSettled},
	})

	msg := readMessage(t, clientConn)
	if msg.Type != "event" {
		t.Fatalf("expected type 'event', got '%s'", msg.Type)
	}
	data := msg.Data.(map[string]interface{})
	if data["id"] != "evt-123" || data["kind"] != "invoice" {
		t.Errorf("unexpected event %v", data)
	}
	inv := data["invoice"].(map[string]interface{})
	if inv["state"] != "settled" || inv["payment_hash"] != "ab12" {
		t.Errorf("unexpected invoice %v", inv)
	}
}

func TestDestination_PingPong(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	clientConn, _ := setupTestServer(t, b, DestinationConfig{})

	if err := clientConn.WriteJSON(ClientMessage{Type: "ping", ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, clientConn)
	if msg.Type != "pong" || msg.ID != "p1" {
		t.Errorf("expected pong p1, got %+v", msg)
	}

	if err := clientConn.WriteJSON(ClientMessage{Type: "subscribe"}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, clientConn); msg.Type != "error" {
		t.Errorf("expected error for unknown type, got %+v", msg)
	}
}

func TestDestination_Calls(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	caller := callerFunc(func(ctx context.Context, backend, method string, args json.RawMessage) (any, error) {
		if method != "createInvoice" {
			return nil, domain.WithOp(domain.Unsupported("method %q", method), backend, method)
		}
		return map[string]string{"backend": backend, "args": string(args)}, nil
	})
	clientConn, _ := setupTestServer(t, b, DestinationConfig{Caller: caller})

	err := clientConn.WriteJSON(ClientMessage{
		Type:    "call",
		ID:      "c1",
		Backend: "lnd-1",
		Method:  "createInvoice",
		Data:    json.RawMessage(`{"amount_sat":10}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, clientConn)
	if msg.Type != "result" || msg.ID != "c1" {
		t.Fatalf("expected result c1, got %+v", msg)
	}
	if data := msg.Data.(map[string]interface{}); data["backend"] != "lnd-1" || data["args"] != `{"amount_sat":10}` {
		t.Errorf("unexpected result data %v", data)
	}

	if err := clientConn.WriteJSON(ClientMessage{Type: "call", ID: "c2", Backend: "lnd-1", Method: "rebalance"}); err != nil {
		t.Fatal(err)
	}
	msg = readMessage(t, clientConn)
	if msg.Type != "error" || msg.ID != "c2" || msg.Kind != "unsupported" {
		t.Errorf("expected unsupported error for c2, got %+v", msg)
	}
}

func TestDestination_CallsDisabledWithoutCaller(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	clientConn, _ := setupTestServer(t, b, DestinationConfig{})

	if err := clientConn.WriteJSON(ClientMessage{Type: "call", ID: "c1", Method: "getInfo"}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, clientConn); msg.Type != "error" || msg.ID != "c1" {
		t.Errorf("expected error, got %+v", msg)
	}
}

func TestDestination_SessionCancelClosesConnection(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	clientConn, dest := setupTestServer(t, b, DestinationConfig{})

	if !b.Unsubscribe("test-client-1") {
		t.Fatal("session not registered")
	}

	select {
	case <-dest.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("destination not closed after its session was cancelled")
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := clientConn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestDestination_ClientCloseCancelsSession(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	clientConn, dest := setupTestServer(t, b, DestinationConfig{})

	clientConn.Close()

	select {
	case <-dest.Session().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not cancelled after the client went away")
	}
	if n := b.Count(); n != 0 {
		t.Errorf("bus still holds %d sessions", n)
	}
}

func TestDestination_KeepalivePings(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	clientConn, _ := setupTestServer(t, b, DestinationConfig{PingPeriod: 20 * time.Millisecond})

	pinged := make(chan struct{}, 1)
	clientConn.SetPingHandler(func(data string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return clientConn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := clientConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping received")
	}
}
