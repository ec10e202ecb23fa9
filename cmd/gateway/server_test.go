package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/connmgr"
	ws "github.com/marko911/lnpulse/internal/delivery/websocket"
	"github.com/marko911/lnpulse/internal/gateway"
	"github.com/marko911/lnpulse/pkg/domain"
)

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	conn := connmgr.DefaultConfig()
	conn.InitialBackoff = 10 * time.Millisecond
	conn.MaxBackoff = 50 * time.Millisecond
	gw, err := gateway.New(gateway.Options{
		Backends: []adapter.Config{{Name: "sim", Variant: adapter.VariantReplay}},
		Conn:     conn,
	})
	if err != nil {
		t.Fatalf("gateway.New failed: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw
}

func startGateway(t *testing.T, gw *gateway.Gateway) {
	t.Helper()
	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for gw.States()["sim"] != domain.Connected {
		if time.Now().After(deadline) {
			t.Fatal("backend never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestServer(t *testing.T, gw *gateway.Gateway, apiKeys map[string]string) *Server {
	t.Helper()
	s := NewServer(gw, apiKeys, nil, time.Second, slog.Default())
	t.Cleanup(func() { s.Close() })
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// List results decode to a nil map.
	var response map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		var v interface{}
		if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		response, _ = v.(map[string]interface{})
	}
	return rec, response
}

func TestServer_HealthEndpoint(t *testing.T) {
	server := newTestServer(t, newTestGateway(t), nil)

	rec, response := do(t, server.Router(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if response["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", response["status"])
	}

	if rec, _ := do(t, server.Router(), http.MethodPost, "/health", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rec.Code)
	}
}

func TestServer_ReadyEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	server := newTestServer(t, gw, nil)

	rec, response := do(t, server.Router(), http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 before start, got %d", rec.Code)
	}
	if response["ready"] != false {
		t.Errorf("expected ready=false, got %v", response["ready"])
	}

	startGateway(t, gw)

	rec, response = do(t, server.Router(), http.MethodGet, "/ready", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	states := response["states"].(map[string]interface{})
	if states["sim"] != "connected" {
		t.Errorf("unexpected states %v", states)
	}
}

func TestServer_CallThrough(t *testing.T) {
	gw := newTestGateway(t)
	server := newTestServer(t, gw, nil)
	router := server.Router()

	rec, response := do(t, router, http.MethodPost, "/api/v1/backends/sim/createInvoice", `{"amount_sat": 100}`)
	if rec.Code != http.StatusServiceUnavailable || response["kind"] != "backend_unavailable" {
		t.Errorf("expected 503 backend_unavailable before start, got %d %v", rec.Code, response)
	}

	startGateway(t, gw)

	rec, response = do(t, router, http.MethodPost, "/api/v1/backends/sim/createInvoice", `{"amount_sat": 100, "memo": "beer"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if response["payment_hash"] == "" || response["state"] != "open" || response["amount_sat"].(float64) != 100 {
		t.Errorf("unexpected invoice %v", response)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"get info", http.MethodGet, "/api/v1/backends/sim/getInfo", "", http.StatusOK},
		{"list channels", http.MethodGet, "/api/v1/backends/sim/listChannels", "", http.StatusOK},
		{"wallet balance", http.MethodGet, "/api/v1/backends/sim/walletBalance", "", http.StatusOK},
		{"list invoices", http.MethodGet, "/api/v1/backends/sim/listInvoices", "", http.StatusOK},
		{"list payments", http.MethodGet, "/api/v1/backends/sim/listPayments", "", http.StatusOK},
		{"decode garbage", http.MethodPost, "/api/v1/backends/sim/decodePayRequest", `{"pay_req": "lnbc-nope"}`, http.StatusBadRequest},
		{"open channel bad uri", http.MethodPost, "/api/v1/backends/sim/openChannel", `{"node_uri": "x", "local_amount_sat": 10}`, http.StatusBadRequest},
		{"get open channel", http.MethodGet, "/api/v1/backends/sim/openChannel", "", http.StatusMethodNotAllowed},
		{"negative amount", http.MethodPost, "/api/v1/backends/sim/createInvoice", `{"amount_sat": -1}`, http.StatusBadRequest},
		{"unknown backend", http.MethodPost, "/api/v1/backends/nope/getInfo", "", http.StatusBadRequest},
		{"unknown method", http.MethodPost, "/api/v1/backends/sim/rebalance", "", http.StatusNotImplemented},
		{"get mutating call", http.MethodGet, "/api/v1/backends/sim/createInvoice", "", http.StatusMethodNotAllowed},
		{"bad path", http.MethodPost, "/api/v1/backends/sim", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec, _ := do(t, router, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("expected status %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestServer_Authentication(t *testing.T) {
	gw := newTestGateway(t)
	server := newTestServer(t, gw, map[string]string{"secret": "alice"})
	router := server.Router()

	if rec, _ := do(t, router, http.MethodGet, "/api/v1/status", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 without a key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 with a key, got %d", rec.Code)
	}

	// Health stays open.
	if rec, _ := do(t, router, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("expected status 200 for /health, got %d", rec.Code)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	server := newTestServer(t, newTestGateway(t), nil)

	rec, _ := do(t, server.Router(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestServer_WebSocketStreamsEvents(t *testing.T) {
	gw := newTestGateway(t)
	startGateway(t, gw)
	server := newTestServer(t, gw, nil)

	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws?client_id=wallet-1&kinds=invoice&sources=sim"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for gw.Bus().Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(httpServer.URL+"/api/v1/backends/sim/createInvoice", "application/json", strings.NewReader(`{"amount_sat": 7}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("createInvoice returned %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg ws.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read error: %v", err)
		}
		if msg.Type != "event" {
			continue
		}
		data := msg.Data.(map[string]interface{})
		if data["kind"] != "invoice" {
			continue
		}
		inv := data["invoice"].(map[string]interface{})
		if inv["amount_sat"].(float64) != 7 || data["source"] != "sim" {
			t.Errorf("unexpected event %v", data)
		}
		return
	}
}

func TestServer_WebSocketRejectsBadFilter(t *testing.T) {
	server := newTestServer(t, newTestGateway(t), nil)

	rec, _ := do(t, server.Router(), http.MethodGet, "/ws?kinds=forwards", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
	rec, _ = do(t, server.Router(), http.MethodGet, "/ws?sources=mars", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown source, got %d", rec.Code)
	}
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter("invoice, payment", "lnd-1,cln-1", "", "50")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Kinds) != 2 || f.Kinds[0] != domain.EventKindInvoice || f.Kinds[1] != domain.EventKindPayment {
		t.Errorf("kinds = %v", f.Kinds)
	}
	if len(f.Sources) != 2 || f.PaymentHashes != nil || f.MinAmountSat != 50 {
		t.Errorf("unexpected filter %+v", f)
	}

	if _, err := parseFilter("", "", "", "-3"); err == nil {
		t.Error("expected error for negative minimum")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Validation("bad"), http.StatusBadRequest},
		{domain.Unsupported("nope"), http.StatusNotImplemented},
		{domain.Unavailable(nil, "down"), http.StatusServiceUnavailable},
		{domain.Timeout(nil, "slow"), http.StatusGatewayTimeout},
		{domain.Protocol(nil, "garbled"), http.StatusBadGateway},
		{errors.New("plain"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseOrigins(t *testing.T) {
	if got := parseOrigins("*"); got != nil {
		t.Errorf("expected nil for '*', got %v", got)
	}
	if got := parseOrigins(" https://a.com , *.b.com "); len(got) != 2 || got[1] != "*.b.com" {
		t.Errorf("unexpected origins %v", got)
	}
}
