package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marko911/lnpulse/internal/delivery/subscription"
	ws "github.com/marko911/lnpulse/internal/delivery/websocket"
	"github.com/marko911/lnpulse/internal/gateway"
	"github.com/marko911/lnpulse/internal/metrics"
	"github.com/marko911/lnpulse/pkg/domain"
)

const maxRequestBody = 64 * 1024

// readOnly lists the call-through methods that may also be sent as GET.
var readOnly = map[string]bool{
	"getInfo":       true,
	"listChannels":  true,
	"walletBalance": true,
	"listInvoices":  true,
	"listPayments":  true,
}

// Server exposes the gateway over HTTP and WebSocket.
type Server struct {
	gw     *gateway.Gateway
	ws     *ws.Manager
	logger *slog.Logger

	// apiKeys maps bearer keys to caller names; empty disables auth.
	apiKeys        map[string]string
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewServer creates the HTTP server around gw.
func NewServer(gw *gateway.Gateway, apiKeys map[string]string, allowedOrigins []string, pingPeriod time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		gw:             gw,
		logger:         logger.With("component", "http"),
		apiKeys:        apiKeys,
		allowedOrigins: allowedOrigins,
	}
	s.ws = ws.NewManager(ws.ManagerConfig{
		Caller:     gw,
		PingPeriod: pingPeriod,
		Logger:     logger,
	})
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Health & status
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/v1/status", s.authenticated(s.handleStatus))

	// Call-through: POST /api/v1/backends/{name}/{method}
	mux.HandleFunc("/api/v1/backends/", s.authenticated(s.handleCall))

	// Event subscriptions
	mux.HandleFunc("/ws", s.authenticated(s.handleWebSocket))
	mux.HandleFunc("/api/v1/ws", s.authenticated(s.handleWebSocket))

	return s.loggingMiddleware(mux)
}

// Close drops every WebSocket client.
func (s *Server) Close() error {
	return s.ws.Close()
}

// loggingMiddleware logs all requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// authenticated resolves the bearer key to a caller and stores it in the
// request context.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 {
			next(w, r.WithContext(gateway.WithCaller(r.Context(), "anonymous")))
			return
		}
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		caller, ok := s.apiKeys[key]
		if !ok || key == "" {
			s.writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
			return
		}
		next(w, r.WithContext(gateway.WithCaller(r.Context(), caller)))
	}
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready while every backend and the chain listener are
// connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	states := s.gw.States()
	reasons := []string{}
	for name, st := range states {
		if st != domain.Connected {
			reasons = append(reasons, name+"_"+st.String())
		}
	}

	status := map[string]interface{}{
		"ready":     len(reasons) == 0,
		"states":    states,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if len(reasons) > 0 {
		status["reasons"] = reasons
		s.writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.gw.Stats()
	stats["websocket"] = s.ws.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"states": s.gw.States(),
		"stats":  stats,
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/backends/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "expected /api/v1/backends/{name}/{method}"})
		return
	}
	backend, method := parts[0], parts[1]

	switch {
	case r.Method == http.MethodGet && readOnly[method]:
	case r.Method == http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "read body"})
		return
	}

	out, err := s.gw.Call(r.Context(), backend, method, json.RawMessage(body))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleWebSocket upgrades the request and streams a session to it. The
// filter comes from the query string: client_id, kinds, sources,
// payment_hashes and min_amount_sat.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseFilter(q.Get("kinds"), q.Get("sources"), q.Get("payment_hashes"), q.Get("min_amount_sat"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	clientID := q.Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	// The session outlives the request context; the destination cancels it.
	ctx := gateway.WithCaller(context.Background(), gateway.CallerFrom(r.Context()))
	sess, err := s.gw.Subscribe(ctx, clientID, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Cancel()
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	dest := s.ws.HandleConnection(ctx, clientID, conn, sess, map[string]string{
		"caller": gateway.CallerFrom(ctx),
	})
	go dest.Run(ctx)
}

// checkOrigin validates the request origin against allowed origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
		// Wildcard subdomain match (e.g., "*.example.com")
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(strings.ToLower(origin), strings.ToLower(allowed[1:])) {
			return true
		}
	}

	s.logger.Warn("websocket connection rejected: origin not allowed",
		"origin", origin,
		"allowed_origins", s.allowedOrigins,
	)
	return false
}

func parseFilter(kinds, sources, hashes, minAmount string) (subscription.Filter, error) {
	var f subscription.Filter
	parsed, err := subscription.ParseKinds(kinds)
	if err != nil {
		return f, err
	}
	f.Kinds = parsed
	f.Sources = splitList(sources)
	f.PaymentHashes = splitList(hashes)
	if minAmount != "" {
		v, err := strconv.ParseInt(minAmount, 10, 64)
		if err != nil || v < 0 {
			return f, errors.New("min_amount_sat must be a non-negative integer")
		}
		f.MinAmountSat = domain.Sat(v)
	}
	return f, nil
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnsupported:
		return http.StatusNotImplemented
	case domain.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]interface{}{
		"error": err.Error(),
		"kind":  domain.KindOf(err).String(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("JSON encode error", "error", err)
	}
}
