package websocket

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/lnpulse/internal/delivery/session"
)

// Manager tracks live WebSocket connections, at most one per client id.
type Manager struct {
	mu           sync.RWMutex
	destinations map[string]*Destination
	caller       Caller
	pingPeriod   time.Duration
	logger       *slog.Logger

	// Metrics
	totalConnections  atomic.Int64
	messagesDelivered atomic.Int64
	replaced          atomic.Int64
}

// ManagerConfig holds configuration for the WebSocket manager.
type ManagerConfig struct {
	// Caller handles call-through messages. nil disables them.
	Caller Caller

	// PingPeriod overrides the keepalive interval.
	PingPeriod time.Duration

	// Logger for connection events.
	Logger *slog.Logger
}

// NewManager creates a new WebSocket connection manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		destinations: make(map[string]*Destination),
		caller:       cfg.Caller,
		pingPeriod:   cfg.PingPeriod,
		logger:       cfg.Logger.With("component", "websocket-manager"),
	}
}

// HandleConnection registers conn for clientID and returns its destination.
// The caller runs it with Destination.Run. A connection already held by the
// same client is closed.
func (m *Manager) HandleConnection(ctx context.Context, clientID string, conn *websocket.Conn, sess *session.Session, metadata map[string]string) *Destination {
	dest := NewDestination(DestinationConfig{
		ID:             clientID,
		Conn:           conn,
		Session:        sess,
		Caller:         m.caller,
		SendBufferSize: 256,
		PingPeriod:     m.pingPeriod,
		Metadata:       metadata,
		Logger:         m.logger,
		OnClose:        m.handleDisconnect,
		OnSent:         func() { m.messagesDelivered.Add(1) },
	})

	m.Register(clientID, dest)

	m.logger.Info("client connected",
		"client_id", clientID,
		"remote_addr", conn.RemoteAddr().String(),
	)

	return dest
}

// handleDisconnect drops dest from the registry unless it was already
// replaced.
func (m *Manager) handleDisconnect(dest *Destination) {
	m.mu.Lock()
	if cur, ok := m.destinations[dest.id]; ok && cur == dest {
		delete(m.destinations, dest.id)
	}
	m.mu.Unlock()

	m.logger.Info("client disconnected", "client_id", dest.id)
}

// Get retrieves a destination by client ID.
func (m *Manager) Get(clientID string) (*Destination, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dest, ok := m.destinations[clientID]
	if !ok || dest.IsClosed() {
		return nil, false
	}
	return dest, true
}

// Register adds a destination for a client, closing any previous one.
func (m *Manager) Register(clientID string, dest *Destination) {
	m.mu.Lock()
	existing, hasExisting := m.destinations[clientID]
	m.destinations[clientID] = dest
	m.mu.Unlock()
	m.totalConnections.Add(1)

	if hasExisting && existing != dest {
		m.replaced.Add(1)
		existing.detach()
		existing.Close()
	}
}

// Unregister removes and closes a destination.
func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	dest, ok := m.destinations[clientID]
	if ok {
		delete(m.destinations, clientID)
	}
	m.mu.Unlock()

	// Close outside of lock; handleDisconnect takes it again.
	if ok {
		dest.Close()
	}
}

// ActiveCount returns the number of active connections.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.destinations)
}

// Stats returns manager statistics.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		TotalConnections:  m.totalConnections.Load(),
		ActiveConnections: int64(m.ActiveCount()),
		MessagesDelivered: m.messagesDelivered.Load(),
		Replaced:          m.replaced.Load(),
	}
}

// ManagerStats contains WebSocket manager statistics.
type ManagerStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	MessagesDelivered int64 `json:"messages_delivered"`
	Replaced          int64 `json:"replaced"`
}

// Close shuts down all connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	dests := make([]*Destination, 0, len(m.destinations))
	for _, dest := range m.destinations {
		dests = append(dests, dest)
	}
	m.destinations = make(map[string]*Destination)
	m.mu.Unlock()

	for _, dest := range dests {
		dest.Close()
	}
	return nil
}
