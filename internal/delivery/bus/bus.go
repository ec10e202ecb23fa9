// Package bus fans canonical events out to registered subscriber sessions.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/lnpulse/internal/delivery/session"
	"github.com/marko911/lnpulse/internal/delivery/subscription"
	"github.com/marko911/lnpulse/internal/metrics"
	"github.com/marko911/lnpulse/pkg/domain"
)

// Config holds configuration for the event bus.
type Config struct {
	// SessionCapacity is the queue size for sessions created by Subscribe
	// when the caller does not pass one.
	SessionCapacity int

	// Logger for bus operations.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for the bus.
func DefaultConfig() Config {
	return Config{
		SessionCapacity: session.DefaultCapacity,
		Logger:          slog.Default(),
	}
}

// Bus is the registry of live sessions. Publish enumerates the registry
// under a read lock and hands each matching session the event through its
// non-blocking Enqueue, so a slow subscriber never delays the producer or
// any other subscriber. Registration changes take the write lock, so a
// session never receives events after it is deregistered.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
	clients  map[string]string

	seq       atomic.Uint64
	published atomic.Int64
	enqueued  atomic.Int64
	dropped   atomic.Int64
	replaced  atomic.Int64
}

// New creates a new event bus.
func New(cfg Config) *Bus {
	if cfg.SessionCapacity <= 0 {
		cfg.SessionCapacity = session.DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bus{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "event-bus"),
		sessions: make(map[string]*session.Session),
		clients:  make(map[string]string),
	}
}

// Subscribe creates and registers a session for clientID. An existing
// session for the same client is cancelled and replaced. Cancelling the
// returned session deregisters it.
func (b *Bus) Subscribe(clientID string, filter subscription.Filter, capacity int) *session.Session {
	if capacity <= 0 {
		capacity = b.cfg.SessionCapacity
	}
	s := session.New(session.Config{
		ClientID: clientID,
		Capacity: capacity,
		Filter:   filter,
		OnCancel: func(s *session.Session) { b.Deregister(s.ID()) },
	})
	b.Register(s)
	return s
}

// Register adds s to the registry, replacing any session held by the same
// client id. The replaced session is cancelled outside the lock.
func (b *Bus) Register(s *session.Session) {
	b.mu.Lock()
	var existing *session.Session
	if oldID, ok := b.clients[s.ClientID()]; ok {
		existing = b.sessions[oldID]
		delete(b.sessions, oldID)
	}
	b.sessions[s.ID()] = s
	b.clients[s.ClientID()] = s.ID()
	count := len(b.sessions)
	b.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))

	if existing != nil {
		b.replaced.Add(1)
		b.logger.Info("session replaced",
			"client_id", s.ClientID(),
			"old_session", existing.ID(),
			"new_session", s.ID(),
		)
		existing.Cancel()
		return
	}

	b.logger.Debug("session registered", "client_id", s.ClientID(), "session_id", s.ID())
}

// Deregister removes a session by id. It does not cancel the session.
func (b *Bus) Deregister(sessionID string) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
		if b.clients[s.ClientID()] == sessionID {
			delete(b.clients, s.ClientID())
		}
	}
	count := len(b.sessions)
	b.mu.Unlock()

	if ok {
		metrics.ActiveSessions.Set(float64(count))
		b.logger.Debug("session deregistered", "client_id", s.ClientID(), "session_id", sessionID)
	}
}

// Unsubscribe cancels the session held by clientID, if any.
func (b *Bus) Unsubscribe(clientID string) bool {
	b.mu.RLock()
	id, ok := b.clients[clientID]
	s := b.sessions[id]
	b.mu.RUnlock()

	if !ok || s == nil {
		return false
	}
	s.Cancel()
	return true
}

// Publish delivers ev to every registered session whose filter matches and
// returns the number of sessions it was enqueued to. The event is stamped
// with an id, sequence number and time if unset and must not be modified
// afterwards.
func (b *Bus) Publish(ev *domain.Event) int {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ev.Seq = b.seq.Add(1)

	b.published.Add(1)
	metrics.EventsPublished.WithLabelValues(ev.Kind.String()).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, s := range b.sessions {
		if !s.Matches(ev) {
			continue
		}
		if !s.Enqueue(ev) {
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
		n++
	}
	b.enqueued.Add(int64(n))
	metrics.EventsDelivered.Add(float64(n))
	return n
}

// MarkGap publishes a continuity gap for source, telling subscribers that
// events from it may have been missed.
func (b *Bus) MarkGap(source, reason string) {
	b.logger.Warn("continuity gap", "source", source, "reason", reason)
	b.Publish(&domain.Event{
		Source: source,
		Kind:   domain.EventKindGap,
		Gap:    &domain.Gap{Source: source, Reason: reason},
	})
}

// Get returns the session held by clientID.
func (b *Bus) Get(clientID string) (*session.Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.clients[clientID]
	if !ok {
		return nil, false
	}
	s, ok := b.sessions[id]
	return s, ok
}

// Count returns the number of registered sessions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Close cancels every session.
func (b *Bus) Close() {
	b.mu.Lock()
	all := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		all = append(all, s)
	}
	b.sessions = make(map[string]*session.Session)
	b.clients = make(map[string]string)
	b.mu.Unlock()

	metrics.ActiveSessions.Set(0)
	for _, s := range all {
		s.Cancel()
	}
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	sessions := make([]session.Stats, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s.Stats())
	}
	b.mu.RUnlock()

	return Stats{
		Sessions:  sessions,
		Published: b.published.Load(),
		Enqueued:  b.enqueued.Load(),
		Dropped:   b.dropped.Load(),
		Replaced:  b.replaced.Load(),
	}
}

// Stats contains event bus metrics.
type Stats struct {
	Sessions  []session.Stats `json:"sessions"`
	Published int64           `json:"published"`
	Enqueued  int64           `json:"enqueued"`
	Dropped   int64           `json:"dropped"`
	Replaced  int64           `json:"replaced"`
}
