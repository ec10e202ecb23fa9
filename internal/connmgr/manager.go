// Package connmgr owns the lifecycle of one backend adapter: connecting,
// health checks, reconnecting with backoff, re-issuing streams and gating
// request/response calls on the connection state.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/correctness"
	"github.com/marko911/lnpulse/internal/cursor"
	"github.com/marko911/lnpulse/internal/metrics"
	"github.com/marko911/lnpulse/pkg/domain"
)

var (
	ErrAlreadyStarted = errors.New("connmgr: already started")
	ErrClosed         = errors.New("connmgr: closed")
)

// Publisher receives the events of every stream the manager runs.
type Publisher interface {
	Publish(ev *domain.Event) int
	MarkGap(source, reason string)
}

// Config holds configuration for a connection manager.
type Config struct {
	// Streams are re-issued every time the backend becomes Connected. Nil
	// means every stream; an empty non-nil slice runs none.
	Streams []domain.StreamKind

	// Reconnect backoff. Jitter is the randomization factor applied to
	// every interval.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64

	// StableAfter is how long the backend must stay Connected before the
	// backoff goes back to InitialBackoff.
	StableAfter time.Duration

	// HealthInterval paces pings while Connected. Negative disables them.
	HealthInterval time.Duration
	MaxMissedPings int

	ConnectTimeout time.Duration
	PingTimeout    time.Duration
	CallTimeout    time.Duration

	// QueueTimeout bounds the wait for a call slot once MaxInFlight calls
	// are running.
	QueueTimeout time.Duration
	MaxInFlight  int64

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for a connection manager.
func DefaultConfig() Config {
	return Config{
		Streams:        domain.AllStreams(),
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		StableAfter:    time.Minute,
		HealthInterval: 15 * time.Second,
		MaxMissedPings: 2,
		ConnectTimeout: 10 * time.Second,
		PingTimeout:    5 * time.Second,
		CallTimeout:    30 * time.Second,
		QueueTimeout:   2 * time.Second,
		MaxInFlight:    32,
		Logger:         slog.Default(),
	}
}

// applyDefaults fills zero values. An unset StableAfter would fire at once
// and reset the backoff on every flap.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Streams == nil {
		c.Streams = d.Streams
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.MaxMissedPings <= 0 {
		c.MaxMissedPings = d.MaxMissedPings
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// StateChange is one transition of the connection state machine.
type StateChange struct {
	Backend string
	From    domain.ConnectionState
	To      domain.ConnectionState
	Reason  string
	At      time.Time

	// RetryIn is the backoff before the next connect attempt, set on
	// transitions to Degraded.
	RetryIn time.Duration
}

// Manager drives one backend through
// Disconnected -> Connecting -> Connected -> Degraded -> Connecting ...
// The run loop is the only writer of the state; everything else reads it.
type Manager struct {
	backend adapter.Backend
	cfg     Config
	pub     Publisher
	guard   *correctness.TransitionGuard
	cursors cursor.Store
	logger  *slog.Logger
	calls   *semaphore.Weighted

	state   atomic.Int32
	trouble chan error

	mu       sync.RWMutex
	watchers map[chan StateChange]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
	since    time.Time

	reconnects atomic.Int64
	rejected   atomic.Int64
}

// New creates a manager for backend. A nil guard publishes every stream
// event; a nil cursor store keeps resume positions in memory.
func New(backend adapter.Backend, pub Publisher, guard *correctness.TransitionGuard, cursors cursor.Store, cfg Config) *Manager {
	cfg.applyDefaults()
	if cursors == nil {
		cursors = cursor.NewMemory()
	}
	m := &Manager{
		backend:  backend,
		cfg:      cfg,
		pub:      pub,
		guard:    guard,
		cursors:  cursors,
		logger:   cfg.Logger.With("component", "connmgr", "backend", backend.Name()),
		calls:    semaphore.NewWeighted(cfg.MaxInFlight),
		trouble:  make(chan error, 1),
		watchers: make(map[chan StateChange]struct{}),
		since:    time.Now().UTC(),
	}
	metrics.ConnectionState.WithLabelValues(backend.Name()).Set(float64(domain.Disconnected))
	return m
}

func (m *Manager) Backend() adapter.Backend { return m.backend }

func (m *Manager) Name() string { return m.backend.Name() }

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	return domain.ConnectionState(m.state.Load())
}

// Watch returns a channel of state changes that is closed when ctx is done.
// A watcher that falls behind misses changes; State is always current.
func (m *Manager) Watch(ctx context.Context) <-chan StateChange {
	ch := make(chan StateChange, 16)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Start launches the run loop. It returns immediately; progress is
// observable through State and Watch.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	return nil
}

// Close stops the run loop, cancels every stream derived from it and
// closes the backend. The manager ends Disconnected.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	already := m.closed
	m.closed = true
	m.mu.Unlock()

	if already {
		return nil
	}
	if cancel == nil {
		m.setState(domain.Disconnected, "shutdown")
		return m.closeBackend()
	}
	cancel()
	<-done
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		m.closeBackend()
		m.setState(domain.Disconnected, "shutdown")
		m.logger.Info("connection manager stopped")
	}()

	bo := m.newBackOff()
	generation := 0
	reason := "start"

	for {
		m.setState(domain.Connecting, reason)

		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			reason = err.Error()
		} else {
			generation++
			if generation > 1 {
				m.reconnects.Add(1)
				metrics.Reconnects.WithLabelValues(m.Name()).Inc()
			}
			reason = m.serve(ctx, generation, bo)
			if ctx.Err() != nil {
				return
			}
		}

		wait := bo.NextBackOff()
		if m.State() == domain.Connected {
			m.transition(domain.Degraded, reason, wait)
		}
		m.logger.Warn("backend unavailable, reconnecting",
			"reason", reason,
			"backoff", wait,
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.Multiplier = m.cfg.Multiplier
	bo.RandomizationFactor = m.cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (m *Manager) connect(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.WithOp(domain.Protocol(fmt.Errorf("panic: %v", r), "connect"), m.Name(), "connect")
			m.logger.Error("panic during connect", "panic", r)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	return m.backend.Connect(cctx)
}

func (m *Manager) ping(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Protocol(fmt.Errorf("panic: %v", r), "ping")
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	return m.backend.Ping(pctx)
}

func (m *Manager) closeBackend() error {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic during close", "panic", r)
		}
	}()
	return m.backend.Close()
}

// serve runs one Connected period and returns why it ended.
func (m *Manager) serve(ctx context.Context, generation int, bo *backoff.ExponentialBackOff) string {
	sctx, cancel := context.WithCancel(ctx)

	select {
	case <-m.trouble:
	default:
	}

	m.setState(domain.Connected, "")
	if generation > 1 {
		m.pub.MarkGap(m.Name(), "backend reconnected")
	}

	failed := make(chan string, len(m.cfg.Streams))
	var wg sync.WaitGroup
	for _, kind := range m.cfg.Streams {
		wg.Add(1)
		go func(kind domain.StreamKind) {
			defer wg.Done()
			if reason := m.stream(sctx, kind); reason != "" {
				failed <- reason
			}
		}(kind)
	}

	reason := m.watch(sctx, failed, bo)

	cancel()
	wg.Wait()
	return reason
}

func (m *Manager) watch(ctx context.Context, failed <-chan string, bo *backoff.ExponentialBackOff) string {
	var health <-chan time.Time
	if m.cfg.HealthInterval > 0 {
		t := time.NewTicker(m.cfg.HealthInterval)
		defer t.Stop()
		health = t.C
	}
	stable := time.NewTimer(m.cfg.StableAfter)
	defer stable.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return "shutdown"

		case reason := <-failed:
			return reason

		case <-stable.C:
			bo.Reset()
			m.logger.Debug("connection stable, backoff reset")

		case err := <-m.trouble:
			// A call saw the backend unreachable; confirm before degrading.
			if perr := m.ping(ctx); perr != nil {
				return fmt.Sprintf("call failed: %v", err)
			}

		case <-health:
			err := m.ping(ctx)
			if err == nil {
				missed = 0
				continue
			}
			if ctx.Err() != nil {
				return "shutdown"
			}
			missed++
			m.logger.Warn("health check failed", "missed", missed, "error", err)
			if missed >= m.cfg.MaxMissedPings {
				return fmt.Sprintf("%d missed health checks: %v", missed, err)
			}
		}
	}
}

// setState records a transition and announces it to watchers, metrics and
// the bus. Same-state writes are ignored.
func (m *Manager) setState(to domain.ConnectionState, reason string) {
	m.transition(to, reason, 0)
}

func (m *Manager) transition(to domain.ConnectionState, reason string, retryIn time.Duration) {
	from := domain.ConnectionState(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	change := StateChange{
		Backend: m.Name(),
		From:    from,
		To:      to,
		Reason:  reason,
		At:      time.Now().UTC(),
		RetryIn: retryIn,
	}

	m.mu.Lock()
	m.since = change.At
	m.mu.Unlock()

	metrics.ConnectionState.WithLabelValues(change.Backend).Set(float64(to))
	m.logger.Info("connection state changed",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"retry_in", retryIn,
	)

	if m.pub != nil {
		m.pub.Publish(&domain.Event{
			Source: change.Backend,
			Kind:   domain.EventKindConnection,
			Time:   change.At,
			Connection: &domain.ConnectionChange{
				Backend: change.Backend,
				From:    from,
				To:      to,
				Reason:  reason,
			},
		})
	}

	m.mu.RLock()
	for ch := range m.watchers {
		select {
		case ch <- change:
		default:
		}
	}
	m.mu.RUnlock()
}

// Stats returns current manager statistics.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	since := m.since
	m.mu.RUnlock()
	return map[string]interface{}{
		"backend":        m.Name(),
		"variant":        m.backend.Variant(),
		"state":          m.State().String(),
		"since":          since,
		"reconnects":     m.reconnects.Load(),
		"calls_rejected": m.rejected.Load(),
	}
}
