package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marko911/lnpulse/internal/delivery/bus"
	"github.com/marko911/lnpulse/internal/delivery/session"
	"github.com/marko911/lnpulse/internal/delivery/subscription"
	"github.com/marko911/lnpulse/internal/metrics"
	"github.com/marko911/lnpulse/pkg/domain"
)

// ForwarderConfig holds configuration for a Forwarder.
type ForwarderConfig struct {
	Filter subscription.Filter

	// QueueSize is the capacity of the forwarder's bus session.
	QueueSize int

	// SendTimeout bounds a single Send.
	SendTimeout time.Duration

	// MaxRetries is how many times a failed Send is retried before the
	// event is dropped.
	MaxRetries uint64

	Logger *slog.Logger
}

func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		QueueSize:   4096,
		SendTimeout: 5 * time.Second,
		MaxRetries:  3,
		Logger:      slog.Default(),
	}
}

// Forwarder drains a bus session into a Sink.
type Forwarder struct {
	sink   Sink
	bus    *bus.Bus
	cfg    ForwarderConfig
	logger *slog.Logger

	mu      sync.Mutex
	session *session.Session
	done    chan struct{}

	sent    atomic.Int64
	failed  atomic.Int64
	retries atomic.Int64
}

func NewForwarder(s Sink, b *bus.Bus, cfg ForwarderConfig) *Forwarder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultForwarderConfig().QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultForwarderConfig().SendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Forwarder{
		sink:   s,
		bus:    b,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "sink-forwarder", "sink", s.Name()),
	}
}

// ClientID is the bus client id the forwarder subscribes under.
func (f *Forwarder) ClientID() string {
	return "sink:" + f.sink.Name()
}

// Start registers the forwarder's session and begins draining it.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session != nil {
		return
	}
	f.session = f.bus.Subscribe(f.ClientID(), f.cfg.Filter, f.cfg.QueueSize)
	f.done = make(chan struct{})
	go f.run(ctx, f.session, f.done)
	f.logger.Info("sink forwarder started")
}

func (f *Forwarder) run(ctx context.Context, s *session.Session, done chan struct{}) {
	defer close(done)
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			if !errors.Is(err, session.ErrCancelled) && ctx.Err() == nil {
				f.logger.Warn("forwarder stopped", "error", err)
			}
			return
		}
		f.deliver(ctx, ev)
	}
}

func (f *Forwarder) deliver(ctx context.Context, ev *domain.Event) {
	var bo backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	)
	bo = backoff.WithContext(backoff.WithMaxRetries(bo, f.cfg.MaxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			f.retries.Add(1)
		}
		sctx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
		defer cancel()
		return f.sink.Send(sctx, ev)
	}, bo)

	if err != nil {
		f.failed.Add(1)
		metrics.SinkErrors.WithLabelValues(f.sink.Name()).Inc()
		if ctx.Err() == nil {
			f.logger.Error("event dropped by sink",
				"event_id", ev.ID,
				"kind", ev.Kind.String(),
				"attempts", attempt,
				"error", err,
			)
		}
		return
	}
	f.sent.Add(1)
	metrics.SinkPublished.WithLabelValues(f.sink.Name()).Inc()
}

// Close cancels the session, waits for the in-flight event and closes the
// sink.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	s, done := f.session, f.done
	f.mu.Unlock()

	if s != nil {
		s.Cancel()
		<-done
	}
	return f.sink.Close()
}

type ForwarderStats struct {
	Sent    int64
	Failed  int64
	Retries int64
}

func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Sent:    f.sent.Load(),
		Failed:  f.failed.Load(),
		Retries: f.retries.Load(),
	}
}
