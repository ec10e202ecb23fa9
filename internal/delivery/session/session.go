// Package session implements per-subscriber bounded event queues.
//
// A Session never applies backpressure to producers. When its queue is full
// the oldest event is dropped and counted; the count is delivered as a single
// events-missed notice ahead of the next queued event.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/lnpulse/internal/delivery/subscription"
	"github.com/marko911/lnpulse/pkg/domain"
)

// ErrCancelled is returned by Next once the session is cancelled.
var ErrCancelled = errors.New("session cancelled")

// DefaultCapacity is the queue size used when Config.Capacity is unset.
const DefaultCapacity = 1024

// Config holds configuration for a session.
type Config struct {
	// ClientID identifies the subscriber. At most one session per client id
	// is registered with a bus at a time.
	ClientID string

	// Capacity bounds the number of queued events.
	Capacity int

	// Filter restricts which events are enqueued.
	Filter subscription.Filter

	// OnCancel is called once when the session is cancelled.
	OnCancel func(s *Session)
}

// Session is a live subscription: a filter plus a bounded drop-oldest queue
// drained by exactly one consumer.
type Session struct {
	id       string
	clientID string
	filter   subscription.Filter
	created  time.Time

	mu     sync.Mutex
	buf    []*domain.Event
	head   int
	size   int
	missed uint64
	closed bool

	notify     chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
	onCancel   func(s *Session)

	// Metrics
	enqueued  uint64
	delivered uint64
	dropped   uint64
	gaps      uint64
}

// New creates a session. The caller registers it with a bus.
func New(cfg Config) *Session {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Session{
		id:       uuid.NewString(),
		clientID: cfg.ClientID,
		filter:   cfg.Filter,
		created:  time.Now(),
		buf:      make([]*domain.Event, cfg.Capacity),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		onCancel: cfg.OnCancel,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) ClientID() string { return s.clientID }

func (s *Session) Filter() subscription.Filter { return s.filter }

// Matches reports whether ev passes the session filter.
func (s *Session) Matches(ev *domain.Event) bool {
	return s.filter.Matches(ev)
}

// Enqueue appends ev without blocking. It returns false when the event could
// not be added cleanly: either the oldest queued event was evicted to make
// room, or the session is cancelled. Events are shared between sessions and
// must not be mutated after publishing.
func (s *Session) Enqueue(ev *domain.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	clean := true
	capacity := len(s.buf)
	if s.size == capacity {
		s.buf[s.head] = nil
		s.head = (s.head + 1) % capacity
		s.size--
		s.missed++
		s.dropped++
		clean = false
	}
	s.buf[(s.head+s.size)%capacity] = ev
	s.size++
	s.enqueued++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return clean
}

// TryNext returns the next item without waiting. A pending missed count is
// returned as an events-missed notice before any queued event.
func (s *Session) TryNext() (*domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

func (s *Session) popLocked() (*domain.Event, bool) {
	if s.closed {
		return nil, false
	}
	if s.missed > 0 {
		missed := s.missed
		s.missed = 0
		s.gaps++
		s.delivered++
		return &domain.Event{
			ID:   uuid.NewString(),
			Kind: domain.EventKindEventsMissed,
			Time: time.Now().UTC(),
			Gap:  &domain.Gap{Reason: "queue overflow", Missed: missed},
		}, true
	}
	if s.size == 0 {
		return nil, false
	}
	ev := s.buf[s.head]
	s.buf[s.head] = nil
	s.head = (s.head + 1) % len(s.buf)
	s.size--
	s.delivered++
	return ev, true
}

// Next blocks until an item is available, ctx is done, or the session is
// cancelled.
func (s *Session) Next(ctx context.Context) (*domain.Event, error) {
	for {
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			return nil, ErrCancelled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel ends the session, releases its queue and runs the OnCancel hook.
// It is safe to call more than once.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.buf = nil
		s.size = 0
		s.head = 0
		s.mu.Unlock()

		close(s.done)

		if s.onCancel != nil {
			s.onCancel(s)
		}
	})
}

// Done is closed when the session is cancelled.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Len returns the number of queued events.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Stats returns session statistics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:        s.id,
		ClientID:  s.clientID,
		CreatedAt: s.created,
		Queued:    s.size,
		Capacity:  len(s.buf),
		Enqueued:  s.enqueued,
		Delivered: s.delivered,
		Dropped:   s.dropped,
		Gaps:      s.gaps,
	}
}

// Stats contains session statistics.
type Stats struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
	Queued    int       `json:"queued"`
	Capacity  int       `json:"capacity"`
	Enqueued  uint64    `json:"enqueued"`
	Delivered uint64    `json:"delivered"`
	Dropped   uint64    `json:"dropped"`
	Gaps      uint64    `json:"gaps"`
}
