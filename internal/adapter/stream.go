package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/marko911/lnpulse/internal/metrics"
	"github.com/marko911/lnpulse/pkg/domain"
)

// DefaultStreamBuffer is the events channel capacity of a Stream.
const DefaultStreamBuffer = 64

// Stream is the Subscription shared by the variants. A producer goroutine
// started with Run sends events until it returns; its error is delivered on
// Err and both channels are closed.
type Stream struct {
	events chan *domain.Event
	errc   chan error

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Run starts produce in its own goroutine. A panic inside produce ends the
// stream with a protocol error instead of crashing the process.
func Run(parent context.Context, backend string, kind domain.StreamKind, produce func(s *Stream) error) *Stream {
	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		events: make(chan *domain.Event, DefaultStreamBuffer),
		errc:   make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = domain.Protocol(fmt.Errorf("panic: %v", r), "%s stream", kind)
			}
			s.finish(domain.WithOp(err, backend, "subscribe_"+kind.String()))
		}()
		err = produce(s)
	}()

	return s
}

// Context is cancelled when the subscriber unsubscribes.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Send delivers ev, blocking until it is read or the stream is cancelled.
func (s *Stream) Send(ev *domain.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		// A stream ended by Unsubscribe reports no error.
		if err != nil && s.ctx.Err() == nil {
			s.errc <- err
		}
		s.cancel()
		close(s.events)
		close(s.errc)
	})
}

func (s *Stream) Events() <-chan *domain.Event { return s.events }

func (s *Stream) Err() <-chan error { return s.errc }

func (s *Stream) Unsubscribe() {
	s.cancel()
}

// Untranslatable returns the gap event a stream sends in place of an update
// it could not translate, so subscribers learn the entity's state is
// unknown instead of never hearing of it. entity is the node's key for the
// update; resume is the stream position just past it.
func Untranslatable(source string, kind domain.StreamKind, entity string, resume domain.Cursor, err error) *domain.Event {
	metrics.UntranslatableUpdates.WithLabelValues(source, kind.String()).Inc()
	return &domain.Event{
		Source: source,
		Kind:   domain.EventKindGap,
		Gap: &domain.Gap{
			Source: source,
			Reason: fmt.Sprintf("untranslatable %s update: %v", kind, err),
			Stream: kind.String(),
			Entity: entity,
			Resume: resume,
		},
	}
}
