package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/adapter/replay"
	"github.com/marko911/lnpulse/pkg/domain"
)

// Recorder writes a backend's stream updates as replay fixture lines.
type Recorder struct {
	backend adapter.Backend
	streams []domain.StreamKind
	logger  *slog.Logger

	mu    sync.Mutex
	enc   *json.Encoder
	last  time.Time
	now   func() time.Time
	count int
}

func NewRecorder(backend adapter.Backend, streams []domain.StreamKind, out io.Writer, logger *slog.Logger) *Recorder {
	if len(streams) == 0 {
		streams = domain.AllStreams()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		backend: backend,
		streams: streams,
		logger:  logger.With("component", "recorder", "backend", backend.Name()),
		enc:     json.NewEncoder(out),
		now:     time.Now,
	}
}

// Count returns the number of entries written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Snapshot writes the backend's current channels so a replay starts from
// the same channel set.
func (r *Recorder) Snapshot(ctx context.Context) error {
	channels, err := r.backend.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for i := range channels {
		ch := channels[i]
		if err := r.write(replay.FixtureEntry{Kind: "channel", Channel: &ch}); err != nil {
			return err
		}
	}
	r.logger.Info("recorded channel snapshot", "channels", len(channels))
	return nil
}

// Record subscribes to every configured stream and writes updates until ctx
// is done or a stream fails. Streams start live.
func (r *Recorder) Record(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range r.streams {
		sub, err := r.backend.Subscribe(ctx, kind, adapter.Cursor{})
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
		r.logger.Info("recording stream", "stream", kind.String())

		g.Go(func() error {
			defer sub.Unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-sub.Events():
					if !ok {
						if err, ok := <-sub.Err(); ok {
							return err
						}
						return nil
					}
					entry, ok := entryFor(ev)
					if !ok {
						continue
					}
					if err := r.write(entry); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

func (r *Recorder) write(entry replay.FixtureEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.last.IsZero() {
		entry.DelayMs = now.Sub(r.last).Milliseconds()
	}
	r.last = now

	if err := r.enc.Encode(entry); err != nil {
		return fmt.Errorf("write fixture entry: %w", err)
	}
	r.count++
	return nil
}

func entryFor(ev *domain.Event) (replay.FixtureEntry, bool) {
	switch {
	case ev.Kind == domain.EventKindInvoice && ev.Invoice != nil:
		return replay.FixtureEntry{Kind: "invoice", Invoice: ev.Invoice}, true
	case ev.Kind == domain.EventKindPayment && ev.Payment != nil:
		return replay.FixtureEntry{Kind: "payment", Payment: ev.Payment}, true
	case ev.Kind == domain.EventKindChannel && ev.Channel != nil:
		return replay.FixtureEntry{Kind: "channel", Channel: ev.Channel}, true
	case ev.Kind == domain.EventKindForward && ev.Forward != nil:
		return replay.FixtureEntry{Kind: "forward", Forward: ev.Forward}, true
	}
	return replay.FixtureEntry{}, false
}
