package connmgr

import (
	"context"
	"fmt"

	"github.com/marko911/lnpulse/internal/metrics"
	"github.com/marko911/lnpulse/pkg/domain"
)

// stream runs one backend subscription for the current Connected period,
// resuming from the stored cursor. It returns a non-empty reason when the
// stream failed while the period was still live.
func (m *Manager) stream(ctx context.Context, kind domain.StreamKind) (reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in stream", "stream", kind.String(), "panic", r)
			reason = fmt.Sprintf("%s stream panic: %v", kind, r)
		}
	}()

	from, err := m.cursors.Load(ctx, m.Name(), kind)
	if err != nil {
		m.logger.Warn("cursor load failed, starting live", "stream", kind.String(), "error", err)
		from = domain.Cursor{}
	}

	sub, err := m.backend.Subscribe(ctx, kind, from)
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		if domain.KindOf(err) == domain.KindUnsupported {
			m.logger.Info("stream not supported by backend", "stream", kind.String())
			return ""
		}
		return fmt.Sprintf("subscribe %s: %v", kind, err)
	}
	defer sub.Unsubscribe()

	m.logger.Debug("stream subscribed",
		"stream", kind.String(),
		"add_index", from.AddIndex,
		"settle_index", from.SettleIndex,
	)

	for {
		select {
		case <-ctx.Done():
			return ""
		case ev, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return ""
				}
				if err := <-sub.Err(); err != nil {
					// Some nodes accept the subscribe and only then report
					// the stream unimplemented. It stays off until the next
					// Connected period.
					if domain.KindOf(err) == domain.KindUnsupported {
						m.logger.Info("stream not supported by backend", "stream", kind.String(), "error", err)
						return ""
					}
					return fmt.Sprintf("%s stream: %v", kind, err)
				}
				return fmt.Sprintf("%s stream ended", kind)
			}
			m.forward(ctx, kind, ev)
		}
	}
}

// forward passes ev through the transition guard to the publisher and
// advances the stream's cursor.
func (m *Manager) forward(ctx context.Context, kind domain.StreamKind, ev *domain.Event) {
	if ev.Source == "" {
		ev.Source = m.Name()
	}

	if c := ev.Cursor(); !c.IsZero() {
		defer func() {
			if err := m.cursors.Save(ctx, m.Name(), kind, c); err != nil && ctx.Err() == nil {
				m.logger.Warn("cursor save failed", "stream", kind.String(), "error", err)
			}
		}()
	}

	if m.guard != nil {
		if ok, why := m.guard.Admit(ev); !ok {
			metrics.TransitionsRejected.WithLabelValues(m.Name(), ev.Kind.String()).Inc()
			m.logger.Debug("event dropped", "entity", ev.EntityKey(), "reason", why)
			return
		}
	}
	m.pub.Publish(ev)
}
