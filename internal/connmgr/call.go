package connmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/metrics"
	"github.com/marko911/lnpulse/pkg/domain"
)

// Do runs fn against the backend. Unless the backend is Connected it fails
// fast with BackendUnavailable and fn is never called. At most MaxInFlight
// calls run at once; a caller waits QueueTimeout for a slot and then gets
// Timeout.
func (m *Manager) Do(ctx context.Context, op string, fn func(ctx context.Context, b adapter.Backend) error) (err error) {
	name := m.Name()

	if st := m.State(); st != domain.Connected {
		m.reject(st.String())
		return domain.WithOp(domain.Unavailable(nil, "backend is %s", st), name, op)
	}

	qctx, qcancel := ctx, context.CancelFunc(func() {})
	if m.cfg.QueueTimeout > 0 {
		qctx, qcancel = context.WithTimeout(ctx, m.cfg.QueueTimeout)
	}
	err = m.calls.Acquire(qctx, 1)
	qcancel()
	if err != nil {
		m.reject("queue_full")
		return domain.WithOp(domain.Timeout(err, "waiting for a call slot"), name, op)
	}
	defer m.calls.Release(1)

	cctx, cancel := ctx, context.CancelFunc(func() {})
	if m.cfg.CallTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
	}
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in backend call", "op", op, "panic", r)
			err = domain.WithOp(domain.Protocol(fmt.Errorf("panic: %v", r), "%s", op), name, op)
		}
		metrics.CallDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
		if domain.KindOf(err) == domain.KindBackendUnavailable {
			select {
			case m.trouble <- err:
			default:
			}
		}
	}()

	err = fn(cctx, m.backend)
	if err != nil && domain.KindOf(err) == 0 && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = domain.Timeout(err, "%s", op)
	}
	return domain.WithOp(err, name, op)
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, m *Manager, op string, fn func(ctx context.Context, b adapter.Backend) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, op, func(ctx context.Context, b adapter.Backend) error {
		var err error
		out, err = fn(ctx, b)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (m *Manager) reject(reason string) {
	m.rejected.Add(1)
	metrics.CallsRejected.WithLabelValues(m.Name(), reason).Inc()
}
