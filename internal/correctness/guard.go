package correctness

import (
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/marko911/lnpulse/pkg/domain"
)

// Reasons reported when the guard rejects an event.
const (
	RejectUnknownState = "unknown_state"
	RejectRepeated     = "repeated"
	RejectRegression   = "regression"
)

type GuardConfig struct {
	// TTL bounds how long the last admitted state of an entity is remembered.
	TTL time.Duration

	CleanupInterval time.Duration
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		TTL:             24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
	}
}

// TransitionGuard drops entity events that repeat or move backwards relative
// to the last state admitted for the same entity. Events without a stateful
// entity always pass.
type TransitionGuard struct {
	mu     sync.Mutex
	states *cache.Cache
	logger *slog.Logger

	admitted uint64
	rejected uint64
}

func NewTransitionGuard(cfg GuardConfig, logger *slog.Logger) *TransitionGuard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultGuardConfig().TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultGuardConfig().CleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionGuard{
		states: cache.New(cfg.TTL, cfg.CleanupInterval),
		logger: logger.With("component", "transition-guard"),
	}
}

// Admit reports whether ev may be published. When it returns true the event's
// state becomes the entity's last admitted state.
func (g *TransitionGuard) Admit(ev *domain.Event) (bool, string) {
	key := ev.EntityKey()
	if key == "" {
		return true, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev, seen := g.states.Get(key)
	reason := ""

	switch ev.Kind {
	case domain.EventKindInvoice:
		next := ev.Invoice.State
		if next == domain.InvoiceStateUnknown {
			reason = RejectUnknownState
		} else if seen {
			from := prev.(domain.InvoiceState)
			if !domain.InvoiceTransitionAllowed(from, next) {
				reason = rejectReason(from == next)
			}
		}
		if reason == "" {
			g.states.Set(key, next, cache.DefaultExpiration)
		}

	case domain.EventKindPayment:
		next := ev.Payment.State
		if next == domain.PaymentStateUnknown {
			reason = RejectUnknownState
		} else if seen {
			from := prev.(domain.PaymentState)
			if !domain.PaymentTransitionAllowed(from, next) {
				reason = rejectReason(from == next)
			}
		}
		if reason == "" {
			g.states.Set(key, next, cache.DefaultExpiration)
		}

	case domain.EventKindChannel:
		next := *ev.Channel
		if next.State == domain.ChannelStateUnknown {
			reason = RejectUnknownState
		} else if seen {
			from := prev.(domain.Channel)
			if !domain.ChannelUpdateAllowed(&from, &next) {
				reason = rejectReason(from.State == next.State)
			}
		}
		if reason == "" {
			g.states.Set(key, next, cache.DefaultExpiration)
		}
	}

	if reason != "" {
		g.rejected++
		g.logger.Debug("transition rejected", "entity", key, "reason", reason)
		return false, reason
	}
	g.admitted++
	return true, ""
}

// Forget drops what the guard knows about an entity.
func (g *TransitionGuard) Forget(key string) {
	g.states.Delete(key)
}

func (g *TransitionGuard) Stats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]interface{}{
		"tracked":  g.states.ItemCount(),
		"admitted": g.admitted,
		"rejected": g.rejected,
	}
}

func rejectReason(same bool) string {
	if same {
		return RejectRepeated
	}
	return RejectRegression
}
