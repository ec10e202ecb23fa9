package correctness

import (
	"testing"

	"github.com/marko911/lnpulse/pkg/domain"
)

func invoiceEvent(hash string, state domain.InvoiceState) *domain.Event {
	return &domain.Event{
		Source:  "lnd",
		Kind:    domain.EventKindInvoice,
		Invoice: &domain.Invoice{PaymentHash: hash, State: state},
	}
}

func channelEvent(state domain.ChannelState, local domain.Sat) *domain.Event {
	return &domain.Event{
		Source: "lnd",
		Kind:   domain.EventKindChannel,
		Channel: &domain.Channel{
			ID:              "812345x1x0",
			State:           state,
			CapacitySat:     1_000_000,
			LocalBalanceSat: local,
		},
	}
}

func TestTransitionGuard_InvoiceLifecycle(t *testing.T) {
	g := NewTransitionGuard(DefaultGuardConfig(), nil)

	tests := []struct {
		name   string
		state  domain.InvoiceState
		ok     bool
		reason string
	}{
		{"first open", domain.InvoiceStateOpen, true, ""},
		{"repeated open", domain.InvoiceStateOpen, false, RejectRepeated},
		{"settle", domain.InvoiceStateSettled, true, ""},
		{"replayed settle", domain.InvoiceStateSettled, false, RejectRepeated},
		{"back to open", domain.InvoiceStateOpen, false, RejectRegression},
		{"cancel after settle", domain.InvoiceStateCancelled, false, RejectRegression},
	}
	for _, tt := range tests {
		ok, reason := g.Admit(invoiceEvent("aa", tt.state))
		if ok != tt.ok || reason != tt.reason {
			t.Errorf("%s: got (%v, %q), want (%v, %q)", tt.name, ok, reason, tt.ok, tt.reason)
		}
	}
}

func TestTransitionGuard_UnknownStateNeverApplied(t *testing.T) {
	g := NewTransitionGuard(DefaultGuardConfig(), nil)

	if ok, reason := g.Admit(invoiceEvent("bb", domain.InvoiceStateUnknown)); ok || reason != RejectUnknownState {
		t.Fatalf("unknown state admitted: %v %q", ok, reason)
	}
	if ok, _ := g.Admit(invoiceEvent("bb", domain.InvoiceStateOpen)); !ok {
		t.Fatal("open after rejected unknown should be admitted")
	}
}

func TestTransitionGuard_EntitiesAreIndependent(t *testing.T) {
	g := NewTransitionGuard(DefaultGuardConfig(), nil)

	g.Admit(invoiceEvent("aa", domain.InvoiceStateSettled))
	if ok, _ := g.Admit(invoiceEvent("bb", domain.InvoiceStateOpen)); !ok {
		t.Error("other invoice should be admitted")
	}

	other := invoiceEvent("aa", domain.InvoiceStateOpen)
	other.Source = "cln"
	if ok, _ := g.Admit(other); !ok {
		t.Error("same hash from another source should be admitted")
	}
}

func TestTransitionGuard_Payments(t *testing.T) {
	g := NewTransitionGuard(DefaultGuardConfig(), nil)
	pay := func(state domain.PaymentState) *domain.Event {
		return &domain.Event{
			Source:  "lnd",
			Kind:    domain.EventKindPayment,
			Payment: &domain.Payment{PaymentHash: "cc", State: state},
		}
	}

	if ok, _ := g.Admit(pay(domain.PaymentStateInFlight)); !ok {
		t.Fatal("in-flight should be admitted")
	}
	if ok, _ := g.Admit(pay(domain.PaymentStateFailed)); !ok {
		t.Fatal("failed should be admitted")
	}
	if ok, reason := g.Admit(pay(domain.PaymentStateSucceeded)); ok || reason != RejectRegression {
		t.Errorf("terminal payment changed: %v %q", ok, reason)
	}
}

func TestTransitionGuard_ChannelBalanceUpdates(t *testing.T) {
	g := NewTransitionGuard(DefaultGuardConfig(), nil)

	steps := []struct {
		name  string
		state domain.ChannelState
		local domain.Sat
		ok    bool
	}{
		{"pending", domain.ChannelStatePending, 0, true},
		{"active", domain.ChannelStateActive, 500_000, true},
		{"same balance", domain.ChannelStateActive, 500_000, false},
		{"balance moved", domain.ChannelStateActive, 400_000, true},
		{"inactive", domain.ChannelStateInactive, 400_000, true},
		{"active again", domain.ChannelStateActive, 400_000, true},
		{"closing", domain.ChannelStateClosing, 400_000, true},
		{"back to active", domain.ChannelStateActive, 400_000, false},
		{"closed", domain.ChannelStateClosed, 0, true},
		{"closed again with change", domain.ChannelStateClosed, 1, false},
	}
	for _, s := range steps {
		if ok, _ := g.Admit(channelEvent(s.state, s.local)); ok != s.ok {
			t.Errorf("%s: admitted=%v, want %v", s.name, ok, s.ok)
		}
	}
}

func TestTransitionGuard_NonEntityEventsPass(t *testing.T) {
	g := NewTransitionGuard(DefaultGuardConfig(), nil)

	ev := &domain.Event{Kind: domain.EventKindChain, Chain: domain.NewBlockEvent(100, "00")}
	for i := 0; i < 3; i++ {
		if ok, _ := g.Admit(ev); !ok {
			t.Fatal("chain events are not deduplicated by the guard")
		}
	}
}

func TestTransitionGuard_Forget(t *testing.T) {
	g := NewTransitionGuard(DefaultGuardConfig(), nil)

	ev := invoiceEvent("dd", domain.InvoiceStateSettled)
	g.Admit(ev)
	g.Forget(ev.EntityKey())

	if ok, _ := g.Admit(invoiceEvent("dd", domain.InvoiceStateOpen)); !ok {
		t.Error("forgotten entity should start fresh")
	}

	stats := g.Stats()
	if stats["admitted"] != uint64(2) {
		t.Errorf("expected 2 admitted, got %v", stats["admitted"])
	}
}
