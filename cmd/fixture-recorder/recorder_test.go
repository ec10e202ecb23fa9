package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/adapter/replay"
	"github.com/marko911/lnpulse/pkg/domain"
)

func newNode(t *testing.T) *replay.Node {
	t.Helper()
	n := replay.New(adapter.Config{Name: "sim"}, nil)
	if err := n.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func fakeClock() func() time.Time {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(250 * time.Millisecond)
		return now
	}
}

func TestRecorder_RecordsLiveUpdates(t *testing.T) {
	node := newNode(t)
	var buf bytes.Buffer
	rec := NewRecorder(node, nil, &buf, nil)
	rec.now = fakeClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rec.Record(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for node.Calls("subscribe") < len(domain.AllStreams()) {
		if time.Now().After(deadline) {
			t.Fatal("recorder never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	inv, err := node.CreateInvoice(ctx, domain.InvoiceRequest{AmountSat: 21, Memo: "coffee"})
	if err != nil {
		t.Fatal(err)
	}
	node.PutChannel(domain.Channel{ID: "chan-1", CapacitySat: 100000, State: domain.ChannelStateActive})

	for rec.Count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("recorded %d entries, want 2", rec.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Record returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Record did not return after cancel")
	}

	path := filepath.Join(t.TempDir(), "fixture.jsonl")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := replay.LoadFixture(path)
	if err != nil {
		t.Fatalf("recorded fixture does not load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}

	var sawInvoice, sawChannel bool
	for i, e := range entries {
		if i == 0 && e.DelayMs != 0 {
			t.Errorf("first entry delay = %d, want 0", e.DelayMs)
		}
		if i == 1 && e.DelayMs != 250 {
			t.Errorf("second entry delay = %d, want 250", e.DelayMs)
		}
		switch e.Kind {
		case "invoice":
			sawInvoice = e.Invoice.PaymentHash == inv.PaymentHash && e.Invoice.AmountSat == 21
		case "channel":
			sawChannel = e.Channel.ID == "chan-1"
		}
	}
	if !sawInvoice || !sawChannel {
		t.Errorf("missing entries: invoice=%v channel=%v", sawInvoice, sawChannel)
	}
}

func TestRecorder_Snapshot(t *testing.T) {
	node := newNode(t)
	node.PutChannel(domain.Channel{ID: "a", State: domain.ChannelStateActive})
	node.PutChannel(domain.Channel{ID: "b", State: domain.ChannelStateActive})

	var buf bytes.Buffer
	rec := NewRecorder(node, []domain.StreamKind{domain.StreamChannels}, &buf, nil)
	if err := rec.Snapshot(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec.Count() != 2 {
		t.Errorf("snapshot wrote %d entries, want 2", rec.Count())
	}
}

func TestRecorder_SubscribeFailure(t *testing.T) {
	node := newNode(t)
	node.SetDown(true)

	var buf bytes.Buffer
	rec := NewRecorder(node, []domain.StreamKind{domain.StreamInvoices}, &buf, nil)
	err := rec.Record(context.Background())
	if domain.KindOf(err) != domain.KindBackendUnavailable {
		t.Errorf("expected backend unavailable, got %v", err)
	}
}

func TestEntryFor(t *testing.T) {
	if _, ok := entryFor(&domain.Event{Kind: domain.EventKindChain, Chain: &domain.ChainEvent{}}); ok {
		t.Error("chain events should not be recorded")
	}
	e, ok := entryFor(&domain.Event{Kind: domain.EventKindPayment, Payment: &domain.Payment{PaymentHash: "ab"}})
	if !ok || e.Kind != "payment" || e.Payment.PaymentHash != "ab" {
		t.Errorf("unexpected entry %+v", e)
	}
	e, ok = entryFor(&domain.Event{Kind: domain.EventKindForward, Forward: &domain.Forward{InChannel: "1x1x0"}})
	if !ok || e.Kind != "forward" || e.Forward.InChannel != "1x1x0" {
		t.Errorf("unexpected forward entry %+v", e)
	}
}

func TestFindBackend(t *testing.T) {
	backends := []adapter.Config{{Name: "lnd-1"}, {Name: "cln-1"}}
	if _, err := findBackend(backends, ""); err == nil {
		t.Error("expected error when the name is ambiguous")
	}
	if b, err := findBackend(backends, "cln-1"); err != nil || b.Name != "cln-1" {
		t.Errorf("findBackend = %+v, %v", b, err)
	}
	if _, err := findBackend(backends, "eclair"); err == nil {
		t.Error("expected error for unknown backend")
	}
	if b, err := findBackend(backends[:1], ""); err != nil || b.Name != "lnd-1" {
		t.Errorf("single backend not picked: %+v, %v", b, err)
	}
}
