package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/lnpulse/internal/delivery/bus"
	"github.com/marko911/lnpulse/internal/delivery/subscription"
	"github.com/marko911/lnpulse/pkg/domain"
)

type memorySink struct {
	mu       sync.Mutex
	events   []*domain.Event
	failures int
	closed   bool
	got      chan struct{}
}

func newMemorySink(failures int) *memorySink {
	return &memorySink{failures: failures, got: make(chan struct{}, 64)}
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Send(ctx context.Context, ev *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("broker unavailable")
	}
	m.events = append(m.events, ev)
	m.got <- struct{}{}
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) wait(t *testing.T, n int) []*domain.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-m.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("sink received %d events, want %d", i, n)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Event(nil), m.events...)
}

func invoiceEvent(source, hash string) *domain.Event {
	return &domain.Event{
		Source:  source,
		Kind:    domain.EventKindInvoice,
		Invoice: &domain.Invoice{PaymentHash: hash, State: domain.InvoiceStateOpen},
	}
}

func TestForwarder_DeliversInOrderAndRetries(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	s := newMemorySink(2)
	f := NewForwarder(s, b, DefaultForwarderConfig())
	f.Start(context.Background())

	b.Publish(invoiceEvent("lnd-1", "a"))
	b.Publish(invoiceEvent("lnd-1", "b"))

	got := s.wait(t, 2)
	if got[0].Invoice.PaymentHash != "a" || got[1].Invoice.PaymentHash != "b" {
		t.Errorf("events out of order: %s, %s", got[0].Invoice.PaymentHash, got[1].Invoice.PaymentHash)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	stats := f.Stats()
	if stats.Sent != 2 || stats.Retries != 2 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !s.closed {
		t.Error("sink not closed")
	}
	if _, ok := b.Get(f.ClientID()); ok {
		t.Error("forwarder session still registered after Close")
	}
}

func TestForwarder_DropsAfterMaxRetries(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	s := newMemorySink(2)
	cfg := DefaultForwarderConfig()
	cfg.MaxRetries = 1
	f := NewForwarder(s, b, cfg)
	f.Start(context.Background())
	defer f.Close()

	b.Publish(invoiceEvent("lnd-1", "lost"))
	b.Publish(invoiceEvent("lnd-1", "kept"))

	got := s.wait(t, 1)
	if got[0].Invoice.PaymentHash != "kept" {
		t.Errorf("expected the second event to get through, got %s", got[0].Invoice.PaymentHash)
	}
	if f.Stats().Failed != 1 {
		t.Errorf("failed = %d, want 1", f.Stats().Failed)
	}
}

func TestForwarder_RespectsFilter(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	s := newMemorySink(0)
	cfg := DefaultForwarderConfig()
	cfg.Filter = subscription.Filter{Sources: []string{"cln-1"}}
	f := NewForwarder(s, b, cfg)
	f.Start(context.Background())
	defer f.Close()

	b.Publish(invoiceEvent("lnd-1", "skip"))
	b.Publish(invoiceEvent("cln-1", "take"))

	got := s.wait(t, 1)
	if got[0].Source != "cln-1" {
		t.Errorf("filtered event forwarded: %+v", got[0])
	}
}

type fakeJetStream struct {
	subject string
	data    []byte
	err     error
}

func (f *fakeJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subject
	f.data = data
	return &jetstream.PubAck{Stream: "LIGHTNING_EVENTS", Sequence: 1}, nil
}

func TestNATS_PublishesOnEventSubject(t *testing.T) {
	js := &fakeJetStream{}
	s := NewNATSWithPublisher(js)

	ev := invoiceEvent("lnd-1", "abc")
	ev.ID = "ev-1"
	if err := s.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if js.subject != "lightning.events.lnd-1.invoice" {
		t.Errorf("subject = %s", js.subject)
	}

	var decoded domain.Event
	if err := json.Unmarshal(js.data, &decoded); err != nil {
		t.Fatalf("payload is not an event: %v", err)
	}
	if decoded.ID != "ev-1" || decoded.Invoice.PaymentHash != "abc" || decoded.Kind != domain.EventKindInvoice {
		t.Errorf("unexpected payload %+v", decoded)
	}

	js.err = errors.New("no responders")
	if err := s.Send(context.Background(), ev); err == nil {
		t.Error("expected publish error")
	}
}

type fakeProducer struct {
	records []*kgo.Record
	closed  bool
}

func (f *fakeProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestKafka_KeysRecordsBySource(t *testing.T) {
	p := &fakeProducer{}
	s := NewKafkaWithProducer("lightning-events", p)

	ev := &domain.Event{
		ID:     "ev-2",
		Source: "chain",
		Kind:   domain.EventKindChain,
		Chain:  domain.NewBlockEvent(840000, "00ab"),
	}
	if err := s.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(p.records) != 1 {
		t.Fatalf("produced %d records", len(p.records))
	}
	r := p.records[0]
	if r.Topic != "lightning-events" || string(r.Key) != "chain" {
		t.Errorf("record topic %s key %s", r.Topic, r.Key)
	}
	headers := map[string]string{}
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_id"] != "ev-2" || headers["kind"] != "chain" {
		t.Errorf("headers = %v", headers)
	}

	s.Close()
	if !p.closed {
		t.Error("producer not closed")
	}
}
