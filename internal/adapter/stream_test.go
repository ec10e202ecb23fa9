package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marko911/lnpulse/pkg/domain"
)

func drain(t *testing.T, s Subscription) ([]*domain.Event, error) {
	t.Helper()
	var events []*domain.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events, <-s.Err()
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not end")
		}
	}
}

func TestStream_DeliversThenReportsError(t *testing.T) {
	s := Run(context.Background(), "alice", domain.StreamInvoices, func(s *Stream) error {
		s.Send(&domain.Event{Kind: domain.EventKindInvoice})
		s.Send(&domain.Event{Kind: domain.EventKindInvoice})
		return domain.Unavailable(nil, "gone")
	})

	events, err := drain(t, s)
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || de.Backend != "alice" || de.Op != "subscribe_invoices" {
		t.Errorf("error not annotated: %v", err)
	}
}

func TestStream_RecoversPanic(t *testing.T) {
	s := Run(context.Background(), "alice", domain.StreamChannels, func(s *Stream) error {
		var m map[string]int
		m["boom"]++
		return nil
	})

	_, err := drain(t, s)
	if !errors.Is(err, domain.ErrBackendProtocol) {
		t.Fatalf("expected protocol error from panic, got %v", err)
	}
}

func TestStream_UnsubscribeIsSilent(t *testing.T) {
	started := make(chan struct{})
	s := Run(context.Background(), "alice", domain.StreamPayments, func(s *Stream) error {
		close(started)
		<-s.Context().Done()
		return s.Context().Err()
	})

	<-started
	s.Unsubscribe()

	_, err := drain(t, s)
	if err != nil {
		t.Errorf("expected no error after unsubscribe, got %v", err)
	}
}

func TestStream_SendUnblocksOnCancel(t *testing.T) {
	sent := make(chan bool, 1)
	s := Run(context.Background(), "alice", domain.StreamInvoices, func(s *Stream) error {
		for i := 0; i < DefaultStreamBuffer; i++ {
			s.Send(&domain.Event{})
		}
		sent <- s.Send(&domain.Event{})
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	s.Unsubscribe()

	select {
	case ok := <-sent:
		if ok {
			t.Error("send on a full cancelled stream should fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send stayed blocked after Unsubscribe")
	}
}

func TestUntranslatable(t *testing.T) {
	ev := Untranslatable("alice", domain.StreamPayments, "ab12", domain.Cursor{}, errors.New("bad amount"))
	if ev.Kind != domain.EventKindGap || ev.Source != "alice" || ev.Gap == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Gap.Stream != "payments" || ev.Gap.Entity != "ab12" || ev.Gap.Source != "alice" {
		t.Errorf("unexpected gap %+v", ev.Gap)
	}
	if ev.Gap.Reason != "untranslatable payments update: bad amount" {
		t.Errorf("reason = %q", ev.Gap.Reason)
	}
	if !ev.Cursor().IsZero() {
		t.Errorf("expected no resume position, got %+v", ev.Cursor())
	}

	ev = Untranslatable("alice", domain.StreamInvoices, "cd34", domain.Cursor{AddIndex: 4, SettleIndex: 2}, errors.New("bad state"))
	if got := ev.Cursor(); got != (domain.Cursor{AddIndex: 4, SettleIndex: 2}) {
		t.Errorf("cursor = %+v", got)
	}
}
