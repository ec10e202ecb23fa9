package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEventJSONUsesNames(t *testing.T) {
	ev := Event{
		ID:      "e1",
		Source:  "lnd",
		Kind:    EventKindInvoice,
		Invoice: &Invoice{PaymentHash: "aa", State: InvoiceStateSettled},
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"kind":"invoice"`) || !strings.Contains(s, `"state":"settled"`) {
		t.Errorf("expected named enums, got %s", s)
	}
}

func TestUnknownNamesDecodeToUnknown(t *testing.T) {
	var ch Channel
	if err := json.Unmarshal([]byte(`{"id":"x","state":"splicing"}`), &ch); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ch.State != ChannelStateUnknown {
		t.Errorf("expected unknown state, got %s", ch.State)
	}

	var p Payment
	_ = json.Unmarshal([]byte(`{"payment_hash":"h","state":"in_flight"}`), &p)
	if p.State != PaymentStateInFlight {
		t.Errorf("expected in_flight, got %s", p.State)
	}
}
