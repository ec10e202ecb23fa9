package domain

import (
	"time"
)

type EventKind int32

const (
	EventKindUnknown EventKind = iota
	EventKindInvoice
	EventKindPayment
	EventKindChannel
	EventKindChain
	EventKindGap
	EventKindEventsMissed
	EventKindConnection
	EventKindForward
)

func (k EventKind) String() string {
	switch k {
	case EventKindInvoice:
		return "invoice"
	case EventKindPayment:
		return "payment"
	case EventKindChannel:
		return "channel"
	case EventKindChain:
		return "chain"
	case EventKindGap:
		return "gap"
	case EventKindEventsMissed:
		return "events_missed"
	case EventKindConnection:
		return "connection_state"
	case EventKindForward:
		return "forward"
	default:
		return "unknown"
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) EventKind {
	for k := EventKindInvoice; k <= EventKindForward; k++ {
		if k.String() == s {
			return k
		}
	}
	return EventKindUnknown
}

// Gap marks a continuity break in a stream. For chain gaps FromHeight and
// ToHeight bound the skipped heights; for per-session overflow Missed counts
// the dropped events. An update the gateway could not translate is reported
// with its Stream and the node's key for the Entity.
type Gap struct {
	Source     string `json:"source"`
	Reason     string `json:"reason"`
	Stream     string `json:"stream,omitempty"`
	Entity     string `json:"entity,omitempty"`
	FromHeight uint32 `json:"from_height,omitempty"`
	ToHeight   uint32 `json:"to_height,omitempty"`
	Missed     uint64 `json:"missed,omitempty"`

	// Resume is the stream position just past the skipped update.
	Resume Cursor `json:"-"`
}

// ConnectionChange reports a connection manager state transition.
type ConnectionChange struct {
	Backend string          `json:"backend"`
	From    ConnectionState `json:"from"`
	To      ConnectionState `json:"to"`
	Reason  string          `json:"reason,omitempty"`
}

// Event is the envelope delivered to subscribers. Exactly one payload field
// is set, matching Kind.
type Event struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Seq    uint64    `json:"seq,omitempty"`
	Kind   EventKind `json:"kind"`
	Time   time.Time `json:"time"`

	Invoice    *Invoice          `json:"invoice,omitempty"`
	Payment    *Payment          `json:"payment,omitempty"`
	Channel    *Channel          `json:"channel,omitempty"`
	Chain      *ChainEvent       `json:"chain,omitempty"`
	Gap        *Gap              `json:"gap,omitempty"`
	Connection *ConnectionChange `json:"connection,omitempty"`
	Forward    *Forward          `json:"forward,omitempty"`
}

// EntityKey identifies the entity an event is about, or "" when the event
// does not carry a stateful entity.
func (e *Event) EntityKey() string {
	switch e.Kind {
	case EventKindInvoice:
		if e.Invoice != nil {
			return "invoice:" + e.Source + ":" + e.Invoice.PaymentHash
		}
	case EventKindPayment:
		if e.Payment != nil {
			return "payment:" + e.Source + ":" + e.Payment.PaymentHash
		}
	case EventKindChannel:
		if e.Channel != nil {
			return "channel:" + e.Source + ":" + e.Channel.Key()
		}
	}
	return ""
}

// PaymentHash returns the payment hash carried by invoice and payment events.
func (e *Event) PaymentHash() string {
	switch {
	case e.Invoice != nil:
		return e.Invoice.PaymentHash
	case e.Payment != nil:
		return e.Payment.PaymentHash
	}
	return ""
}

// StreamKind names a server-pushed stream an adapter can provide.
type StreamKind int32

const (
	StreamInvoices StreamKind = iota + 1
	StreamPayments
	StreamChannels
	StreamForwards
)

func (k StreamKind) String() string {
	switch k {
	case StreamInvoices:
		return "invoices"
	case StreamPayments:
		return "payments"
	case StreamChannels:
		return "channels"
	case StreamForwards:
		return "forwards"
	default:
		return "unknown"
	}
}

// AllStreams lists every stream kind in a stable order.
func AllStreams() []StreamKind {
	return []StreamKind{StreamInvoices, StreamPayments, StreamChannels, StreamForwards}
}

func ParseStreamKind(s string) StreamKind {
	for _, k := range AllStreams() {
		if k.String() == s {
			return k
		}
	}
	return 0
}

// Cursor returns the resume position carried by an invoice event or by the
// gap standing in for one.
func (e *Event) Cursor() Cursor {
	switch {
	case e.Kind == EventKindInvoice && e.Invoice != nil:
		return Cursor{AddIndex: e.Invoice.AddIndex, SettleIndex: e.Invoice.SettleIndex}
	case e.Kind == EventKindGap && e.Gap != nil:
		return e.Gap.Resume
	}
	return Cursor{}
}
