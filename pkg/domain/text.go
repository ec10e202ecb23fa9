package domain

// Enums encode as their names on the wire. Unrecognised names decode to the
// Unknown value rather than failing.

func (s InvoiceState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *InvoiceState) UnmarshalText(b []byte) error {
	*s = InvoiceStateUnknown
	for v := InvoiceStateOpen; v <= InvoiceStateExpired; v++ {
		if v.String() == string(b) {
			*s = v
		}
	}
	return nil
}

func (s PaymentState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PaymentState) UnmarshalText(b []byte) error {
	*s = PaymentStateUnknown
	for v := PaymentStateInFlight; v <= PaymentStateFailed; v++ {
		if v.String() == string(b) {
			*s = v
		}
	}
	return nil
}

func (s ChannelState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ChannelState) UnmarshalText(b []byte) error {
	*s = ChannelStateUnknown
	for v := ChannelStatePending; v <= ChannelStateClosed; v++ {
		if v.String() == string(b) {
			*s = v
		}
	}
	return nil
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ConnectionState) UnmarshalText(b []byte) error {
	*s = Disconnected
	for v := Disconnected; v <= Degraded; v++ {
		if v.String() == string(b) {
			*s = v
		}
	}
	return nil
}

func (t ChainEventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *ChainEventType) UnmarshalText(b []byte) error {
	*t = ChainEventUnknown
	for v := ChainEventNewBlock; v <= ChainEventMempoolTx; v++ {
		if v.String() == string(b) {
			*t = v
		}
	}
	return nil
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *EventKind) UnmarshalText(b []byte) error {
	*k = ParseEventKind(string(b))
	return nil
}
