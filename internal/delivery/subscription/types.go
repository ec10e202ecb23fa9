// Package subscription defines the interest set a client registers with the
// event bus.
package subscription

import (
	"fmt"
	"strings"

	"github.com/marko911/lnpulse/pkg/domain"
)

// Filter defines the criteria for matching events to a session.
// All non-empty fields must match (AND logic).
// Empty slices/fields act as wildcards (match all).
type Filter struct {
	// Kinds of events to receive. Continuity markers (gap, events missed and
	// connection state) are always delivered for matching sources.
	Kinds []domain.EventKind `json:"kinds,omitempty"`

	// Sources restricts events to the named backends or chain listener.
	Sources []string `json:"sources,omitempty"`

	// PaymentHashes restricts invoice and payment events to these hashes.
	PaymentHashes []string `json:"payment_hashes,omitempty"`

	// MinAmountSat filters invoice, payment and forward events by amount.
	// Zero means no minimum.
	MinAmountSat domain.Sat `json:"min_amount_sat,omitempty"`
}

// Matches checks if the filter matches the given event.
func (f *Filter) Matches(event *domain.Event) bool {
	if len(f.Sources) > 0 && !contains(f.Sources, event.Source) {
		return false
	}

	switch event.Kind {
	case domain.EventKindGap, domain.EventKindEventsMissed, domain.EventKindConnection:
		return true
	}

	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == event.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.PaymentHashes) > 0 {
		hash := event.PaymentHash()
		if hash == "" || !contains(f.PaymentHashes, hash) {
			return false
		}
	}

	if f.MinAmountSat > 0 {
		switch {
		case event.Invoice != nil && event.Invoice.AmountSat < f.MinAmountSat:
			return false
		case event.Payment != nil && event.Payment.AmountSat < f.MinAmountSat:
			return false
		case event.Forward != nil && event.Forward.AmountOutSat < f.MinAmountSat:
			return false
		}
	}

	return true
}

// ParseKinds parses a comma separated list of event kind names.
func ParseKinds(s string) ([]domain.EventKind, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var kinds []domain.EventKind
	for _, part := range strings.Split(s, ",") {
		k := domain.ParseEventKind(strings.TrimSpace(part))
		if k == domain.EventKindUnknown {
			return nil, fmt.Errorf("unknown event kind %q", part)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
