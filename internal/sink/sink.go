// Package sink forwards gateway events to external brokers. A Forwarder is
// an ordinary bus subscriber, so a slow or failing broker only ever loses
// its own events.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marko911/lnpulse/pkg/domain"
)

// Sink delivers events to one external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev *domain.Event) error
	Close() error
}

// Encode renders ev as the JSON document every sink publishes.
func Encode(ev *domain.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return data, nil
}
