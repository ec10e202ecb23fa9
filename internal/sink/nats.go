package sink

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/marko911/lnpulse/internal/platform/nats"
	"github.com/marko911/lnpulse/pkg/domain"
)

// Publisher is the part of JetStream the NATS sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes events to JetStream on lightning.events.<source>.<kind>.
// The event id is the message id, so a retried publish is stored once.
type NATS struct {
	js     Publisher
	client *pnats.Client
}

// NewNATS connects, ensures the events stream exists and returns the sink.
func NewNATS(ctx context.Context, cfg pnats.Config, stream pnats.StreamConfig) (*NATS, error) {
	client, err := pnats.Connect(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	if _, err := pnats.EnsureStream(ctx, client.JetStream(), stream); err != nil {
		client.Close()
		return nil, err
	}
	return &NATS{js: client.JetStream(), client: client}, nil
}

// NewNATSWithPublisher builds a sink on an existing publisher.
func NewNATSWithPublisher(js Publisher) *NATS {
	return &NATS{js: js}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Send(ctx context.Context, ev *domain.Event) error {
	data, err := Encode(ev)
	if err != nil {
		return backoff.Permanent(err)
	}
	subject := pnats.SubjectForEvent(ev.Source, ev.Kind.String())
	if _, err := n.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Close() error {
	if n.client == nil {
		return nil
	}
	return n.client.Close()
}
