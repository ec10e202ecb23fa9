package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SubjectPrefix roots every lightning event subject.
const SubjectPrefix = "lightning.events"

// StreamConfig defines the configuration for a JetStream stream.
type StreamConfig struct {
	Name        string   `yaml:"name"`
	Subjects    []string `yaml:"subjects"`
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration `yaml:"max_age"`   // 0 = unlimited
	MaxBytes    int64         `yaml:"max_bytes"` // 0 = unlimited
	Replicas    int           `yaml:"replicas"`
	Description string        `yaml:"description"`
}

// DefaultEventsStreamConfig returns the stream that captures every gateway
// event.
func DefaultEventsStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "LIGHTNING_EVENTS",
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Replicas:    1,
		Description: "Lightning node and chain events",
	}
}

// EnsureStream creates or updates a JetStream stream. It is idempotent.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		// Publishes carry the event id, so retries inside this window are
		// stored once.
		Duplicates: 2 * time.Minute,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// ConsumerConfig defines a durable JetStream consumer.
type ConsumerConfig struct {
	Name          string
	FilterSubject string
	DeliverPolicy jetstream.DeliverPolicy
	AckWait       time.Duration
	MaxAckPending int
}

// DefaultConsumerConfig returns a consumer reading every event from the
// start of the stream.
func DefaultConsumerConfig(name string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
		MaxAckPending: 1000,
	}
}

// EnsureConsumer creates or updates a durable consumer on stream.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		DeliverPolicy: cfg.DeliverPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// SubjectForEvent returns lightning.events.<source>.<kind>.
func SubjectForEvent(source, kind string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, token(source), kind)
}

// SubjectForSource returns the wildcard subject for one source.
func SubjectForSource(source string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, token(source))
}

// token makes a source name safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	b := []byte(s)
	for i, c := range b {
		switch c {
		case '.', '*', '>', ' ', '\t':
			b[i] = '_'
		}
	}
	return string(b)
}
