package sink

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/lnpulse/internal/platform/kafka"
	"github.com/marko911/lnpulse/pkg/domain"
)

// Producer is the part of a kgo.Client the Kafka sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Kafka produces events to one topic keyed by source, so each node's
// events keep their order within a partition.
type Kafka struct {
	topic    string
	producer Producer
}

// NewKafka creates a producer and makes sure the topic exists.
func NewKafka(ctx context.Context, brokers string, topic kafka.TopicConfig) (*Kafka, error) {
	client, err := kafka.NewProducer(brokers)
	if err != nil {
		return nil, err
	}
	if err := kafka.NewTopicManager(client).EnsureTopics(ctx, topic); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure kafka topic: %w", err)
	}
	return &Kafka{topic: topic.Name, producer: client}, nil
}

// NewKafkaWithProducer builds a sink on an existing producer.
func NewKafkaWithProducer(topic string, p Producer) *Kafka {
	return &Kafka{topic: topic, producer: p}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Send(ctx context.Context, ev *domain.Event) error {
	data, err := Encode(ev)
	if err != nil {
		return backoff.Permanent(err)
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(ev.Source),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "kind", Value: []byte(ev.Kind.String())},
		},
	}
	if err := k.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.producer.Close()
	return nil
}
