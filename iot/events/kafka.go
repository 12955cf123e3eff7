package events

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes events as JSON to a Kafka topic, keyed by Event.Key
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaBuilder is a builder helper for the KafkaSink
type KafkaBuilder struct {
	// Brokers are the addresses of the kafka brokers. This is mandatory.
	Brokers []string
	// Topic is the topic events are written to. This is mandatory.
	Topic string
}

// NewKafkaSink returns a new KafkaSink
func NewKafkaSink(b *KafkaBuilder) *KafkaSink {
	if len(b.Brokers) == 0 {
		panic("Brokers are missing")
	}
	if b.Topic == "" {
		panic("Topic is missing")
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(b.Brokers...),
		Topic:                  b.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

// Publish implements Sink
func (k *KafkaSink) Publish(ctx context.Context, events ...Event) error {
	messages := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("cannot marshal event %s: %w", e.ID, err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(e.Key()),
			Value: value,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
			},
		})
	}
	if err := k.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("cannot write events to kafka: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
