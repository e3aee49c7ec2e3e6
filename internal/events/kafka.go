package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/resilience"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes JSON events to a Kafka topic keyed by record id so
// all events for a record land on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	retry  resilience.RetryConfig
}

// NewKafkaPublisher creates a synchronous publisher for cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, eris.New("events: kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, eris.New("events: kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            1,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, cfg.Topic), nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("kafka", "publish")
	return &KafkaPublisher{writer: w, topic: topic, retry: retry}
}

// Publish implements Publisher. Writes are retried on transient errors.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return eris.Wrapf(err, "events: marshal %s", e.Type)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.RecordID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
			},
		})
	}

	err := resilience.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msgs...)
	})
	if err != nil {
		return eris.Wrapf(err, "events: publish to %s", p.topic)
	}
	zap.L().Debug("events: published", zap.String("topic", p.topic), zap.Int("count", len(msgs)))
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
