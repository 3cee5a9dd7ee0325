package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/papertrade/paper-engine/internal/metrics"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams events to a Kafka topic keyed by account, so each
// account's events stay ordered within a partition.
type KafkaPublisher struct {
	w       messageWriter
	timeout time.Duration
}

// NewKafkaWriter constructs a kafka.Writer for the event topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Dialer:       dialer,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: int(kafka.RequireOne),
	})
}

// NewKafkaPublisher wraps a writer. Each publish waits at most timeout.
func NewKafkaPublisher(w messageWriter, timeout time.Duration) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{w: w, timeout: timeout}
}

// EnsureTopic attempts to create the topic (best-effort).
func EnsureTopic(ctx context.Context, broker, topic string) {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		slog.Warn("kafka topic check: dial failed", "broker", broker, "err", err)
		return
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		slog.Info("kafka topic create skipped", "topic", topic, "err", err)
	}
}

// Publish writes the event. Failures are logged; the ledger change it
// describes has already committed.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("kafka event marshal failed", "type", ev.Type, "err", err)
		return
	}

	// Detached from the request so a cancelled client does not drop events.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(ev.AccountID),
		Value: b,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := p.w.WriteMessages(wctx, msg); err != nil {
		slog.Error("kafka write failed", "type", ev.Type, "account_id", ev.AccountID, "err", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("kafka", string(ev.Type)).Inc()
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
