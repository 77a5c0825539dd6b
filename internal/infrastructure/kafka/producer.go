package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/observability"
	"github.com/segmentio/kafka-go"
)

type KafkaProducer interface {
	Send(ctx context.Context, topic string, key string, value []byte) error
	Close() error
}

// Producer writes lifecycle events asynchronously. Transactions are the
// message key, so the hash balancer keeps one transaction's events on one
// partition in order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion:   reportBatch,
	}
	return &Producer{writer: writer}
}

// reportBatch runs once per async batch.
func reportBatch(messages []kafka.Message, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		slog.Error("async Kafka write failed", "messages", len(messages), "error", err)
	}
	for _, m := range messages {
		observability.EventsPublished.WithLabelValues(m.Topic, result).Inc()
	}
}

func (p *Producer) Send(ctx context.Context, topic string, transactionID string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(transactionID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("failed to enqueue lifecycle event", "topic", topic, "transaction_id", transactionID, "error", err)
		return err
	}
	slog.Debug("lifecycle event enqueued", "topic", topic, "transaction_id", transactionID)
	return nil
}

func (p *Producer) Close() error {
	// Close flushes pending async batches.
	if err := p.writer.Close(); err != nil {
		slog.Error("failed to close Kafka writer", "error", err)
		return err
	}
	slog.Info("Kafka writer closed")
	return nil
}
