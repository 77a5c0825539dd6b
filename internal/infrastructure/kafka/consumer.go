package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Settler pays out a returned transaction. It must be idempotent: the
// consumer redelivers after a crash between settling and committing.
type Settler interface {
	Settle(ctx context.Context, transactionID string) error
}

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}
	d := time.Duration(float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1)))
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, BackoffFactor: 2}

// SettlementConsumer settles transactions announced as returned.
type SettlementConsumer struct {
	reader  MessageReader
	settler Settler
	retry   RetryPolicy
}

func NewSettlementConsumer(brokers []string, topic, groupID string, settler Settler) *SettlementConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return NewSettlementConsumerWithReader(reader, settler, DefaultRetryPolicy)
}

func NewSettlementConsumerWithReader(reader MessageReader, settler Settler, retry RetryPolicy) *SettlementConsumer {
	return &SettlementConsumer{reader: reader, settler: settler, retry: retry}
}

// Consume runs until ctx is done.
func (c *SettlementConsumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("settlement consumer stopped")
				return
			}
			slog.Error("failed to read Kafka message", "error", err)
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("failed to commit Kafka message", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *SettlementConsumer) handle(ctx context.Context, msg kafka.Message) {
	var ev TransactionEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		slog.Error("failed to unmarshal transaction event", "key", string(msg.Key), "error", err)
		return
	}
	if ev.Type != EventTransactionReturned {
		return
	}

	for attempt := 1; ; attempt++ {
		err := c.settler.Settle(ctx, ev.TransactionID)
		if err == nil {
			return
		}
		if attempt > c.retry.MaxRetries || errors.Is(err, context.Canceled) {
			// The settlement sweep picks up unsettled rows after its grace period.
			slog.Error("settlement failed, leaving it to the sweep", "transaction_id", ev.TransactionID, "attempts", attempt, "error", err)
			return
		}
		delay := c.retry.NextDelay(attempt)
		slog.Warn("settlement failed, retrying", "transaction_id", ev.TransactionID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *SettlementConsumer) Close() error {
	return c.reader.Close()
}
