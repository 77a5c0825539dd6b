package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/honeynil/LendingServiceTochka/internal/models"
)

const (
	EventTransactionReturned = "transaction.returned"
	EventDisputeResolved     = "dispute.resolved"
)

// TransactionEventType names the event emitted when a transaction enters status.
func TransactionEventType(status models.TransactionStatus) string {
	return "transaction." + string(status)
}

type TransactionEvent struct {
	Type           string                   `json:"type"`
	TransactionID  string                   `json:"transaction_id"`
	ListingID      string                   `json:"listing_id"`
	BorrowerID     string                   `json:"borrower_id"`
	LenderID       string                   `json:"lender_id"`
	Status         models.TransactionStatus `json:"status"`
	PreviousStatus models.TransactionStatus `json:"previous_status,omitempty"`
	PaymentStatus  models.PaymentStatus     `json:"payment_status"`
	DisputeID      string                   `json:"dispute_id,omitempty"`
	LenderPercent  *int                     `json:"lender_percent,omitempty"`
	OccurredAt     time.Time                `json:"occurred_at"`
}

// NewTransactionEvent describes tx after a move out of previous.
func NewTransactionEvent(tx *models.Transaction, previous models.TransactionStatus) TransactionEvent {
	return TransactionEvent{
		Type:           TransactionEventType(tx.Status),
		TransactionID:  tx.ID,
		ListingID:      tx.ListingID,
		BorrowerID:     tx.BorrowerID,
		LenderID:       tx.LenderID,
		Status:         tx.Status,
		PreviousStatus: previous,
		PaymentStatus:  tx.PaymentStatus,
		OccurredAt:     time.Now().UTC(),
	}
}

// Publisher writes lifecycle events to one topic keyed by transaction id.
type Publisher struct {
	producer KafkaProducer
	topic    string
}

func NewPublisher(producer KafkaProducer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, ev TransactionEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return p.producer.Send(ctx, p.topic, ev.TransactionID, value)
}
