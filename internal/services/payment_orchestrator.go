package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/observability"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/payment"
	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type PaymentProcessor interface {
	CreateIntent(ctx context.Context, params payment.CreateIntentParams, idempotencyKey string) (*payment.Intent, error)
	GetIntent(ctx context.Context, id string) (*payment.Intent, error)
	Capture(ctx context.Context, id string, amount int64, idempotencyKey string) (*payment.Intent, error)
	Cancel(ctx context.Context, id string, idempotencyKey string) (*payment.Intent, error)
	Refund(ctx context.Context, intentID string, amount int64, idempotencyKey string) error
	Payout(ctx context.Context, params payment.PayoutParams, idempotencyKey string) error
}

// PaymentSession is what the client needs to present the payment sheet.
type PaymentSession struct {
	IntentID     string `json:"-"`
	ClientSecret string `json:"clientSecret"`
	EphemeralKey string `json:"ephemeralKey,omitempty"`
	CustomerID   string `json:"customerId,omitempty"`
}

// PaymentOrchestrator moves borrower funds for a transaction. Methods update
// tx.PaymentStatus and tx.PaymentIntentID in place; callers persist them.
type PaymentOrchestrator interface {
	Authorize(ctx context.Context, tx *models.Transaction) (*PaymentSession, error)
	Capture(ctx context.Context, tx *models.Transaction) error
	Release(ctx context.Context, tx *models.Transaction) error
	SyncAuthorization(ctx context.Context, tx *models.Transaction) error
	Settle(ctx context.Context, tx *models.Transaction) error
	SplitDeposit(ctx context.Context, tx *models.Transaction, lenderPercent int) (models.DepositSplit, error)
}

type paymentOrchestrator struct {
	processor PaymentProcessor
}

func NewPaymentOrchestrator(processor PaymentProcessor) *paymentOrchestrator {
	return &paymentOrchestrator{processor: processor}
}

func idempotencyKey(txID, op string) string {
	return txID + ":" + op
}

func (p *paymentOrchestrator) Authorize(ctx context.Context, tx *models.Transaction) (session *PaymentSession, err error) {
	ctx, span := otel.Tracer("payment-orchestrator").Start(ctx, "Authorize")
	defer span.End()
	defer func() { p.record("authorize", err) }()

	if !tx.RequiresPayment() {
		return nil, nil
	}

	intent, err := p.processor.CreateIntent(ctx, payment.CreateIntentParams{
		Amount:        tx.Total(),
		Customer:      tx.BorrowerID,
		CaptureMethod: "manual",
		Metadata:      map[string]string{"transaction_id": tx.ID, "listing_id": tx.ListingID},
	}, idempotencyKey(tx.ID, "authorize"))
	if err != nil {
		err = mapProcessorError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create intent failed")
		slog.Error("failed to create payment intent", "transaction_id", tx.ID, "amount", tx.Total(), "error", err)
		return nil, err
	}
	if intent.Amount != tx.Total() {
		err = fmt.Errorf("%w: intent amount %d differs from total %d", pkgerrors.ErrInternal, intent.Amount, tx.Total())
		return nil, err
	}

	tx.PaymentIntentID = intent.ID
	tx.PaymentStatus = models.PaymentNone
	if intent.Status == payment.StatusRequiresCapture {
		tx.PaymentStatus = models.PaymentAuthorized
	}
	span.SetAttributes(attribute.String("intent_id", intent.ID))
	slog.Info("payment intent created", "transaction_id", tx.ID, "intent_id", intent.ID, "amount", intent.Amount)

	return &PaymentSession{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		EphemeralKey: intent.EphemeralKey,
		CustomerID:   intent.Customer,
	}, nil
}

func (p *paymentOrchestrator) Capture(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, span := otel.Tracer("payment-orchestrator").Start(ctx, "Capture")
	defer span.End()
	defer func() { p.record("capture", err) }()

	if tx.PaymentStatus == models.PaymentCaptured {
		return nil
	}
	intent, err := p.syncedIntent(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	switch intent.Status {
	case payment.StatusSucceeded:
		tx.PaymentStatus = models.PaymentCaptured
		return nil
	case payment.StatusRequiresCapture:
	default:
		err = fmt.Errorf("intent %s is %s: %w", intent.ID, intent.Status, pkgerrors.ErrPaymentRequired)
		return err
	}

	amount := tx.Total()
	if intent.AmountCapturable > 0 && amount > intent.AmountCapturable {
		amount = intent.AmountCapturable
	}
	if _, err = p.processor.Capture(ctx, intent.ID, amount, idempotencyKey(tx.ID, "capture")); err != nil {
		err = mapProcessorError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		slog.Error("failed to capture payment", "transaction_id", tx.ID, "intent_id", intent.ID, "error", err)
		return err
	}
	tx.PaymentStatus = models.PaymentCaptured
	slog.Info("payment captured", "transaction_id", tx.ID, "amount", amount)
	return nil
}

func (p *paymentOrchestrator) Release(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, span := otel.Tracer("payment-orchestrator").Start(ctx, "Release")
	defer span.End()
	defer func() { p.record("release", err) }()

	switch tx.PaymentStatus {
	case models.PaymentReleased:
		return nil
	case models.PaymentCaptured:
		err = fmt.Errorf("captured payment cannot be released: %w", pkgerrors.ErrInvalidTransition)
		return err
	}
	if tx.PaymentIntentID == "" {
		return nil
	}

	_, err = p.processor.Cancel(ctx, tx.PaymentIntentID, idempotencyKey(tx.ID, "release"))
	if err != nil && payment.IsCode(err, payment.CodeIntentUnexpected) {
		intent, getErr := p.processor.GetIntent(ctx, tx.PaymentIntentID)
		if getErr == nil && intent.Status == payment.StatusCanceled {
			err = nil
		}
	}
	if err != nil {
		err = mapProcessorError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		slog.Error("failed to release payment", "transaction_id", tx.ID, "error", err)
		return err
	}
	tx.PaymentStatus = models.PaymentReleased
	slog.Info("payment released", "transaction_id", tx.ID)
	return nil
}

// SyncAuthorization re-reads the intent after the client confirmed it.
// The processor's answer wins over anything the client reported.
func (p *paymentOrchestrator) SyncAuthorization(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, span := otel.Tracer("payment-orchestrator").Start(ctx, "SyncAuthorization")
	defer span.End()
	defer func() { p.record("sync", err) }()

	intent, err := p.syncedIntent(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if intent.Status != payment.StatusRequiresCapture && intent.Status != payment.StatusSucceeded {
		err = fmt.Errorf("intent %s is %s: %w", intent.ID, intent.Status, pkgerrors.ErrPaymentRequired)
		return err
	}
	return nil
}

// syncedIntent fetches the intent and copies its state onto tx.
func (p *paymentOrchestrator) syncedIntent(ctx context.Context, tx *models.Transaction) (*payment.Intent, error) {
	if tx.PaymentIntentID == "" {
		return nil, fmt.Errorf("transaction %s has no payment intent: %w", tx.ID, pkgerrors.ErrPaymentRequired)
	}
	intent, err := p.processor.GetIntent(ctx, tx.PaymentIntentID)
	if err != nil {
		return nil, mapProcessorError(err)
	}
	switch intent.Status {
	case payment.StatusRequiresCapture:
		tx.PaymentStatus = models.PaymentAuthorized
	case payment.StatusSucceeded:
		tx.PaymentStatus = models.PaymentCaptured
	case payment.StatusCanceled:
		if intent.CancellationReason == "requested_by_customer" {
			return nil, pkgerrors.ErrPaymentCanceled
		}
		tx.PaymentStatus = models.PaymentReleased
	}
	return intent, nil
}

// Settle returns the deposit to the borrower and pays the fee to the lender.
func (p *paymentOrchestrator) Settle(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, span := otel.Tracer("payment-orchestrator").Start(ctx, "Settle")
	defer span.End()
	defer func() { p.record("settle", err) }()

	if err = p.distribute(ctx, tx, tx.RentalFee, tx.DepositAmount, "settle"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle failed")
		slog.Error("failed to settle transaction", "transaction_id", tx.ID, "error", err)
		return err
	}
	slog.Info("transaction settled", "transaction_id", tx.ID, "fee", tx.RentalFee, "deposit_refunded", tx.DepositAmount)
	return nil
}

// SplitDeposit pays the fee plus lenderPercent of the deposit, rounded down,
// to the lender and refunds the rest to the borrower.
func (p *paymentOrchestrator) SplitDeposit(ctx context.Context, tx *models.Transaction, lenderPercent int) (split models.DepositSplit, err error) {
	ctx, span := otel.Tracer("payment-orchestrator").Start(ctx, "SplitDeposit")
	defer span.End()
	defer func() { p.record("split", err) }()

	if lenderPercent < 0 || lenderPercent > 100 {
		return models.DepositSplit{}, pkgerrors.ErrInvalidPercent
	}
	split = models.SplitDeposit(tx.DepositAmount, lenderPercent)
	if err = p.distribute(ctx, tx, tx.RentalFee+split.LenderAmount, split.BorrowerAmount, "split"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "split failed")
		slog.Error("failed to split deposit", "transaction_id", tx.ID, "lender_percent", lenderPercent, "error", err)
		return models.DepositSplit{}, err
	}
	slog.Info("deposit split", "transaction_id", tx.ID, "lender_amount", split.LenderAmount, "borrower_amount", split.BorrowerAmount)
	return split, nil
}

// distribute pays toLender out of the held funds and returns toBorrower.
// An uncaptured hold is captured for toLender only; the processor releases
// the remainder.
func (p *paymentOrchestrator) distribute(ctx context.Context, tx *models.Transaction, toLender, toBorrower int64, op string) error {
	if !tx.RequiresPayment() || tx.PaymentIntentID == "" {
		return nil
	}

	switch tx.PaymentStatus {
	case models.PaymentCaptured:
		if toBorrower > 0 {
			if err := p.processor.Refund(ctx, tx.PaymentIntentID, toBorrower, idempotencyKey(tx.ID, op+"-refund")); err != nil {
				return mapProcessorError(err)
			}
		}
	case models.PaymentAuthorized:
		if toLender > 0 {
			if _, err := p.processor.Capture(ctx, tx.PaymentIntentID, toLender, idempotencyKey(tx.ID, op+"-capture")); err != nil {
				return mapProcessorError(err)
			}
		}
		tx.PaymentStatus = models.PaymentCaptured
	default:
		return fmt.Errorf("payment is %s: %w", tx.PaymentStatus, pkgerrors.ErrPaymentRequired)
	}

	if toLender > 0 {
		err := p.processor.Payout(ctx, payment.PayoutParams{
			Destination:   tx.LenderID,
			Amount:        toLender,
			TransferGroup: tx.ID,
		}, idempotencyKey(tx.ID, op+"-payout"))
		if err != nil {
			return mapProcessorError(err)
		}
	}
	return nil
}

func (p *paymentOrchestrator) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case stderrors.Is(err, pkgerrors.ErrPaymentDeclined):
		result = "declined"
	case stderrors.Is(err, pkgerrors.ErrPaymentCanceled):
		result = "canceled"
	case stderrors.Is(err, pkgerrors.ErrUpstreamUnavailable):
		result = "unavailable"
	default:
		result = "error"
	}
	observability.PaymentOperations.WithLabelValues(op, result).Inc()
}

func mapProcessorError(err error) error {
	switch {
	case err == nil:
		return nil
	case payment.IsCode(err, payment.CodeCardDeclined):
		return fmt.Errorf("%w: %v", pkgerrors.ErrPaymentDeclined, err)
	case payment.IsCode(err, payment.CodeCanceledByUser):
		return fmt.Errorf("%w: %v", pkgerrors.ErrPaymentCanceled, err)
	case stderrors.Is(err, pkgerrors.ErrUpstreamUnavailable):
		return err
	default:
		return fmt.Errorf("payment processor: %w", err)
	}
}
