package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/kafka"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/redis"
	"github.com/honeynil/LendingServiceTochka/internal/models"
	"github.com/honeynil/LendingServiceTochka/internal/repository"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Actor is the authenticated caller.
type Actor struct {
	ID       string
	Operator bool
}

type EventPublisher interface {
	Publish(ctx context.Context, ev kafka.TransactionEvent) error
}

type DisputeResolver interface {
	// Open records a dispute and moves tx to disputed atomically.
	Open(ctx context.Context, tx *models.Transaction, expected models.TransactionStatus, reason string) (*models.Dispute, error)
	Get(ctx context.Context, actor Actor, id string) (*models.Dispute, error)
	List(ctx context.Context, actor Actor, filter models.DisputeFilter) ([]models.Dispute, error)
	AddEvidence(ctx context.Context, actor Actor, id string, urls []string) (*models.Dispute, error)
	MarkUnderReview(ctx context.Context, actor Actor, id string) (*models.Dispute, error)
	Resolve(ctx context.Context, actor Actor, id, outcome string, lenderPercent int) (*models.Dispute, error)
}

type disputeResolver struct {
	disputeRepo     repository.DisputeRepository
	transactionRepo repository.TransactionRepository
	payments        PaymentOrchestrator
	locker          *redis.Locker
	publisher       EventPublisher
}

func NewDisputeResolver(
	disputeRepo repository.DisputeRepository,
	transactionRepo repository.TransactionRepository,
	payments PaymentOrchestrator,
	locker *redis.Locker,
	publisher EventPublisher,
) *disputeResolver {
	return &disputeResolver{
		disputeRepo:     disputeRepo,
		transactionRepo: transactionRepo,
		payments:        payments,
		locker:          locker,
		publisher:       publisher,
	}
}

func (r *disputeResolver) Open(ctx context.Context, tx *models.Transaction, expected models.TransactionStatus, reason string) (*models.Dispute, error) {
	ctx, span := otel.Tracer("dispute-resolver").Start(ctx, "Open")
	defer span.End()

	if tx == nil {
		return nil, pkgerrors.ErrNilTransaction
	}
	d := &models.Dispute{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Status:        models.DisputeOpen,
		Reason:        reason,
		EvidenceURLs:  []string{},
	}
	if err := r.disputeRepo.Open(ctx, d, tx, expected); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispute not opened")
		return nil, err
	}
	slog.Info("dispute opened", "dispute_id", d.ID, "transaction_id", tx.ID, "reason", reason)
	return d, nil
}

func (r *disputeResolver) Get(ctx context.Context, actor Actor, id string) (*models.Dispute, error) {
	ctx, span := otel.Tracer("dispute-resolver").Start(ctx, "Get")
	defer span.End()

	d, _, err := r.load(ctx, actor, id)
	return d, err
}

func (r *disputeResolver) List(ctx context.Context, actor Actor, filter models.DisputeFilter) ([]models.Dispute, error) {
	ctx, span := otel.Tracer("dispute-resolver").Start(ctx, "List")
	defer span.End()

	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown dispute status %q: %w", filter.Status, pkgerrors.ErrInvalidInput)
	}
	if !actor.Operator {
		filter.UserID = actor.ID
	}
	return r.disputeRepo.List(ctx, filter)
}

func (r *disputeResolver) AddEvidence(ctx context.Context, actor Actor, id string, urls []string) (*models.Dispute, error) {
	ctx, span := otel.Tracer("dispute-resolver").Start(ctx, "AddEvidence")
	defer span.End()

	if len(urls) == 0 {
		return nil, fmt.Errorf("no evidence urls: %w", pkgerrors.ErrInvalidInput)
	}
	for _, raw := range urls {
		u, err := url.ParseRequestURI(raw)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, fmt.Errorf("evidence url %q: %w", raw, pkgerrors.ErrInvalidInput)
		}
	}

	d, tx, err := r.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(actor.ID) {
		return nil, pkgerrors.ErrForbidden
	}
	if d.Status == models.DisputeResolved {
		return nil, pkgerrors.ErrDisputeResolved
	}

	if err := r.disputeRepo.AddEvidence(ctx, id, urls); err != nil {
		span.RecordError(err)
		return nil, err
	}
	d.EvidenceURLs = append(d.EvidenceURLs, urls...)
	slog.Info("dispute evidence added", "dispute_id", id, "user_id", actor.ID, "count", len(urls))
	return d, nil
}

func (r *disputeResolver) MarkUnderReview(ctx context.Context, actor Actor, id string) (*models.Dispute, error) {
	ctx, span := otel.Tracer("dispute-resolver").Start(ctx, "MarkUnderReview")
	defer span.End()

	if !actor.Operator {
		return nil, pkgerrors.ErrForbidden
	}
	d, err := r.disputeRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case models.DisputeUnderReview:
		return d, nil
	case models.DisputeResolved:
		return nil, pkgerrors.ErrDisputeResolved
	}
	if err := r.disputeRepo.MarkUnderReview(ctx, id); err != nil {
		span.RecordError(err)
		return nil, err
	}
	d.Status = models.DisputeUnderReview
	slog.Info("dispute under review", "dispute_id", id, "operator_id", actor.ID)
	return d, nil
}

// Resolve settles the deposit once. Payments run before the outcome is
// stored and carry idempotency keys, so a retry after a partial failure
// repeats them harmlessly.
func (r *disputeResolver) Resolve(ctx context.Context, actor Actor, id, outcome string, lenderPercent int) (*models.Dispute, error) {
	ctx, span := otel.Tracer("dispute-resolver").Start(ctx, "Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("dispute_id", id), attribute.Int("lender_percent", lenderPercent))

	if !actor.Operator {
		return nil, pkgerrors.ErrForbidden
	}
	if lenderPercent < 0 || lenderPercent > 100 {
		return nil, pkgerrors.ErrInvalidPercent
	}
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return nil, fmt.Errorf("resolution outcome is required: %w", pkgerrors.ErrInvalidInput)
	}

	lock, ok, err := r.locker.TryLock(ctx, "dispute:"+id+":lock")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInternal, err)
	}
	if !ok {
		return nil, pkgerrors.ErrTransitionInFlight
	}
	defer lock.Unlock(context.WithoutCancel(ctx))

	d, tx, err := r.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if d.Status == models.DisputeResolved || d.LenderPercent != nil {
		return nil, pkgerrors.ErrDisputeResolved
	}

	work := context.WithoutCancel(ctx)
	split, err := r.payments.SplitDeposit(work, tx, lenderPercent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "split failed")
		return nil, err
	}

	d.ResolutionOutcome = outcome
	d.LenderPercent = &lenderPercent
	d.ResolvedBy = actor.ID
	if err := r.disputeRepo.Resolve(work, d); err != nil {
		span.RecordError(err)
		slog.Error("deposit split but dispute not stored", "dispute_id", id, "error", err)
		return nil, err
	}
	if _, err := r.transactionRepo.MarkSettled(work, tx.ID); err != nil {
		slog.Error("failed to mark disputed transaction settled", "transaction_id", tx.ID, "error", err)
	}

	ev := kafka.NewTransactionEvent(tx, tx.Status)
	ev.Type = kafka.EventDisputeResolved
	ev.DisputeID = d.ID
	ev.LenderPercent = d.LenderPercent
	if r.publisher != nil {
		if err := r.publisher.Publish(work, ev); err != nil {
			slog.Error("failed to publish dispute event", "dispute_id", d.ID, "error", err)
		}
	}

	slog.Info("dispute resolved",
		"dispute_id", d.ID,
		"transaction_id", tx.ID,
		"operator_id", actor.ID,
		"lender_amount", split.LenderAmount,
		"borrower_amount", split.BorrowerAmount)
	return d, nil
}

// load returns the dispute and its transaction if actor may see them.
func (r *disputeResolver) load(ctx context.Context, actor Actor, id string) (*models.Dispute, *models.Transaction, error) {
	d, err := r.disputeRepo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tx, err := r.transactionRepo.GetByID(ctx, d.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.Operator && !tx.IsParty(actor.ID) {
		return nil, nil, pkgerrors.ErrForbidden
	}
	return d, tx, nil
}
