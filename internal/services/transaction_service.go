package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/kafka"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/observability"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/redis"
	"github.com/honeynil/LendingServiceTochka/internal/lifecycle"
	"github.com/honeynil/LendingServiceTochka/internal/models"
	"github.com/honeynil/LendingServiceTochka/internal/repository"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	maxMessageLength = 2000
	inFlightMarker   = "in_flight"
)

type CreateRequest struct {
	ListingID      string    `json:"listingId"`
	StartDate      time.Time `json:"startDate"`
	EndDate        time.Time `json:"endDate"`
	Message        string    `json:"message,omitempty"`
	IdempotencyKey string    `json:"-"`
}

type CreateResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Payment     *PaymentSession     `json:"payment,omitempty"`
}

type TransactionService interface {
	Create(ctx context.Context, borrowerID string, req CreateRequest) (*CreateResult, error)
	Approve(ctx context.Context, actorID, id string) (*models.Transaction, error)
	Decline(ctx context.Context, actorID, id, reason string) (*models.Transaction, error)
	Cancel(ctx context.Context, actorID, id string) (*models.Transaction, error)
	// ConfirmPayment re-reads the borrower's payment after the client
	// confirmed it. On ErrPaymentCanceled the unchanged transaction is
	// returned alongside the error.
	ConfirmPayment(ctx context.Context, actorID, id string) (*models.Transaction, error)
	ConfirmPickup(ctx context.Context, actorID, id string, condition models.Condition) (*models.Transaction, error)
	MarkReturned(ctx context.Context, actorID, id string) (*models.Transaction, error)
	ConfirmReturn(ctx context.Context, actorID, id string, condition models.Condition, notes string) (*models.Transaction, error)
	Rate(ctx context.Context, actorID, id string, score int, comment string) (*models.Transaction, error)
	Get(ctx context.Context, actorID, id string) (*models.Transaction, error)
	List(ctx context.Context, actorID string, filter models.TransactionFilter) ([]models.Transaction, error)
	Settle(ctx context.Context, id string) error
}

type TransactionPolicy struct {
	Completion     lifecycle.CompletionPolicy
	IdempotencyTTL time.Duration
}

type transactionService struct {
	transactionRepo repository.TransactionRepository
	listingRepo     repository.ListingRepository
	userRepo        repository.UserRepository
	access          AccessGate
	payments        PaymentOrchestrator
	disputes        DisputeResolver
	ratings         RatingGate
	redisClient     redis.RedisClient
	locker          *redis.Locker
	publisher       EventPublisher
	machine         lifecycle.Machine
	idempotencyTTL  time.Duration
}

func NewTransactionService(
	transactionRepo repository.TransactionRepository,
	listingRepo repository.ListingRepository,
	userRepo repository.UserRepository,
	access AccessGate,
	payments PaymentOrchestrator,
	disputes DisputeResolver,
	ratings RatingGate,
	redisClient redis.RedisClient,
	locker *redis.Locker,
	publisher EventPublisher,
	policy TransactionPolicy,
) *transactionService {
	ttl := policy.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &transactionService{
		transactionRepo: transactionRepo,
		listingRepo:     listingRepo,
		userRepo:        userRepo,
		access:          access,
		payments:        payments,
		disputes:        disputes,
		ratings:         ratings,
		redisClient:     redisClient,
		locker:          locker,
		publisher:       publisher,
		machine:         lifecycle.NewMachine(policy.Completion),
		idempotencyTTL:  ttl,
	}
}

func (s *transactionService) Create(ctx context.Context, borrowerID string, req CreateRequest) (*CreateResult, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "Create")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", req.ListingID), attribute.String("borrower_id", borrowerID))

	if borrowerID == "" || req.ListingID == "" {
		span.SetStatus(codes.Error, "missing borrower or listing")
		return nil, pkgerrors.ErrInvalidInput
	}
	if req.StartDate.IsZero() || !req.EndDate.After(req.StartDate) {
		span.SetStatus(codes.Error, "invalid dates")
		return nil, pkgerrors.ErrInvalidDates
	}
	if len(req.Message) > maxMessageLength {
		return nil, fmt.Errorf("message longer than %d bytes: %w", maxMessageLength, pkgerrors.ErrInvalidInput)
	}

	var requestKey string
	if req.IdempotencyKey != "" {
		requestKey = fmt.Sprintf("idem:create:%s:%s", borrowerID, req.IdempotencyKey)
		val, err := s.redisClient.Get(ctx, requestKey)
		switch {
		case err == nil && val == inFlightMarker:
			slog.Warn("create request already in progress", "borrower_id", borrowerID, "idempotency_key", req.IdempotencyKey)
			return nil, pkgerrors.ErrRequestAlreadyProcessed
		case err == nil:
			var cached CreateResult
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				slog.Info("replaying create result", "borrower_id", borrowerID, "transaction_id", cached.Transaction.ID)
				return &cached, nil
			}
		case !stderrors.Is(err, redis.ErrKeyNotFound):
			slog.Error("failed to read request key", "key", requestKey, "error", err)
		}
		ok, err := s.redisClient.SetNX(ctx, requestKey, inFlightMarker, s.idempotencyTTL)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: failed to set request key", pkgerrors.ErrInternal)
		}
		if !ok {
			return nil, pkgerrors.ErrRequestAlreadyProcessed
		}
	}

	result, err := s.create(ctx, borrowerID, req)
	if err != nil {
		if requestKey != "" {
			if delErr := s.redisClient.Del(context.WithoutCancel(ctx), requestKey); delErr != nil {
				slog.Error("failed to clear request key", "key", requestKey, "error", delErr)
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		observability.TransitionsTotal.WithLabelValues("create", "rejected").Inc()
		return nil, err
	}

	if requestKey != "" {
		s.remember(ctx, requestKey, result)
	}
	observability.TransitionsTotal.WithLabelValues("create", "ok").Inc()
	return result, nil
}

func (s *transactionService) create(ctx context.Context, borrowerID string, req CreateRequest) (*CreateResult, error) {
	listing, err := s.listingRepo.GetByID(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.OwnerID == borrowerID {
		return nil, pkgerrors.ErrSelfBorrow
	}
	days := models.RentalDays(req.StartDate, req.EndDate)
	if !listing.AllowsDuration(days) {
		return nil, fmt.Errorf("%d days outside %d..%d: %w", days, listing.MinDuration, listing.MaxDuration, pkgerrors.ErrDurationOutOfBounds)
	}

	borrower, err := s.userRepo.GetByID(ctx, borrowerID)
	if err != nil {
		return nil, err
	}
	decision, err := s.access.Check(ctx, listing, borrower)
	if err != nil {
		return nil, err
	}
	if err := decision.Err(); err != nil {
		slog.Info("borrow request denied", "borrower_id", borrowerID, "listing_id", listing.ID, "reason", decision.Reason)
		return nil, err
	}

	fee := listing.RentalFee(days)
	deposit := listing.DepositAmount
	if fee == 0 {
		deposit = 0
	}
	tx := &models.Transaction{
		ID:            uuid.NewString(),
		ListingID:     listing.ID,
		BorrowerID:    borrowerID,
		LenderID:      listing.OwnerID,
		Status:        models.StatusPending,
		StartDate:     req.StartDate.UTC(),
		EndDate:       req.EndDate.UTC(),
		RentalDays:    days,
		RentalFee:     fee,
		DepositAmount: deposit,
		PaymentStatus: models.PaymentNone,
		Message:       strings.TrimSpace(req.Message),
	}

	work := context.WithoutCancel(ctx)
	session, err := s.payments.Authorize(work, tx)
	if err != nil {
		return nil, err
	}

	if err := s.transactionRepo.Create(work, tx); err != nil {
		if session != nil {
			if relErr := s.payments.Release(work, tx); relErr != nil {
				slog.Error("failed to release intent of unsaved transaction", "transaction_id", tx.ID, "error", relErr)
			}
		}
		return nil, err
	}

	s.publish(work, tx, "")
	slog.Info("borrow request created",
		"transaction_id", tx.ID,
		"listing_id", tx.ListingID,
		"borrower_id", borrowerID,
		"rental_days", days,
		"total", tx.Total())
	return &CreateResult{Transaction: tx, Payment: session}, nil
}

func (s *transactionService) Approve(ctx context.Context, actorID, id string) (*models.Transaction, error) {
	return s.transition(ctx, actorID, id, transitionSpec{
		action: "approve",
		role:   models.RoleLender,
		event:  fixed(lifecycle.Approve{}),
	})
}

func (s *transactionService) Decline(ctx context.Context, actorID, id, reason string) (*models.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxMessageLength {
		return nil, fmt.Errorf("reason longer than %d bytes: %w", maxMessageLength, pkgerrors.ErrInvalidInput)
	}
	return s.transition(ctx, actorID, id, transitionSpec{
		action: "decline",
		role:   models.RoleLender,
		event:  fixed(lifecycle.Decline{}),
		mutate: func(_ context.Context, tx *models.Transaction) error {
			tx.LenderResponse = reason
			return nil
		},
	})
}

func (s *transactionService) Cancel(ctx context.Context, actorID, id string) (*models.Transaction, error) {
	return s.transition(ctx, actorID, id, transitionSpec{
		action: "cancel",
		role:   models.RoleBorrower,
		event:  fixed(lifecycle.Cancel{}),
	})
}

func (s *transactionService) ConfirmPayment(ctx context.Context, actorID, id string) (*models.Transaction, error) {
	return s.transition(ctx, actorID, id, transitionSpec{
		action:   "confirm_payment",
		role:     models.RoleBorrower,
		event:    fixed(lifecycle.ConfirmPayment{}),
		noReplay: true,
	})
}

// ConfirmPickup records condition as the item's state at handover; an
// empty condition takes the listing's recorded one.
func (s *transactionService) ConfirmPickup(ctx context.Context, actorID, id string, condition models.Condition) (*models.Transaction, error) {
	if condition != "" && !condition.Valid() {
		return nil, fmt.Errorf("pickup condition %q: %w", condition, pkgerrors.ErrInvalidCondition)
	}
	return s.transition(ctx, actorID, id, transitionSpec{
		action: "pickup",
		role:   models.RoleLender,
		event:  fixed(lifecycle.ConfirmPickup{}),
		mutate: func(ctx context.Context, tx *models.Transaction) error {
			if condition != "" {
				tx.PickupCondition = condition
				return nil
			}
			listing, err := s.listingRepo.GetByID(ctx, tx.ListingID)
			if err != nil {
				return err
			}
			tx.PickupCondition = listing.Condition
			return nil
		},
	})
}

func (s *transactionService) MarkReturned(ctx context.Context, actorID, id string) (*models.Transaction, error) {
	return s.transition(ctx, actorID, id, transitionSpec{
		action: "mark_returned",
		role:   models.RoleBorrower,
		event:  fixed(lifecycle.MarkReturned{}),
	})
}

// ConfirmReturn completes the handback. A condition worse than at pickup
// opens a dispute instead of returning the deposit.
func (s *transactionService) ConfirmReturn(ctx context.Context, actorID, id string, condition models.Condition, notes string) (*models.Transaction, error) {
	if !condition.Valid() {
		return nil, fmt.Errorf("return condition %q: %w", condition, pkgerrors.ErrInvalidCondition)
	}
	notes = strings.TrimSpace(notes)
	return s.transition(ctx, actorID, id, transitionSpec{
		action: "return",
		role:   models.RoleLender,
		event:  fixed(lifecycle.ConfirmReturn{Condition: condition}),
		mutate: func(_ context.Context, tx *models.Transaction) error {
			tx.ReturnCondition = condition
			return nil
		},
		persist: func(ctx context.Context, tx *models.Transaction, expected models.TransactionStatus) error {
			if tx.Status != models.StatusDisputed {
				return s.transactionRepo.UpdateState(ctx, tx, expected)
			}
			reason := fmt.Sprintf("returned %s, lent %s", condition, tx.PickupCondition)
			if notes != "" {
				reason += ": " + notes
			}
			_, err := s.disputes.Open(ctx, tx, expected, reason)
			return err
		},
	})
}

func (s *transactionService) Rate(ctx context.Context, actorID, id string, score int, comment string) (*models.Transaction, error) {
	if err := s.ratings.ValidateScore(score); err != nil {
		return nil, err
	}
	comment = strings.TrimSpace(comment)
	var rating *models.Rating
	return s.transition(ctx, actorID, id, transitionSpec{
		action: "rate:" + actorID,
		event: func(tx *models.Transaction) lifecycle.Event {
			return lifecycle.Rate{ByLender: actorID == tx.LenderID}
		},
		check: func(tx *models.Transaction) error {
			var err error
			rating, err = s.ratings.Prepare(tx, actorID, score, comment)
			return err
		},
		mutate: func(_ context.Context, tx *models.Transaction) error {
			if actorID == tx.LenderID {
				tx.LenderRated = true
			} else {
				tx.BorrowerRated = true
			}
			return nil
		},
		persist: func(ctx context.Context, tx *models.Transaction, expected models.TransactionStatus) error {
			return s.ratings.Record(ctx, rating, tx, expected)
		},
	})
}

func (s *transactionService) Get(ctx context.Context, actorID, id string) (*models.Transaction, error) {
	ctx, span := otel.Tracer("transaction-service").Start(ctx, "Get")
	defer span.End()

	tx, err := s.transactionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(actorID) {
		return nil, pkgerrors.ErrForbidden
	}
	return tx, nil
}

func (s *transactionService) List(ctx context.Context, actorID string, filter models.TransactionFilter) ([]models.Transaction, error) {
	ctx, span := otel.Tracer("transaction-service").Start(ctx, "List")
	defer span.End()

	switch filter.Role {
	case "", models.RoleBorrower, models.RoleLender:
	default:
		return nil, fmt.Errorf("unknown role %q: %w", filter.Role, pkgerrors.ErrInvalidInput)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", filter.Status, pkgerrors.ErrInvalidInput)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("negative paging: %w", pkgerrors.ErrInvalidInput)
	}
	filter.UserID = actorID
	return s.transactionRepo.List(ctx, filter)
}

// Settle pays out a returned transaction once. Safe to call repeatedly.
func (s *transactionService) Settle(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("transaction-service").Start(ctx, "Settle")
	defer span.End()

	// Same lock as transitions: the payment status written below must not
	// overwrite a concurrent rating on the same row.
	lock, ok, err := s.locker.TryLock(ctx, fmt.Sprintf("transaction:%s:lock", id))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", pkgerrors.ErrInternal, err)
	}
	if !ok {
		return pkgerrors.ErrTransitionInFlight
	}
	defer lock.Unlock(context.WithoutCancel(ctx))

	tx, err := s.transactionRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if tx.SettledAt != nil {
		return nil
	}
	if tx.Status != models.StatusReturned && tx.Status != models.StatusCompleted {
		slog.Warn("skipping settlement", "transaction_id", id, "status", tx.Status)
		return nil
	}

	paymentBefore := tx.PaymentStatus
	if err := s.payments.Settle(ctx, tx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle failed")
		return err
	}
	if tx.PaymentStatus != paymentBefore {
		if err := s.transactionRepo.UpdateState(ctx, tx, tx.Status); err != nil {
			slog.Warn("failed to store settled payment status", "transaction_id", id, "error", err)
		}
	}
	settled, err := s.transactionRepo.MarkSettled(ctx, id)
	if err != nil {
		return err
	}
	if settled {
		slog.Info("settlement recorded", "transaction_id", id)
	}
	return nil
}

type transitionSpec struct {
	// action names the idempotency slot; the metric uses the event name.
	action string

	// noReplay is set for actions that are legal more than once.
	noReplay bool

	// role restricts the sender; empty allows either party.
	role models.TransactionRole

	event func(tx *models.Transaction) lifecycle.Event

	// check runs on the loaded transaction before the state machine.
	check func(tx *models.Transaction) error

	// mutate sets event fields on the next state before effects run.
	mutate func(ctx context.Context, tx *models.Transaction) error

	persist func(ctx context.Context, tx *models.Transaction, expected models.TransactionStatus) error
}

func fixed(ev lifecycle.Event) func(*models.Transaction) lifecycle.Event {
	return func(*models.Transaction) lifecycle.Event { return ev }
}

func (s *transactionService) transition(ctx context.Context, actorID, id string, spec transitionSpec) (*models.Transaction, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "Transition")
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", id), attribute.String("action", spec.action))
	logger := observability.WithContext(ctx, "transaction_id", id, "action", spec.action, "actor_id", actorID)

	resultKey := fmt.Sprintf("idem:%s:%s", id, spec.action)
	if !spec.noReplay {
		if tx, ok := s.replay(ctx, resultKey); ok && authorize(tx, actorID, spec.role) == nil {
			logger.Info("replaying transition result", "status", tx.Status)
			return tx, nil
		}
	}

	lock, ok, err := s.locker.TryLock(ctx, fmt.Sprintf("transaction:%s:lock", id))
	if err != nil {
		span.RecordError(err)
		logger.Error("failed to acquire lock", "error", err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInternal, err)
	}
	if !ok {
		span.SetStatus(codes.Error, "transition in flight")
		return nil, pkgerrors.ErrTransitionInFlight
	}
	defer lock.Unlock(context.WithoutCancel(ctx))

	current, err := s.transactionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(current, actorID, spec.role); err != nil {
		return nil, err
	}
	if spec.check != nil {
		if err := spec.check(current); err != nil {
			return nil, err
		}
	}

	ev := spec.event(current)
	decision, err := s.machine.Next(lifecycle.SnapshotOf(current), ev)
	if err != nil {
		observability.TransitionsTotal.WithLabelValues(ev.Name(), "rejected").Inc()
		span.SetStatus(codes.Error, "rejected")
		logger.Warn("transition rejected", "status", current.Status, "error", err)
		return nil, err
	}
	if decision.NoOp {
		observability.TransitionsTotal.WithLabelValues(ev.Name(), "noop").Inc()
		return current, nil
	}

	// From here on the caller may disconnect; money and state still move.
	work := context.WithoutCancel(ctx)
	expected := current.Status
	next := *current
	next.Status = decision.Next

	if spec.mutate != nil {
		if err := spec.mutate(work, &next); err != nil {
			return nil, err
		}
	}
	if err := s.applyEffect(work, &next, decision.Effect); err != nil {
		observability.TransitionsTotal.WithLabelValues(ev.Name(), "payment_failed").Inc()
		span.RecordError(err)
		logger.Error("payment effect failed", "effect", decision.Effect.String(), "error", err)
		if stderrors.Is(err, pkgerrors.ErrPaymentCanceled) {
			return current, err
		}
		return nil, err
	}

	persist := spec.persist
	if persist == nil {
		persist = s.transactionRepo.UpdateState
	}
	if err := persist(work, &next, expected); err != nil {
		observability.TransitionsTotal.WithLabelValues(ev.Name(), "persist_failed").Inc()
		span.RecordError(err)
		if decision.Effect != lifecycle.EffectNone {
			logger.Error("payment effect applied but state not stored",
				"effect", decision.Effect.String(),
				"payment_status", next.PaymentStatus,
				"error", err)
		}
		return nil, err
	}

	if next.Status != expected {
		s.publish(work, &next, expected)
	}
	if !spec.noReplay {
		s.remember(work, resultKey, &next)
	}
	observability.TransitionsTotal.WithLabelValues(ev.Name(), "ok").Inc()
	logger.Info("transaction transitioned",
		"from", expected,
		"to", next.Status,
		"payment_status", next.PaymentStatus,
		"effect", decision.Effect.String())
	return &next, nil
}

func authorize(tx *models.Transaction, actorID string, role models.TransactionRole) error {
	switch role {
	case models.RoleLender:
		if actorID != tx.LenderID {
			return pkgerrors.ErrForbidden
		}
	case models.RoleBorrower:
		if actorID != tx.BorrowerID {
			return pkgerrors.ErrForbidden
		}
	default:
		if !tx.IsParty(actorID) {
			return pkgerrors.ErrForbidden
		}
	}
	return nil
}

// applyEffect runs the payment side of a decision. Settlement and disputes
// are carried by the settlement consumer and the persist step.
func (s *transactionService) applyEffect(ctx context.Context, tx *models.Transaction, effect lifecycle.Effect) error {
	switch effect {
	case lifecycle.EffectCapture:
		return s.payments.Capture(ctx, tx)
	case lifecycle.EffectRelease:
		return s.payments.Release(ctx, tx)
	case lifecycle.EffectSyncAuthorization:
		return s.payments.SyncAuthorization(ctx, tx)
	}
	return nil
}

func (s *transactionService) publish(ctx context.Context, tx *models.Transaction, previous models.TransactionStatus) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, kafka.NewTransactionEvent(tx, previous)); err != nil {
		slog.Error("failed to publish transaction event", "transaction_id", tx.ID, "status", tx.Status, "error", err)
	}
}

func (s *transactionService) replay(ctx context.Context, key string) (*models.Transaction, bool) {
	val, err := s.redisClient.Get(ctx, key)
	if err != nil {
		if !stderrors.Is(err, redis.ErrKeyNotFound) {
			slog.Warn("failed to read transition result", "key", key, "error", err)
		}
		return nil, false
	}
	var tx models.Transaction
	if err := json.Unmarshal([]byte(val), &tx); err != nil {
		return nil, false
	}
	return &tx, true
}

func (s *transactionService) remember(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal result", "key", key, "error", err)
		return
	}
	if err := s.redisClient.Set(ctx, key, string(data), s.idempotencyTTL); err != nil {
		slog.Warn("failed to store result", "key", key, "error", err)
	}
}
