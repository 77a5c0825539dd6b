package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/kafka"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/payment"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/redis"
	"github.com/honeynil/LendingServiceTochka/internal/lifecycle"
	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc       *transactionService
	store     *store
	proc      *fakeProcessor
	publisher *recordingPublisher
	mr        *miniredis.Miniredis
	disputes  *disputeResolver
}

func newHarness(t *testing.T, completion lifecycle.CompletionPolicy) *harness {
	t.Helper()
	mr, client := newRedis(t)
	st := newStore()
	proc := newFakeProcessor()
	pub := &recordingPublisher{}
	locker := redis.NewLocker(client, time.Minute)

	listings := fakeListingRepo{
		"paid": {ID: "paid", OwnerID: "lender", Visibility: models.VisibilityNeighborhood, PricePerDay: 500, DepositAmount: 2000, MinDuration: 1, MaxDuration: 7, Condition: models.ConditionGood},
		"free": {ID: "free", OwnerID: "lender", Visibility: models.VisibilityCloseFriends, IsFree: true, DepositAmount: 1000, MinDuration: 1, MaxDuration: 7, Condition: models.ConditionLikeNew},
	}
	users := fakeUserRepo{
		"borrower": {ID: "borrower", SubscriptionTier: models.TierPlus, IsVerified: true},
		"basic":    {ID: "basic", SubscriptionTier: models.TierFree, IsVerified: true},
		"lender":   {ID: "lender", SubscriptionTier: models.TierPlus, IsVerified: true},
	}

	payments := NewPaymentOrchestrator(proc)
	disputes := NewDisputeResolver(fakeDisputeRepo{st}, fakeTransactionRepo{st}, payments, locker, pub)
	svc := NewTransactionService(
		fakeTransactionRepo{st},
		listings,
		users,
		NewAccessGate(allowAll{}, nil, AccessPolicy{FailOpen: true}),
		payments,
		disputes,
		NewRatingGate(fakeRatingRepo{st}),
		client,
		locker,
		pub,
		TransactionPolicy{Completion: completion, IdempotencyTTL: time.Hour},
	)
	return &harness{svc: svc, store: st, proc: proc, publisher: pub, mr: mr, disputes: disputes}
}

var rentalStart = time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)

func request(listingID string, days int) CreateRequest {
	return CreateRequest{
		ListingID: listingID,
		StartDate: rentalStart,
		EndDate:   rentalStart.AddDate(0, 0, days),
		Message:   "  for the weekend  ",
	}
}

// pickedUp drives a paid rental to picked_up with the hold captured.
func (h *harness) pickedUp(t *testing.T) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	res, err := h.svc.Create(ctx, "borrower", request("paid", 3))
	require.NoError(t, err)
	id := res.Transaction.ID

	h.proc.confirm(res.Transaction.PaymentIntentID)
	_, err = h.svc.ConfirmPayment(ctx, "borrower", id)
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, "lender", id)
	require.NoError(t, err)
	tx, err := h.svc.ConfirmPickup(ctx, "lender", id, "")
	require.NoError(t, err)
	return tx
}

func TestTransactionService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("paid request holds fee plus deposit", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)

		res, err := h.svc.Create(ctx, "borrower", request("paid", 3))
		require.NoError(t, err)
		tx := res.Transaction
		assert.Equal(t, models.StatusPending, tx.Status)
		assert.Equal(t, "lender", tx.LenderID)
		assert.Equal(t, 3, tx.RentalDays)
		assert.Equal(t, int64(1500), tx.RentalFee)
		assert.Equal(t, int64(2000), tx.DepositAmount)
		assert.Equal(t, "for the weekend", tx.Message)
		require.NotNil(t, res.Payment)
		assert.Equal(t, int64(3500), h.proc.intent(tx.PaymentIntentID).Amount)

		stored := h.store.get(tx.ID)
		assert.Equal(t, models.StatusPending, stored.Status)
		assert.Equal(t, []string{"transaction.pending"}, h.publisher.types())
	})

	t.Run("free request never holds funds", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)

		res, err := h.svc.Create(ctx, "basic", request("free", 2))
		require.NoError(t, err)
		assert.Nil(t, res.Payment)
		assert.Zero(t, res.Transaction.RentalFee)
		assert.Zero(t, res.Transaction.DepositAmount)
		assert.Empty(t, h.proc.intents)
	})

	t.Run("rejections", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		inverted := request("paid", 2)
		inverted.EndDate = inverted.StartDate.Add(-time.Hour)

		tests := []struct {
			name     string
			borrower string
			req      CreateRequest
			wantErr  error
		}{
			{"missing listing id", "borrower", CreateRequest{StartDate: rentalStart, EndDate: rentalStart.AddDate(0, 0, 1)}, pkgerrors.ErrInvalidInput},
			{"end before start", "borrower", inverted, pkgerrors.ErrInvalidDates},
			{"own listing", "lender", request("paid", 2), pkgerrors.ErrSelfBorrow},
			{"too long", "borrower", request("paid", 8), pkgerrors.ErrDurationOutOfBounds},
			{"unknown listing", "borrower", request("nope", 2), pkgerrors.ErrListingNotFound},
			{"paid listing without plus", "basic", request("paid", 2), pkgerrors.ErrSubscriptionRequired},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := h.svc.Create(ctx, tt.borrower, tt.req)
				assert.ErrorIs(t, err, tt.wantErr)
			})
		}
		assert.Empty(t, h.store.txs)
		assert.Empty(t, h.proc.intents)
	})

	t.Run("idempotency key replays the first result", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		req := request("paid", 2)
		req.IdempotencyKey = "k-1"

		first, err := h.svc.Create(ctx, "borrower", req)
		require.NoError(t, err)
		second, err := h.svc.Create(ctx, "borrower", req)
		require.NoError(t, err)

		assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
		assert.Equal(t, first.Payment.ClientSecret, second.Payment.ClientSecret)
		assert.Len(t, h.store.txs, 1)
		assert.Len(t, h.proc.intents, 1)
	})

	t.Run("key in flight is refused", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		require.NoError(t, h.mr.Set("idem:create:borrower:k-2", inFlightMarker))
		req := request("paid", 2)
		req.IdempotencyKey = "k-2"

		_, err := h.svc.Create(ctx, "borrower", req)
		assert.ErrorIs(t, err, pkgerrors.ErrRequestAlreadyProcessed)
	})

	t.Run("failed request frees its key", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		h.proc.failures["create"] = pkgerrors.ErrUpstreamUnavailable
		req := request("paid", 2)
		req.IdempotencyKey = "k-3"

		_, err := h.svc.Create(ctx, "borrower", req)
		assert.ErrorIs(t, err, pkgerrors.ErrUpstreamUnavailable)
		assert.False(t, h.mr.Exists("idem:create:borrower:k-3"))

		delete(h.proc.failures, "create")
		_, err = h.svc.Create(ctx, "borrower", req)
		assert.NoError(t, err)
	})
}

func TestTransactionService_PaidLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.CompleteOnBothRatings)

	res, err := h.svc.Create(ctx, "borrower", request("paid", 3))
	require.NoError(t, err)
	id := res.Transaction.ID

	// Lender approves before the borrower finished the payment sheet.
	tx, err := h.svc.Approve(ctx, "lender", id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, tx.Status)

	_, err = h.svc.ConfirmPickup(ctx, "lender", id, "")
	assert.ErrorIs(t, err, pkgerrors.ErrPaymentRequired)

	h.proc.confirm(res.Transaction.PaymentIntentID)
	tx, err = h.svc.ConfirmPayment(ctx, "borrower", id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, tx.Status)
	assert.Equal(t, models.PaymentCaptured, tx.PaymentStatus)
	assert.Equal(t, []int64{3500}, h.proc.captured)

	tx, err = h.svc.ConfirmPickup(ctx, "lender", id, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPickedUp, tx.Status)
	assert.Equal(t, models.ConditionGood, tx.PickupCondition)

	tx, err = h.svc.MarkReturned(ctx, "borrower", id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReturnPending, tx.Status)

	tx, err = h.svc.ConfirmReturn(ctx, "lender", id, models.ConditionLikeNew, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReturned, tx.Status)
	assert.Contains(t, h.publisher.types(), kafka.EventTransactionReturned)

	require.NoError(t, h.svc.Settle(ctx, id))
	require.NoError(t, h.svc.Settle(ctx, id))
	assert.Equal(t, []int64{2000}, h.proc.refunds)
	require.Len(t, h.proc.payouts, 1)
	assert.Equal(t, int64(1500), h.proc.payouts[0].Amount)
	assert.NotNil(t, h.store.get(id).SettledAt)

	tx, err = h.svc.Rate(ctx, "borrower", id, 5, "great drill")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReturned, tx.Status)
	assert.True(t, tx.BorrowerRated)

	retried, err := h.svc.Rate(ctx, "borrower", id, 5, "great drill")
	require.NoError(t, err)
	assert.True(t, retried.BorrowerRated)
	assert.Len(t, h.store.ratings, 1)

	h.mr.Del("idem:" + id + ":rate:borrower")
	_, err = h.svc.Rate(ctx, "borrower", id, 4, "")
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyRated)

	tx, err = h.svc.Rate(ctx, "lender", id, 4, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	assert.Len(t, h.store.ratings, 2)
	assert.Equal(t, models.StatusCompleted, h.store.get(id).Status)
}

func TestTransactionService_SettleHoldsTransactionLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.CompleteOnBothRatings)
	id := h.returned(t)

	require.NoError(t, h.mr.Set("transaction:"+id+":lock", "rating-in-progress"))
	err := h.svc.Settle(ctx, id)
	assert.ErrorIs(t, err, pkgerrors.ErrTransitionInFlight)
	assert.Empty(t, h.proc.refunds)
	assert.Nil(t, h.store.get(id).SettledAt)

	h.mr.Del("transaction:" + id + ":lock")
	_, err = h.svc.Rate(ctx, "borrower", id, 5, "")
	require.NoError(t, err)
	require.NoError(t, h.svc.Settle(ctx, id))

	stored := h.store.get(id)
	assert.True(t, stored.BorrowerRated)
	assert.NotNil(t, stored.SettledAt)
	assert.Equal(t, []int64{2000}, h.proc.refunds)
}

func TestTransactionService_FirstRatingCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.CompleteOnFirstRating)
	tx := h.pickedUp(t)

	_, err := h.svc.ConfirmReturn(ctx, "lender", tx.ID, models.ConditionGood, "")
	require.NoError(t, err)

	rated, err := h.svc.Rate(ctx, "lender", tx.ID, 3, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rated.Status)

	rated, err = h.svc.Rate(ctx, "borrower", tx.ID, 5, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rated.Status)
	assert.True(t, rated.LenderRated)
}

func TestTransactionService_WorseReturnOpensDispute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.CompleteOnBothRatings)
	tx := h.pickedUp(t)

	disputed, err := h.svc.ConfirmReturn(ctx, "lender", tx.ID, models.ConditionWorn, "scratched case")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisputed, disputed.Status)
	assert.Equal(t, models.ConditionWorn, disputed.ReturnCondition)
	assert.Contains(t, h.publisher.types(), "transaction.disputed")

	require.Len(t, h.store.disputes, 1)
	for _, d := range h.store.disputes {
		assert.Equal(t, tx.ID, d.TransactionID)
		assert.Equal(t, models.DisputeOpen, d.Status)
		assert.Equal(t, "returned worn, lent good: scratched case", d.Reason)
	}

	// Disputed transactions settle through the resolver only.
	require.NoError(t, h.svc.Settle(ctx, tx.ID))
	assert.Empty(t, h.proc.payouts)

	_, err = h.svc.Rate(ctx, "borrower", tx.ID, 1, "")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
}

func TestTransactionService_DeclineAndCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("decline releases the hold", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "borrower", request("paid", 2))
		require.NoError(t, err)
		id := res.Transaction.ID
		h.proc.confirm(res.Transaction.PaymentIntentID)
		_, err = h.svc.ConfirmPayment(ctx, "borrower", id)
		require.NoError(t, err)

		tx, err := h.svc.Decline(ctx, "lender", id, " busy that week ")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, tx.Status)
		assert.Equal(t, models.PaymentReleased, tx.PaymentStatus)
		assert.Equal(t, "busy that week", tx.LenderResponse)

		again, err := h.svc.Decline(ctx, "lender", id, "busy that week")
		require.NoError(t, err)
		assert.Equal(t, tx.UpdatedAt.Unix(), again.UpdatedAt.Unix())
	})

	t.Run("decline releases a hold the server never heard about", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "borrower", request("paid", 2))
		require.NoError(t, err)
		id := res.Transaction.ID
		// The borrower completed the sheet but confirm-payment was lost.
		h.proc.confirm(res.Transaction.PaymentIntentID)
		require.Equal(t, models.PaymentNone, h.store.get(id).PaymentStatus)

		tx, err := h.svc.Decline(ctx, "lender", id, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, tx.Status)
		assert.Equal(t, models.PaymentReleased, tx.PaymentStatus)
		assert.Equal(t, payment.StatusCanceled, h.proc.intent(res.Transaction.PaymentIntentID).Status)
	})

	t.Run("cancel releases an unconfirmed intent", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "borrower", request("paid", 2))
		require.NoError(t, err)
		id := res.Transaction.ID

		tx, err := h.svc.Cancel(ctx, "borrower", id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, tx.Status)
		assert.Equal(t, models.PaymentReleased, tx.PaymentStatus)
		assert.Equal(t, payment.StatusCanceled, h.proc.intent(res.Transaction.PaymentIntentID).Status)
	})

	t.Run("decline after the borrower dismissed the sheet", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "borrower", request("paid", 2))
		require.NoError(t, err)
		h.proc.dismiss(res.Transaction.PaymentIntentID)

		tx, err := h.svc.Decline(ctx, "lender", res.Transaction.ID, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, tx.Status)
		assert.Equal(t, models.PaymentReleased, tx.PaymentStatus)
	})

	t.Run("only the borrower cancels", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "basic", request("free", 2))
		require.NoError(t, err)
		id := res.Transaction.ID

		_, err = h.svc.Cancel(ctx, "lender", id)
		assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

		tx, err := h.svc.Cancel(ctx, "basic", id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, tx.Status)
	})

	t.Run("cancel after approval is rejected", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "basic", request("free", 2))
		require.NoError(t, err)
		_, err = h.svc.Approve(ctx, "lender", res.Transaction.ID)
		require.NoError(t, err)

		_, err = h.svc.Cancel(ctx, "basic", res.Transaction.ID)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
	})
}

func TestTransactionService_TransitionGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("borrower cannot approve", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "borrower", request("paid", 2))
		require.NoError(t, err)

		_, err = h.svc.Approve(ctx, "borrower", res.Transaction.ID)
		assert.ErrorIs(t, err, pkgerrors.ErrForbidden)
	})

	t.Run("stored result is not replayed to the wrong role", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "basic", request("free", 2))
		require.NoError(t, err)
		id := res.Transaction.ID
		_, err = h.svc.Approve(ctx, "lender", id)
		require.NoError(t, err)
		require.True(t, h.mr.Exists("idem:"+id+":approve"))

		_, err = h.svc.Approve(ctx, "basic", id)
		assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

		_, err = h.svc.Decline(ctx, "lender", id, "")
		require.NoError(t, err)
		_, err = h.svc.Decline(ctx, "basic", id, "")
		assert.ErrorIs(t, err, pkgerrors.ErrForbidden)
	})

	t.Run("locked transaction is in flight", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "borrower", request("paid", 2))
		require.NoError(t, err)
		id := res.Transaction.ID
		require.NoError(t, h.mr.Set("transaction:"+id+":lock", "other-replica"))

		_, err = h.svc.Approve(ctx, "lender", id)
		assert.ErrorIs(t, err, pkgerrors.ErrTransitionInFlight)
		assert.True(t, pkgerrors.Retryable(err))
		assert.Equal(t, models.StatusPending, h.store.get(id).Status)
	})

	t.Run("concurrent writer wins", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "basic", request("free", 2))
		require.NoError(t, err)
		id := res.Transaction.ID

		h.store.beforeUpdate = func() {
			h.store.mu.Lock()
			defer h.store.mu.Unlock()
			tx := h.store.txs[id]
			tx.Status = models.StatusCancelled
			h.store.txs[id] = tx
		}
		_, err = h.svc.Approve(ctx, "lender", id)
		assert.ErrorIs(t, err, pkgerrors.ErrStateChanged)
		assert.False(t, h.mr.Exists("idem:"+id+":approve"))
	})

	t.Run("approve replays the stored result", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)
		res, err := h.svc.Create(ctx, "basic", request("free", 2))
		require.NoError(t, err)
		id := res.Transaction.ID

		first, err := h.svc.Approve(ctx, "lender", id)
		require.NoError(t, err)
		assert.True(t, h.mr.Exists("idem:"+id+":approve"))

		second, err := h.svc.Approve(ctx, "lender", id)
		require.NoError(t, err)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, []string{"transaction.pending", "transaction.approved"}, h.publisher.types())
	})

	t.Run("invalid inputs fail before loading", func(t *testing.T) {
		h := newHarness(t, lifecycle.CompleteOnBothRatings)

		_, err := h.svc.Rate(ctx, "borrower", "missing", 0, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidRating)
		_, err = h.svc.ConfirmReturn(ctx, "lender", "missing", "shiny", "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidCondition)
		_, err = h.svc.ConfirmPickup(ctx, "lender", "missing", "shiny")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidCondition)
	})
}

func TestTransactionService_ConfirmPaymentCanceled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.CompleteOnBothRatings)
	res, err := h.svc.Create(ctx, "borrower", request("paid", 2))
	require.NoError(t, err)
	id := res.Transaction.ID

	h.proc.dismiss(res.Transaction.PaymentIntentID)
	tx, err := h.svc.ConfirmPayment(ctx, "borrower", id)
	assert.ErrorIs(t, err, pkgerrors.ErrPaymentCanceled)
	require.NotNil(t, tx)
	assert.Equal(t, models.StatusPending, tx.Status)
	assert.Equal(t, models.PaymentNone, h.store.get(id).PaymentStatus)
}

func TestTransactionService_GetAndList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, lifecycle.CompleteOnBothRatings)
	res, err := h.svc.Create(ctx, "borrower", request("paid", 2))
	require.NoError(t, err)
	_, err = h.svc.Create(ctx, "basic", request("free", 2))
	require.NoError(t, err)

	tx, err := h.svc.Get(ctx, "lender", res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.ID, tx.ID)

	_, err = h.svc.Get(ctx, "basic", res.Transaction.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	lent, err := h.svc.List(ctx, "lender", models.TransactionFilter{Role: models.RoleLender})
	require.NoError(t, err)
	assert.Len(t, lent, 2)

	borrowed, err := h.svc.List(ctx, "borrower", models.TransactionFilter{Role: models.RoleBorrower})
	require.NoError(t, err)
	assert.Len(t, borrowed, 1)

	_, err = h.svc.List(ctx, "borrower", models.TransactionFilter{Role: "admin"})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	_, err = h.svc.List(ctx, "borrower", models.TransactionFilter{Status: "lost"})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
}
