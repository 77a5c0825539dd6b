// Package lifecycle holds the borrow transaction state machine as a pure
// function of the current snapshot and an event. It performs no I/O; callers
// apply the returned Effect and persist the next status.
package lifecycle

import (
	"fmt"

	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
)

// CompletionPolicy decides when a returned transaction becomes completed.
type CompletionPolicy string

const (
	// CompleteOnBothRatings requires a rating from each party.
	CompleteOnBothRatings CompletionPolicy = "both"
	// CompleteOnFirstRating completes on whichever rating arrives first.
	CompleteOnFirstRating CompletionPolicy = "first"
)

func ParseCompletionPolicy(s string) (CompletionPolicy, error) {
	switch CompletionPolicy(s) {
	case CompleteOnBothRatings, CompleteOnFirstRating:
		return CompletionPolicy(s), nil
	case "":
		return CompleteOnBothRatings, nil
	}
	return "", fmt.Errorf("unknown completion policy %q", s)
}

// Effect is the side effect a caller must carry out before committing the
// next status.
type Effect int

const (
	EffectNone Effect = iota
	EffectCapture
	EffectRelease
	EffectSettle
	EffectOpenDispute
	EffectSyncAuthorization
	EffectRecordRating
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectCapture:
		return "capture"
	case EffectRelease:
		return "release"
	case EffectSettle:
		return "settle"
	case EffectOpenDispute:
		return "open_dispute"
	case EffectSyncAuthorization:
		return "sync_authorization"
	case EffectRecordRating:
		return "record_rating"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Snapshot is the part of a transaction the machine decides on.
type Snapshot struct {
	Status          models.TransactionStatus
	Payment         models.PaymentStatus
	RequiresPayment bool
	PickupCondition models.Condition
	LenderRated     bool
	BorrowerRated   bool
}

func SnapshotOf(tx *models.Transaction) Snapshot {
	return Snapshot{
		Status:          tx.Status,
		Payment:         tx.PaymentStatus,
		RequiresPayment: tx.RequiresPayment(),
		PickupCondition: tx.PickupCondition,
		LenderRated:     tx.LenderRated,
		BorrowerRated:   tx.BorrowerRated,
	}
}

type Decision struct {
	Next   models.TransactionStatus
	Effect Effect
	// NoOp is set when the event has already been applied; callers report
	// success without touching payments or storage.
	NoOp bool
}

// RejectedError is returned when an event is not allowed in the current status.
type RejectedError struct {
	Status models.TransactionStatus
	Event  string
	cause  error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s not allowed in status %s: %v", e.Event, e.Status, e.cause)
}

func (e *RejectedError) Unwrap() error {
	return e.cause
}

func reject(s Snapshot, ev Event) error {
	return &RejectedError{Status: s.Status, Event: ev.Name(), cause: pkgerrors.ErrInvalidTransition}
}

type Machine struct {
	Completion CompletionPolicy
}

func NewMachine(policy CompletionPolicy) Machine {
	if policy == "" {
		policy = CompleteOnBothRatings
	}
	return Machine{Completion: policy}
}

// Next returns the decision for applying ev to s, or a *RejectedError.
func (m Machine) Next(s Snapshot, ev Event) (Decision, error) {
	if !s.Status.Valid() {
		return Decision{}, fmt.Errorf("unknown status %q: %w", s.Status, pkgerrors.ErrInvalidTransition)
	}

	switch e := ev.(type) {
	case Approve:
		return m.approve(s, e)
	case ConfirmPayment:
		return m.confirmPayment(s, e)
	case Decline:
		return m.decline(s, e)
	case Cancel:
		return m.cancel(s, e)
	case ConfirmPickup:
		return m.confirmPickup(s, e)
	case MarkReturned:
		return m.markReturned(s, e)
	case ConfirmReturn:
		return m.confirmReturn(s, e)
	case Rate:
		return m.rate(s, e)
	default:
		return Decision{}, fmt.Errorf("unhandled event %T: %w", ev, pkgerrors.ErrInvalidTransition)
	}
}

func (m Machine) approve(s Snapshot, ev Approve) (Decision, error) {
	switch s.Status {
	case models.StatusApproved, models.StatusPaid:
		return Decision{Next: s.Status, NoOp: true}, nil
	case models.StatusPending:
		if !s.RequiresPayment {
			return Decision{Next: models.StatusApproved}, nil
		}
		if s.Payment == models.PaymentAuthorized {
			return Decision{Next: models.StatusPaid, Effect: EffectCapture}, nil
		}
		// Hold not confirmed yet: the borrower pays after approval.
		return Decision{Next: models.StatusApproved}, nil
	}
	return Decision{}, reject(s, ev)
}

func (m Machine) confirmPayment(s Snapshot, ev ConfirmPayment) (Decision, error) {
	if !s.RequiresPayment {
		return Decision{}, reject(s, ev)
	}
	switch s.Status {
	case models.StatusPending:
		return Decision{Next: models.StatusPending, Effect: EffectSyncAuthorization}, nil
	case models.StatusApproved:
		return Decision{Next: models.StatusPaid, Effect: EffectCapture}, nil
	case models.StatusPaid:
		return Decision{Next: s.Status, NoOp: true}, nil
	}
	return Decision{}, reject(s, ev)
}

func (m Machine) decline(s Snapshot, ev Decline) (Decision, error) {
	switch s.Status {
	case models.StatusCancelled:
		return Decision{Next: s.Status, NoOp: true}, nil
	case models.StatusPending:
		return Decision{Next: models.StatusCancelled, Effect: releaseIfHeld(s)}, nil
	case models.StatusApproved:
		if s.Payment == models.PaymentCaptured {
			return Decision{}, reject(s, ev)
		}
		return Decision{Next: models.StatusCancelled, Effect: releaseIfHeld(s)}, nil
	}
	return Decision{}, reject(s, ev)
}

func (m Machine) cancel(s Snapshot, ev Cancel) (Decision, error) {
	switch s.Status {
	case models.StatusCancelled:
		return Decision{Next: s.Status, NoOp: true}, nil
	case models.StatusPending:
		return Decision{Next: models.StatusCancelled, Effect: releaseIfHeld(s)}, nil
	}
	return Decision{}, reject(s, ev)
}

// releaseIfHeld releases any paid rental whose money has not moved yet. The
// stored status may lag the processor: a hold the borrower confirmed but the
// server never heard about is still recorded as none.
func releaseIfHeld(s Snapshot) Effect {
	if !s.RequiresPayment {
		return EffectNone
	}
	switch s.Payment {
	case models.PaymentReleased, models.PaymentCaptured:
		return EffectNone
	}
	return EffectRelease
}

func (m Machine) confirmPickup(s Snapshot, ev ConfirmPickup) (Decision, error) {
	switch s.Status {
	case models.StatusPickedUp:
		return Decision{Next: s.Status, NoOp: true}, nil
	case models.StatusApproved, models.StatusPaid:
		if s.RequiresPayment && s.Payment != models.PaymentAuthorized && s.Payment != models.PaymentCaptured {
			return Decision{}, &RejectedError{Status: s.Status, Event: ev.Name(), cause: pkgerrors.ErrPaymentRequired}
		}
		return Decision{Next: models.StatusPickedUp}, nil
	}
	return Decision{}, reject(s, ev)
}

func (m Machine) markReturned(s Snapshot, ev MarkReturned) (Decision, error) {
	switch s.Status {
	case models.StatusReturnPending:
		return Decision{Next: s.Status, NoOp: true}, nil
	case models.StatusPickedUp:
		return Decision{Next: models.StatusReturnPending}, nil
	}
	return Decision{}, reject(s, ev)
}

func (m Machine) confirmReturn(s Snapshot, ev ConfirmReturn) (Decision, error) {
	if !ev.Condition.Valid() {
		return Decision{}, fmt.Errorf("return condition %q: %w", ev.Condition, pkgerrors.ErrInvalidCondition)
	}
	switch s.Status {
	case models.StatusPickedUp, models.StatusReturnPending:
		if ev.Condition.AtLeast(s.PickupCondition) {
			return Decision{Next: models.StatusReturned, Effect: EffectSettle}, nil
		}
		return Decision{Next: models.StatusDisputed, Effect: EffectOpenDispute}, nil
	}
	return Decision{}, reject(s, ev)
}

func (m Machine) rate(s Snapshot, ev Rate) (Decision, error) {
	switch s.Status {
	case models.StatusReturned, models.StatusCompleted:
	default:
		return Decision{}, reject(s, ev)
	}

	if (ev.ByLender && s.LenderRated) || (!ev.ByLender && s.BorrowerRated) {
		return Decision{}, &RejectedError{Status: s.Status, Event: ev.Name(), cause: pkgerrors.ErrAlreadyRated}
	}

	next := s.Status
	if s.Status == models.StatusReturned && m.completes(s, ev) {
		next = models.StatusCompleted
	}
	return Decision{Next: next, Effect: EffectRecordRating}, nil
}

func (m Machine) completes(s Snapshot, ev Rate) bool {
	if m.Completion == CompleteOnFirstRating {
		return true
	}
	if ev.ByLender {
		return s.BorrowerRated
	}
	return s.LenderRated
}
