package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrListingNotFound     = errors.New("listing not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrNilTransaction      = errors.New("transaction is nil")
	ErrNilDispute          = errors.New("dispute is nil")
	ErrNilRating           = errors.New("rating is nil")

	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidDates        = errors.New("end date must be after start date")
	ErrDurationOutOfBounds = errors.New("rental duration out of listing bounds")
	ErrInvalidRating       = errors.New("rating must be between 1 and 5")
	ErrInvalidCondition    = errors.New("invalid item condition")
	ErrInvalidPercent      = errors.New("lender percent must be between 0 and 100")
	ErrSelfBorrow          = errors.New("owner cannot borrow own listing")

	ErrSubscriptionRequired = errors.New("subscription required")
	ErrVerificationRequired = errors.New("identity verification required")
	ErrForbidden            = errors.New("action not permitted for this user")

	ErrInvalidTransition       = errors.New("transition not allowed from current status")
	ErrStateChanged            = errors.New("transaction state changed, refresh")
	ErrTransitionInFlight      = errors.New("another transition is in progress for this transaction")
	ErrRequestAlreadyProcessed = errors.New("request already processed")
	ErrAlreadyRated            = errors.New("already rated this transaction")
	ErrDisputeResolved         = errors.New("dispute already resolved")
	ErrDisputeExists           = errors.New("dispute already exists for transaction")

	ErrPaymentRequired     = errors.New("payment not authorized or captured")
	ErrPaymentDeclined     = errors.New("payment declined")
	ErrPaymentCanceled     = errors.New("payment canceled by user")
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")

	ErrInternal = fmt.Errorf("internal error")
)

// AccessDeniedError carries the reason the access gate refused a borrow request.
type AccessDeniedError struct {
	Reason       string
	RequiredTier string
}

func (e *AccessDeniedError) Error() string {
	if e.RequiredTier != "" {
		return fmt.Sprintf("access denied: %s (requires %s)", e.Reason, e.RequiredTier)
	}
	return fmt.Sprintf("access denied: %s", e.Reason)
}

func (e *AccessDeniedError) Unwrap() error {
	if e.Reason == "verification" {
		return ErrVerificationRequired
	}
	return ErrSubscriptionRequired
}

type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindAccessDenied ErrorKind = "access_denied"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindPayment      ErrorKind = "payment"
	KindNetwork      ErrorKind = "network"
	KindInternal     ErrorKind = "internal"
)

// kinded is implemented by errors that arrive already classified, such as
// API errors decoded by pkg/client.
type kinded interface {
	ErrorKind() ErrorKind
}

// Kind classifies err for callers that need to decide between surfacing,
// prompting, refreshing or retrying.
func Kind(err error) ErrorKind {
	var k kinded
	switch {
	case err == nil:
		return ""
	case errors.As(err, &k):
		return k.ErrorKind()
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidDates),
		errors.Is(err, ErrDurationOutOfBounds), errors.Is(err, ErrInvalidRating),
		errors.Is(err, ErrInvalidCondition), errors.Is(err, ErrInvalidPercent),
		errors.Is(err, ErrSelfBorrow):
		return KindValidation
	case errors.Is(err, ErrSubscriptionRequired), errors.Is(err, ErrVerificationRequired):
		return KindAccessDenied
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrListingNotFound),
		errors.Is(err, ErrUserNotFound), errors.Is(err, ErrDisputeNotFound):
		return KindNotFound
	case errors.Is(err, ErrPaymentRequired), errors.Is(err, ErrPaymentDeclined),
		errors.Is(err, ErrPaymentCanceled):
		return KindPayment
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStateChanged),
		errors.Is(err, ErrTransitionInFlight), errors.Is(err, ErrRequestAlreadyProcessed),
		errors.Is(err, ErrAlreadyRated), errors.Is(err, ErrDisputeResolved),
		errors.Is(err, ErrDisputeExists):
		return KindConflict
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindNetwork
	default:
		return KindInternal
	}
}

// Retryable reports whether repeating the same call may succeed without
// the caller changing anything first.
func Retryable(err error) bool {
	k := Kind(err)
	return k == KindNetwork || errors.Is(err, ErrTransitionInFlight)
}
