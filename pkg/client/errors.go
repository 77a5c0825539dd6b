package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
)

var (
	ErrRequestInFlight  = errors.New("a request for this transaction is already in flight")
	ErrNoPaymentSession = errors.New("no payment session for transaction")
)

// APIError is a non-2xx answer from the lending API.
type APIError struct {
	StatusCode   int
	Message      string
	Kind         string
	Reason       string
	RequiredTier string
	Retryable    bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lending api: http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) ErrorKind() pkgerrors.ErrorKind {
	return pkgerrors.ErrorKind(e.Kind)
}

var knownErrors = []error{
	pkgerrors.ErrTransactionNotFound,
	pkgerrors.ErrListingNotFound,
	pkgerrors.ErrUserNotFound,
	pkgerrors.ErrDisputeNotFound,
	pkgerrors.ErrInvalidDates,
	pkgerrors.ErrDurationOutOfBounds,
	pkgerrors.ErrInvalidRating,
	pkgerrors.ErrInvalidCondition,
	pkgerrors.ErrInvalidPercent,
	pkgerrors.ErrSelfBorrow,
	pkgerrors.ErrInvalidTransition,
	pkgerrors.ErrStateChanged,
	pkgerrors.ErrTransitionInFlight,
	pkgerrors.ErrRequestAlreadyProcessed,
	pkgerrors.ErrAlreadyRated,
	pkgerrors.ErrDisputeResolved,
	pkgerrors.ErrDisputeExists,
	pkgerrors.ErrPaymentRequired,
	pkgerrors.ErrPaymentDeclined,
	pkgerrors.ErrPaymentCanceled,
}

// Unwrap maps the answer back onto the sentinel the server raised so that
// errors.Is and errors.As work the same on both sides of the wire.
func (e *APIError) Unwrap() error {
	switch pkgerrors.ErrorKind(e.Kind) {
	case pkgerrors.KindAccessDenied:
		return &pkgerrors.AccessDeniedError{Reason: e.Reason, RequiredTier: e.RequiredTier}
	case pkgerrors.KindForbidden:
		return pkgerrors.ErrForbidden
	case pkgerrors.KindNetwork:
		return pkgerrors.ErrUpstreamUnavailable
	}
	for _, known := range knownErrors {
		if strings.Contains(e.Message, known.Error()) {
			return known
		}
	}
	switch pkgerrors.ErrorKind(e.Kind) {
	case pkgerrors.KindValidation:
		return pkgerrors.ErrInvalidInput
	case pkgerrors.KindConflict:
		if e.Retryable {
			return pkgerrors.ErrTransitionInFlight
		}
	}
	return nil
}

func newAPIError(status int, body errorBody) *APIError {
	e := &APIError{
		StatusCode:   status,
		Message:      body.Error,
		Kind:         body.Kind,
		Reason:       body.Reason,
		RequiredTier: body.RequiredTier,
		Retryable:    body.Retryable,
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if e.Kind == "" {
		e.Kind = string(kindForStatus(status))
	}
	return e
}

func kindForStatus(status int) pkgerrors.ErrorKind {
	switch {
	case status == http.StatusBadRequest:
		return pkgerrors.KindValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return pkgerrors.KindForbidden
	case status == http.StatusNotFound:
		return pkgerrors.KindNotFound
	case status == http.StatusConflict:
		return pkgerrors.KindConflict
	case status == http.StatusPaymentRequired:
		return pkgerrors.KindPayment
	case status == http.StatusTooManyRequests, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return pkgerrors.KindNetwork
	default:
		return pkgerrors.KindInternal
	}
}

type errorBody struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	Reason       string `json:"reason"`
	RequiredTier string `json:"requiredTier"`
	Retryable    bool   `json:"retryable"`
}

// ReconcileError is returned when a state-changing call failed in transit.
// Latest is the transaction as the server reported it afterwards, or nil
// when the follow-up read failed too. The call may or may not have landed.
type ReconcileError struct {
	Latest *Transaction
	Err    error
}

func (e *ReconcileError) Error() string {
	if e.Latest == nil {
		return fmt.Sprintf("outcome unknown, reconcile failed: %v", e.Err)
	}
	return fmt.Sprintf("outcome unknown, transaction is %s: %v", e.Latest.Status, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}
