package models

import (
	"math"
	"time"
)

type TransactionStatus string

const (
	StatusPending       TransactionStatus = "pending"
	StatusApproved      TransactionStatus = "approved"
	StatusPaid          TransactionStatus = "paid"
	StatusPickedUp      TransactionStatus = "picked_up"
	StatusReturnPending TransactionStatus = "return_pending"
	StatusReturned      TransactionStatus = "returned"
	StatusCompleted     TransactionStatus = "completed"
	StatusCancelled     TransactionStatus = "cancelled"
	StatusDisputed      TransactionStatus = "disputed"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusPaid, StatusPickedUp, StatusReturnPending,
		StatusReturned, StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentNone       PaymentStatus = "none"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentReleased   PaymentStatus = "released"
)

func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentNone, PaymentAuthorized, PaymentCaptured, PaymentReleased:
		return true
	}
	return false
}

type Transaction struct {
	ID              string            `json:"id"`
	ListingID       string            `json:"listingId"`
	BorrowerID      string            `json:"borrowerId"`
	LenderID        string            `json:"lenderId"`
	Status          TransactionStatus `json:"status"`
	StartDate       time.Time         `json:"startDate"`
	EndDate         time.Time         `json:"endDate"`
	RentalDays      int               `json:"rentalDays"`
	RentalFee       int64             `json:"rentalFee"`
	DepositAmount   int64             `json:"depositAmount"`
	PaymentStatus   PaymentStatus     `json:"paymentStatus"`
	PaymentIntentID string            `json:"-"`
	Message         string            `json:"message,omitempty"`
	LenderResponse  string            `json:"lenderResponse,omitempty"`
	PickupCondition Condition         `json:"pickupCondition,omitempty"`
	ReturnCondition Condition         `json:"returnCondition,omitempty"`
	LenderRated     bool              `json:"lenderRated"`
	BorrowerRated   bool              `json:"borrowerRated"`
	SettledAt       *time.Time        `json:"settledAt,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Total is the amount placed on hold when the borrow request is created.
func (t *Transaction) Total() int64 {
	return t.RentalFee + t.DepositAmount
}

// RequiresPayment is true for paid rentals. Free rentals never hold funds,
// deposit included.
func (t *Transaction) RequiresPayment() bool {
	return t.RentalFee > 0
}

func (t *Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BorrowerID || userID == t.LenderID)
}

// Counterpart returns the other party of the transaction.
func (t *Transaction) Counterpart(userID string) string {
	if userID == t.BorrowerID {
		return t.LenderID
	}
	return t.BorrowerID
}

// RentalDays rounds the requested interval up to whole days.
func RentalDays(start, end time.Time) int {
	return int(math.Ceil(end.Sub(start).Hours() / 24))
}

type TransactionRole string

const (
	RoleBorrower TransactionRole = "borrower"
	RoleLender   TransactionRole = "lender"
)

type TransactionFilter struct {
	UserID string
	Role   TransactionRole
	Status TransactionStatus
	Limit  int
	Offset int
}
