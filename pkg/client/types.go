package client

import "time"

type Status string

const (
	StatusPending       Status = "pending"
	StatusApproved      Status = "approved"
	StatusPaid          Status = "paid"
	StatusPickedUp      Status = "picked_up"
	StatusReturnPending Status = "return_pending"
	StatusReturned      Status = "returned"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusDisputed      Status = "disputed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDisputed
}

type Transaction struct {
	ID              string     `json:"id"`
	ListingID       string     `json:"listingId"`
	BorrowerID      string     `json:"borrowerId"`
	LenderID        string     `json:"lenderId"`
	Status          Status     `json:"status"`
	StartDate       time.Time  `json:"startDate"`
	EndDate         time.Time  `json:"endDate"`
	RentalDays      int        `json:"rentalDays"`
	RentalFee       int64      `json:"rentalFee"`
	DepositAmount   int64      `json:"depositAmount"`
	PaymentStatus   string     `json:"paymentStatus"`
	Message         string     `json:"message,omitempty"`
	LenderResponse  string     `json:"lenderResponse,omitempty"`
	PickupCondition string     `json:"pickupCondition,omitempty"`
	ReturnCondition string     `json:"returnCondition,omitempty"`
	LenderRated     bool       `json:"lenderRated"`
	BorrowerRated   bool       `json:"borrowerRated"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// PaymentSession is handed to the payment sheet to confirm the hold.
type PaymentSession struct {
	ClientSecret string `json:"clientSecret"`
	EphemeralKey string `json:"ephemeralKey,omitempty"`
	CustomerID   string `json:"customerId,omitempty"`
}

type CreateResult struct {
	Transaction *Transaction    `json:"transaction"`
	Payment     *PaymentSession `json:"payment,omitempty"`
}

// ListingTerms are the duration bounds shown on the listing. When set on a
// CreateRequest they are checked before the request is sent.
type ListingTerms struct {
	MinDuration int
	MaxDuration int
}

type CreateRequest struct {
	ListingID string    `json:"listingId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Message   string    `json:"message,omitempty"`

	// IdempotencyKey is generated when empty. Reuse it to retry a Create
	// whose outcome is unknown.
	IdempotencyKey string        `json:"-"`
	Terms          *ListingTerms `json:"-"`
}

type ListFilter struct {
	Role   string
	Status Status
	Limit  int
	Offset int
}

type AccessDecision struct {
	CanAccess    bool   `json:"canAccess"`
	Reason       string `json:"reason,omitempty"`
	RequiredTier string `json:"requiredTier,omitempty"`
}

type Dispute struct {
	ID                string     `json:"id"`
	TransactionID     string     `json:"transactionId"`
	Status            string     `json:"status"`
	Reason            string     `json:"reason"`
	EvidenceURLs      []string   `json:"evidenceUrls"`
	ResolutionOutcome string     `json:"resolutionOutcome,omitempty"`
	LenderPercent     *int       `json:"lenderPercent,omitempty"`
	ResolvedBy        string     `json:"resolvedBy,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
}
