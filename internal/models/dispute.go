package models

import "time"

type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
)

func (s DisputeStatus) Valid() bool {
	switch s {
	case DisputeOpen, DisputeUnderReview, DisputeResolved:
		return true
	}
	return false
}

type Dispute struct {
	ID                string        `json:"id"`
	TransactionID     string        `json:"transactionId"`
	Status            DisputeStatus `json:"status"`
	Reason            string        `json:"reason"`
	EvidenceURLs      []string      `json:"evidenceUrls"`
	ResolutionOutcome string        `json:"resolutionOutcome,omitempty"`
	LenderPercent     *int          `json:"lenderPercent,omitempty"`
	ResolvedBy        string        `json:"resolvedBy,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	ResolvedAt        *time.Time    `json:"resolvedAt,omitempty"`
}

// DepositSplit is the division of a deposit decided by dispute resolution.
type DepositSplit struct {
	LenderAmount   int64 `json:"lenderAmount"`
	BorrowerAmount int64 `json:"borrowerAmount"`
}

// SplitDeposit awards lenderPercent of deposit to the lender, rounded down,
// and the remainder to the borrower.
func SplitDeposit(deposit int64, lenderPercent int) DepositSplit {
	lender := deposit * int64(lenderPercent) / 100
	return DepositSplit{LenderAmount: lender, BorrowerAmount: deposit - lender}
}

type DisputeFilter struct {
	Status DisputeStatus
	UserID string
	Limit  int
	Offset int
}
