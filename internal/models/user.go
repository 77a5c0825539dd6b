package models

type SubscriptionTier string

const (
	TierFree SubscriptionTier = "free"
	TierPlus SubscriptionTier = "plus"
)

// User holds only the eligibility state the lending flows read. Both fields
// are owned by the subscription and verification workflows.
type User struct {
	ID               string           `json:"id"`
	SubscriptionTier SubscriptionTier `json:"subscriptionTier"`
	IsVerified       bool             `json:"isVerified"`
}
