package models

import "fmt"

type Visibility string

const (
	VisibilityCloseFriends Visibility = "close_friends"
	VisibilityNeighborhood Visibility = "neighborhood"
	VisibilityTown         Visibility = "town"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityCloseFriends, VisibilityNeighborhood, VisibilityTown:
		return true
	}
	return false
}

// Condition is the recorded physical state of an item. Values are ordered
// from best (ConditionNew) to worst (ConditionDamaged).
type Condition string

const (
	ConditionNew     Condition = "new"
	ConditionLikeNew Condition = "like_new"
	ConditionGood    Condition = "good"
	ConditionFair    Condition = "fair"
	ConditionWorn    Condition = "worn"
	ConditionDamaged Condition = "damaged"
)

const conditionUnknown = -1

var conditionRank = map[Condition]int{
	ConditionNew:     5,
	ConditionLikeNew: 4,
	ConditionGood:    3,
	ConditionFair:    2,
	ConditionWorn:    1,
	ConditionDamaged: 0,
}

func ParseCondition(s string) (Condition, error) {
	c := Condition(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown condition %q", s)
	}
	return c, nil
}

func (c Condition) Valid() bool {
	_, ok := conditionRank[c]
	return ok
}

func (c Condition) rank() int {
	if r, ok := conditionRank[c]; ok {
		return r
	}
	return conditionUnknown
}

// AtLeast reports whether c is the same as or better than other.
// An unknown condition is never at least anything.
func (c Condition) AtLeast(other Condition) bool {
	r := c.rank()
	if r == conditionUnknown || other.rank() == conditionUnknown {
		return false
	}
	return r >= other.rank()
}

type Listing struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	Title         string     `json:"title"`
	Visibility    Visibility `json:"visibility"`
	IsFree        bool       `json:"isFree"`
	PricePerDay   int64      `json:"pricePerDay"`
	DepositAmount int64      `json:"depositAmount"`
	MinDuration   int        `json:"minDuration"`
	MaxDuration   int        `json:"maxDuration"`
	Condition     Condition  `json:"condition"`
}

// RequiresPayment is true when borrowing the listing costs a rental fee.
func (l *Listing) RequiresPayment() bool {
	return !l.IsFree && l.PricePerDay > 0
}

func (l *Listing) Validate() error {
	if l.MinDuration <= 0 || l.MaxDuration <= 0 {
		return fmt.Errorf("listing %s: durations must be positive", l.ID)
	}
	if l.MinDuration > l.MaxDuration {
		return fmt.Errorf("listing %s: min duration %d exceeds max duration %d", l.ID, l.MinDuration, l.MaxDuration)
	}
	if !l.Visibility.Valid() {
		return fmt.Errorf("listing %s: unknown visibility %q", l.ID, l.Visibility)
	}
	return nil
}

// AllowsDuration reports whether days falls within the listing's bounds.
func (l *Listing) AllowsDuration(days int) bool {
	return days >= l.MinDuration && days <= l.MaxDuration
}

// RentalFee is zero for free listings, otherwise price per day times days.
func (l *Listing) RentalFee(days int) int64 {
	if l.IsFree {
		return 0
	}
	return l.PricePerDay * int64(days)
}
