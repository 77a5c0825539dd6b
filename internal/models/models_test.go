package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRentalDays(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, 1, RentalDays(start, start.Add(24*time.Hour)))
	assert.Equal(t, 2, RentalDays(start, start.Add(25*time.Hour)))
	assert.Equal(t, 1, RentalDays(start, start.Add(time.Hour)))
	assert.Equal(t, 7, RentalDays(start, start.AddDate(0, 0, 7)))
}

func TestListingRentalFee(t *testing.T) {
	paid := &Listing{PricePerDay: 5, DepositAmount: 20, MinDuration: 1, MaxDuration: 14}
	assert.Equal(t, int64(35), paid.RentalFee(7))
	assert.True(t, paid.RequiresPayment())

	free := &Listing{IsFree: true, PricePerDay: 5, MinDuration: 1, MaxDuration: 14}
	assert.Equal(t, int64(0), free.RentalFee(7))
	assert.False(t, free.RequiresPayment())

	zeroPrice := &Listing{PricePerDay: 0, MinDuration: 1, MaxDuration: 3}
	assert.False(t, zeroPrice.RequiresPayment())
}

func TestListingAllowsDuration(t *testing.T) {
	l := &Listing{MinDuration: 2, MaxDuration: 5}
	for d := 0; d <= 7; d++ {
		assert.Equal(t, d >= 2 && d <= 5, l.AllowsDuration(d), "days=%d", d)
	}
}

func TestListingValidate(t *testing.T) {
	ok := &Listing{ID: "l1", MinDuration: 1, MaxDuration: 3, Visibility: VisibilityTown}
	assert.NoError(t, ok.Validate())

	inverted := &Listing{ID: "l2", MinDuration: 4, MaxDuration: 3, Visibility: VisibilityTown}
	assert.Error(t, inverted.Validate())

	zero := &Listing{ID: "l3", MinDuration: 0, MaxDuration: 3, Visibility: VisibilityTown}
	assert.Error(t, zero.Validate())

	badScope := &Listing{ID: "l4", MinDuration: 1, MaxDuration: 3, Visibility: "world"}
	assert.Error(t, badScope.Validate())
}

func TestConditionAtLeast(t *testing.T) {
	assert.True(t, ConditionGood.AtLeast(ConditionGood))
	assert.True(t, ConditionNew.AtLeast(ConditionGood))
	assert.False(t, ConditionWorn.AtLeast(ConditionGood))
	assert.False(t, ConditionDamaged.AtLeast(ConditionWorn))
	assert.False(t, Condition("pristine").AtLeast(ConditionDamaged))
	assert.False(t, ConditionNew.AtLeast(Condition("")))

	_, err := ParseCondition("shiny")
	assert.Error(t, err)
	c, err := ParseCondition("like_new")
	assert.NoError(t, err)
	assert.Equal(t, ConditionLikeNew, c)
}

func TestSplitDeposit(t *testing.T) {
	assert.Equal(t, DepositSplit{LenderAmount: 2000, BorrowerAmount: 0}, SplitDeposit(2000, 100))
	assert.Equal(t, DepositSplit{LenderAmount: 0, BorrowerAmount: 2000}, SplitDeposit(2000, 0))
	assert.Equal(t, DepositSplit{LenderAmount: 660, BorrowerAmount: 1341}, SplitDeposit(2001, 33))
}

func TestTransactionParties(t *testing.T) {
	tx := &Transaction{BorrowerID: "b", LenderID: "l", RentalFee: 35, DepositAmount: 20}
	assert.Equal(t, int64(55), tx.Total())
	assert.True(t, tx.IsParty("b"))
	assert.True(t, tx.IsParty("l"))
	assert.False(t, tx.IsParty("x"))
	assert.False(t, tx.IsParty(""))
	assert.Equal(t, "l", tx.Counterpart("b"))
	assert.Equal(t, "b", tx.Counterpart("l"))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusDisputed.IsTerminal())
	assert.False(t, StatusReturned.IsTerminal())
	assert.False(t, TransactionStatus("bogus").Valid())
}
