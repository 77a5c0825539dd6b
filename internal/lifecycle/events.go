package lifecycle

import "github.com/honeynil/LendingServiceTochka/internal/models"

// Event is implemented only by the types in this file.
type Event interface {
	Name() string
	event()
}

// Approve is sent by the lender on a pending request.
type Approve struct{}

// ConfirmPayment is sent after the borrower confirmed the held intent with
// the payment processor.
type ConfirmPayment struct{}

// Decline is sent by the lender to refuse the request.
type Decline struct{}

// Cancel is sent by the borrower to withdraw a pending request.
type Cancel struct{}

// ConfirmPickup is sent by the lender when the item is handed over.
type ConfirmPickup struct{}

// MarkReturned is sent by the borrower after handing the item back.
type MarkReturned struct{}

// ConfirmReturn is sent by the lender with the condition observed on return.
type ConfirmReturn struct {
	Condition models.Condition
}

// Rate is sent by either party submitting a rating.
type Rate struct {
	ByLender bool
}

func (Approve) Name() string        { return "approve" }
func (ConfirmPayment) Name() string { return "confirm_payment" }
func (Decline) Name() string        { return "decline" }
func (Cancel) Name() string         { return "cancel" }
func (ConfirmPickup) Name() string  { return "pickup" }
func (MarkReturned) Name() string   { return "mark_returned" }
func (ConfirmReturn) Name() string  { return "return" }
func (Rate) Name() string           { return "rate" }

func (Approve) event()        {}
func (ConfirmPayment) event() {}
func (Decline) event()        {}
func (Cancel) event()         {}
func (ConfirmPickup) event()  {}
func (MarkReturned) event()   {}
func (ConfirmReturn) event()  {}
func (Rate) event()           {}
