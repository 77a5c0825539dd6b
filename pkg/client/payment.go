package client

import (
	"context"
	"fmt"
)

type SheetOutcome int

const (
	SheetCompleted SheetOutcome = iota + 1
	SheetCanceled
)

// PaymentSheet presents the processor's payment UI for a session and reports
// how the borrower left it. An error means the sheet itself failed.
type PaymentSheet interface {
	Present(ctx context.Context, session PaymentSession) (SheetOutcome, error)
}

// PayNow shows the payment sheet for a transaction created by this client
// and confirms the payment with the server once the borrower completes it.
// Dismissing the sheet is not an error; the server-confirmed transaction is
// returned unchanged.
func (c *Client) PayNow(ctx context.Context, id string, sheet PaymentSheet) (*Transaction, error) {
	session, ok := c.Mirror().session(id)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoPaymentSession, id)
	}

	outcome, err := sheet.Present(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("payment sheet: %w", err)
	}
	if outcome != SheetCompleted {
		if tx, ok := c.Mirror().Get(id); ok {
			return tx, nil
		}
		return c.Get(ctx, id)
	}

	return c.ConfirmPayment(ctx, id)
}
