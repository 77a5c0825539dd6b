// Package payment is a REST client for the card processor that holds,
// captures and refunds borrower funds.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
)

type IntentStatus string

const (
	StatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	StatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	StatusRequiresAction        IntentStatus = "requires_action"
	StatusProcessing            IntentStatus = "processing"
	StatusRequiresCapture       IntentStatus = "requires_capture"
	StatusSucceeded             IntentStatus = "succeeded"
	StatusCanceled              IntentStatus = "canceled"
)

// Processor error codes the lending flows act on.
const (
	CodeCardDeclined     = "card_declined"
	CodeCanceledByUser   = "payment_intent_canceled_by_user"
	CodeAmountTooLarge   = "amount_too_large"
	CodeIntentUnexpected = "payment_intent_unexpected_state"
)

type Intent struct {
	ID               string       `json:"id"`
	Status           IntentStatus `json:"status"`
	Amount           int64        `json:"amount"`
	AmountCapturable int64        `json:"amount_capturable"`
	AmountReceived   int64        `json:"amount_received"`
	Currency         string       `json:"currency"`
	CaptureMethod    string       `json:"capture_method"`
	Customer         string       `json:"customer"`
	ClientSecret     string       `json:"client_secret"`
	EphemeralKey     string       `json:"ephemeral_key,omitempty"`
	// CancellationReason is "requested_by_customer" when the borrower
	// dismissed the payment sheet.
	CancellationReason string `json:"cancellation_reason,omitempty"`
}

type CreateIntentParams struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Customer      string            `json:"customer"`
	CaptureMethod string            `json:"capture_method"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type PayoutParams struct {
	Destination   string `json:"destination"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	TransferGroup string `json:"transfer_group"`
}

// ProcessorError is a 4xx answer from the processor.
type ProcessorError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("payment processor %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	baseURL    string
	apiKey     string
	currency   string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, currency string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		currency:   currency,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Currency() string {
	return c.currency
}

func (c *Client) CreateIntent(ctx context.Context, params CreateIntentParams, idempotencyKey string) (*Intent, error) {
	if params.Currency == "" {
		params.Currency = c.currency
	}
	var intent Intent
	if err := c.doPost(ctx, "/v1/payment_intents", params, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) GetIntent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	if err := c.doGet(ctx, "/v1/payment_intents/"+url.PathEscape(id), &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) Capture(ctx context.Context, id string, amount int64, idempotencyKey string) (*Intent, error) {
	body := map[string]int64{"amount_to_capture": amount}
	var intent Intent
	if err := c.doPost(ctx, "/v1/payment_intents/"+url.PathEscape(id)+"/capture", body, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) Cancel(ctx context.Context, id string, idempotencyKey string) (*Intent, error) {
	var intent Intent
	if err := c.doPost(ctx, "/v1/payment_intents/"+url.PathEscape(id)+"/cancel", struct{}{}, idempotencyKey, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) Refund(ctx context.Context, intentID string, amount int64, idempotencyKey string) error {
	body := struct {
		PaymentIntent string `json:"payment_intent"`
		Amount        int64  `json:"amount"`
	}{intentID, amount}
	return c.doPost(ctx, "/v1/refunds", body, idempotencyKey, nil)
}

func (c *Client) Payout(ctx context.Context, params PayoutParams, idempotencyKey string) error {
	if params.Currency == "" {
		params.Currency = c.currency
	}
	return c.doPost(ctx, "/v1/transfers", params, idempotencyKey, nil)
}

func (c *Client) doGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.addHeaders(req, "")
	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, path string, body any, idempotencyKey string, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req, idempotencyKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("payment processor request failed", "path", req.URL.Path, "error", err)
		return fmt.Errorf("%w: %v", pkgerrors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: payment processor http %d", pkgerrors.ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		var wrap struct {
			Error ProcessorError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wrap); err != nil {
			return &ProcessorError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		wrap.Error.StatusCode = resp.StatusCode
		return &wrap.Error
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode payment processor response: %w", err)
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request, idempotencyKey string) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

// IsCode reports whether err is a processor error with the given code.
func IsCode(err error, code string) bool {
	var pe *ProcessorError
	return stderrors.As(err, &pe) && pe.Code == code
}
