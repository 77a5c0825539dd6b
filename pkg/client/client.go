// Package client is a Go SDK for the lending HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
)

const reconcileTimeout = 5 * time.Second

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	mirror *Mirror

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		mirror:   NewMirror(),
		inFlight: make(map[string]struct{}),
	}
}

// Mirror exposes the server-confirmed transactions seen by this client.
func (c *Client) Mirror() *Mirror {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mirror == nil {
		c.mirror = NewMirror()
	}
	return c.mirror
}

// begin claims the single-flight slot for key.
func (c *Client) begin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == nil {
		c.inFlight = make(map[string]struct{})
	}
	if _, busy := c.inFlight[key]; busy {
		return false
	}
	c.inFlight[key] = struct{}{}
	return true
}

func (c *Client) end(key string) {
	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
}

// Create opens a borrow request. The idempotency key is generated when the
// request has none; it is sent on every attempt so a retry after a lost
// response does not create a second transaction.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if !c.begin("create:" + req.IdempotencyKey) {
		return nil, ErrRequestInFlight
	}
	defer c.end("create:" + req.IdempotencyKey)

	var result CreateResult
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	if err := c.doPost(ctx, c.url("/transactions"), req, headers, &result); err != nil {
		return nil, fmt.Errorf("create transaction (idempotency key %s): %w", req.IdempotencyKey, err)
	}

	c.Mirror().Store(result.Transaction)
	if result.Transaction != nil && result.Payment != nil {
		c.Mirror().storeSession(result.Transaction.ID, *result.Payment)
	}
	return &result, nil
}

func validateCreate(req CreateRequest) error {
	if req.ListingID == "" {
		return fmt.Errorf("%w: listing id is required", pkgerrors.ErrInvalidInput)
	}
	if !req.EndDate.After(req.StartDate) {
		return pkgerrors.ErrInvalidDates
	}
	if req.Terms != nil {
		days := int(math.Ceil(req.EndDate.Sub(req.StartDate).Hours() / 24))
		if days < req.Terms.MinDuration || (req.Terms.MaxDuration > 0 && days > req.Terms.MaxDuration) {
			return fmt.Errorf("%w: %d days, listing allows %d-%d",
				pkgerrors.ErrDurationOutOfBounds, days, req.Terms.MinDuration, req.Terms.MaxDuration)
		}
	}
	return nil
}

func (c *Client) Get(ctx context.Context, id string) (*Transaction, error) {
	var tx Transaction
	if err := c.doGet(ctx, c.url("/transactions/%s", url.PathEscape(id)), &tx); err != nil {
		return nil, err
	}
	c.Mirror().Store(&tx)
	return &tx, nil
}

func (c *Client) List(ctx context.Context, filter ListFilter) ([]Transaction, error) {
	q := url.Values{}
	if filter.Role != "" {
		q.Set("role", filter.Role)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	endpoint := c.url("/transactions")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var txs []Transaction
	if err := c.doGet(ctx, endpoint, &txs); err != nil {
		return nil, err
	}
	for i := range txs {
		c.Mirror().Store(&txs[i])
	}
	return txs, nil
}

func (c *Client) Approve(ctx context.Context, id string) (*Transaction, error) {
	return c.transition(ctx, id, "approve", nil)
}

func (c *Client) Decline(ctx context.Context, id, reason string) (*Transaction, error) {
	return c.transition(ctx, id, "decline", map[string]string{"reason": reason})
}

func (c *Client) Cancel(ctx context.Context, id string) (*Transaction, error) {
	return c.transition(ctx, id, "cancel", nil)
}

func (c *Client) ConfirmPayment(ctx context.Context, id string) (*Transaction, error) {
	tx, err := c.transition(ctx, id, "confirm-payment", nil)
	if err == nil && tx.Status != StatusApproved {
		c.Mirror().dropSession(id)
	}
	return tx, err
}

func (c *Client) ConfirmPickup(ctx context.Context, id, condition string) (*Transaction, error) {
	return c.transition(ctx, id, "pickup", map[string]string{"condition": condition})
}

func (c *Client) MarkReturned(ctx context.Context, id string) (*Transaction, error) {
	return c.transition(ctx, id, "mark-returned", nil)
}

func (c *Client) ConfirmReturn(ctx context.Context, id, condition, notes string) (*Transaction, error) {
	return c.transition(ctx, id, "return", map[string]string{"condition": condition, "notes": notes})
}

func (c *Client) Rate(ctx context.Context, id string, score int, comment string) (*Transaction, error) {
	if score < 1 || score > 5 {
		return nil, pkgerrors.ErrInvalidRating
	}
	return c.transition(ctx, id, "rate", map[string]any{"rating": score, "comment": comment})
}

// transition posts action for transaction id. At most one such call per
// transaction runs at a time. When the call fails in transit the current
// server state is fetched and returned inside a ReconcileError.
func (c *Client) transition(ctx context.Context, id, action string, body any) (*Transaction, error) {
	if !c.begin(id) {
		return nil, ErrRequestInFlight
	}
	defer c.end(id)

	var tx Transaction
	err := c.doPost(ctx, c.url("/transactions/%s/%s", url.PathEscape(id), action), body, nil, &tx)
	if err != nil {
		if pkgerrors.Kind(err) == pkgerrors.KindNetwork {
			return nil, c.reconcile(ctx, id, err)
		}
		return nil, err
	}
	c.Mirror().Store(&tx)
	return &tx, nil
}

func (c *Client) reconcile(ctx context.Context, id string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()

	latest, err := c.Get(ctx, id)
	if err != nil {
		return &ReconcileError{Err: cause}
	}
	return &ReconcileError{Latest: latest, Err: cause}
}

func (c *Client) CheckAccess(ctx context.Context, listingID string) (*AccessDecision, error) {
	var decision AccessDecision
	body := map[string]string{"listingId": listingID}
	if err := c.doPost(ctx, c.url("/access/check"), body, nil, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

func (c *Client) ListDisputes(ctx context.Context, status string) ([]Dispute, error) {
	endpoint := c.url("/disputes")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var disputes []Dispute
	if err := c.doGet(ctx, endpoint, &disputes); err != nil {
		return nil, err
	}
	return disputes, nil
}

func (c *Client) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	var d Dispute
	if err := c.doGet(ctx, c.url("/disputes/%s", url.PathEscape(id)), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) AddEvidence(ctx context.Context, id string, urls []string) (*Dispute, error) {
	return c.disputeAction(ctx, id, "evidence", map[string][]string{"urls": urls})
}

func (c *Client) MarkUnderReview(ctx context.Context, id string) (*Dispute, error) {
	return c.disputeAction(ctx, id, "review", nil)
}

func (c *Client) ResolveDispute(ctx context.Context, id, outcome string, lenderPercent int) (*Dispute, error) {
	if lenderPercent < 0 || lenderPercent > 100 {
		return nil, pkgerrors.ErrInvalidPercent
	}
	return c.disputeAction(ctx, id, "resolve", map[string]any{"outcome": outcome, "lenderPercent": lenderPercent})
}

func (c *Client) disputeAction(ctx context.Context, id, action string, body any) (*Dispute, error) {
	key := "dispute:" + id
	if !c.begin(key) {
		return nil, ErrRequestInFlight
	}
	defer c.end(key)

	var d Dispute
	if err := c.doPost(ctx, c.url("/disputes/%s/%s", url.PathEscape(id), action), body, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) url(format string, args ...any) string {
	return c.BaseURL + fmt.Sprintf(format, args...)
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, endpoint string, body any, headers map[string]string, out any) error {
	if body == nil {
		body = struct{}{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body errorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return newAPIError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", pkgerrors.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")
}
