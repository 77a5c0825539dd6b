package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/kafka"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/payment"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/redis"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/subscription"
	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
}

// store backs the transaction, dispute and rating fakes so multi-table
// writes stay consistent.
type store struct {
	mu           sync.Mutex
	txs          map[string]models.Transaction
	disputes     map[string]models.Dispute
	ratings      []models.Rating
	beforeUpdate func()
}

func newStore() *store {
	return &store{txs: map[string]models.Transaction{}, disputes: map[string]models.Dispute{}}
}

func (s *store) put(tx models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = tx
}

func (s *store) get(id string) models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs[id]
}

func (s *store) updateLocked(tx *models.Transaction, expected models.TransactionStatus) error {
	stored, ok := s.txs[tx.ID]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	if stored.Status != expected {
		return pkgerrors.ErrStateChanged
	}
	tx.UpdatedAt = time.Now().UTC()
	tx.SettledAt = stored.SettledAt
	s.txs[tx.ID] = *tx
	return nil
}

type fakeTransactionRepo struct{ *store }

func (r fakeTransactionRepo) Create(_ context.Context, tx *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx.CreatedAt = time.Now().UTC()
	tx.UpdatedAt = tx.CreatedAt
	r.txs[tx.ID] = *tx
	return nil
}

func (r fakeTransactionRepo) GetByID(_ context.Context, id string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return &tx, nil
}

func (r fakeTransactionRepo) List(_ context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Transaction, 0)
	for _, tx := range r.txs {
		switch filter.Role {
		case models.RoleBorrower:
			if tx.BorrowerID != filter.UserID {
				continue
			}
		case models.RoleLender:
			if tx.LenderID != filter.UserID {
				continue
			}
		default:
			if !tx.IsParty(filter.UserID) {
				continue
			}
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (r fakeTransactionRepo) UpdateState(_ context.Context, tx *models.Transaction, expected models.TransactionStatus) error {
	if r.beforeUpdate != nil {
		r.beforeUpdate()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(tx, expected)
}

func (r fakeTransactionRepo) MarkSettled(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok || tx.SettledAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	tx.SettledAt = &now
	r.txs[id] = tx
	return true, nil
}

func (r fakeTransactionRepo) ListUnsettled(_ context.Context, updatedBefore time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []models.Transaction
	for _, tx := range r.txs {
		if tx.SettledAt != nil || !tx.UpdatedAt.Before(updatedBefore) {
			continue
		}
		if tx.Status == models.StatusReturned || tx.Status == models.StatusCompleted {
			due = append(due, tx)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UpdatedAt.Before(due[j].UpdatedAt) })
	ids := make([]string, 0, len(due))
	for _, tx := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, tx.ID)
	}
	return ids, nil
}

type fakeDisputeRepo struct{ *store }

func (r fakeDisputeRepo) Open(_ context.Context, d *models.Dispute, tx *models.Transaction, expected models.TransactionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.disputes {
		if existing.TransactionID == d.TransactionID {
			return pkgerrors.ErrDisputeExists
		}
	}
	if err := r.updateLocked(tx, expected); err != nil {
		return err
	}
	d.CreatedAt = time.Now().UTC()
	r.disputes[d.ID] = *d
	return nil
}

func (r fakeDisputeRepo) GetByID(_ context.Context, id string) (*models.Dispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disputes[id]
	if !ok {
		return nil, pkgerrors.ErrDisputeNotFound
	}
	d.EvidenceURLs = append([]string{}, d.EvidenceURLs...)
	return &d, nil
}

func (r fakeDisputeRepo) GetByTransactionID(_ context.Context, transactionID string) (*models.Dispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.disputes {
		if d.TransactionID == transactionID {
			return &d, nil
		}
	}
	return nil, pkgerrors.ErrDisputeNotFound
}

func (r fakeDisputeRepo) List(_ context.Context, filter models.DisputeFilter) ([]models.Dispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Dispute, 0)
	for _, d := range r.disputes {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.UserID != "" {
			tx := r.txs[d.TransactionID]
			if !tx.IsParty(filter.UserID) {
				continue
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (r fakeDisputeRepo) AddEvidence(_ context.Context, id string, urls []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disputes[id]
	if !ok {
		return pkgerrors.ErrDisputeNotFound
	}
	if d.Status == models.DisputeResolved {
		return pkgerrors.ErrDisputeResolved
	}
	d.EvidenceURLs = append(d.EvidenceURLs, urls...)
	r.disputes[id] = d
	return nil
}

func (r fakeDisputeRepo) MarkUnderReview(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disputes[id]
	if !ok {
		return pkgerrors.ErrDisputeNotFound
	}
	if d.Status != models.DisputeOpen {
		return pkgerrors.ErrInvalidTransition
	}
	d.Status = models.DisputeUnderReview
	r.disputes[id] = d
	return nil
}

func (r fakeDisputeRepo) Resolve(_ context.Context, d *models.Dispute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.disputes[d.ID]
	if !ok {
		return pkgerrors.ErrDisputeNotFound
	}
	if stored.Status == models.DisputeResolved {
		return pkgerrors.ErrDisputeResolved
	}
	now := time.Now().UTC()
	d.Status = models.DisputeResolved
	d.ResolvedAt = &now
	r.disputes[d.ID] = *d
	return nil
}

type fakeRatingRepo struct{ *store }

func (r fakeRatingRepo) Create(_ context.Context, rating *models.Rating, tx *models.Transaction, expected models.TransactionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.ratings {
		if existing.TransactionID == rating.TransactionID && existing.RaterID == rating.RaterID {
			return pkgerrors.ErrAlreadyRated
		}
	}
	if err := r.updateLocked(tx, expected); err != nil {
		return err
	}
	rating.CreatedAt = time.Now().UTC()
	r.ratings = append(r.ratings, *rating)
	return nil
}

func (r fakeRatingRepo) ListByTransaction(_ context.Context, transactionID string) ([]models.Rating, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Rating, 0, 2)
	for _, rt := range r.ratings {
		if rt.TransactionID == transactionID {
			out = append(out, rt)
		}
	}
	return out, nil
}

type fakeListingRepo map[string]*models.Listing

func (r fakeListingRepo) GetByID(_ context.Context, id string) (*models.Listing, error) {
	l, ok := r[id]
	if !ok {
		return nil, pkgerrors.ErrListingNotFound
	}
	copied := *l
	return &copied, nil
}

type fakeUserRepo map[string]*models.User

func (r fakeUserRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	u, ok := r[id]
	if !ok {
		return nil, pkgerrors.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

type mockSubscriptionChecker struct {
	mock.Mock
}

func (m *mockSubscriptionChecker) CheckAccess(ctx context.Context, userID string, v models.Visibility) (*subscription.AccessResult, error) {
	args := m.Called(ctx, userID, v)
	res, _ := args.Get(0).(*subscription.AccessResult)
	return res, args.Error(1)
}

type allowAll struct{}

func (allowAll) CheckAccess(context.Context, string, models.Visibility) (*subscription.AccessResult, error) {
	return &subscription.AccessResult{CanAccess: true}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.TransactionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev kafka.TransactionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// fakeProcessor mimics a manual-capture intent API. Keys already seen
// replay without repeating the money movement.
type fakeProcessor struct {
	mu       sync.Mutex
	seq      int
	intents  map[string]*payment.Intent
	keys     map[string]bool
	refunds  []int64
	payouts  []payment.PayoutParams
	captured []int64
	failures map[string]error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{intents: map[string]*payment.Intent{}, keys: map[string]bool{}, failures: map[string]error{}}
}

// confirm simulates the borrower completing the payment sheet.
func (p *fakeProcessor) confirm(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in := p.intents[id]
	in.Status = payment.StatusRequiresCapture
	in.AmountCapturable = in.Amount
}

func (p *fakeProcessor) dismiss(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in := p.intents[id]
	in.Status = payment.StatusCanceled
	in.CancellationReason = "requested_by_customer"
}

func (p *fakeProcessor) intent(id string) payment.Intent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.intents[id]
}

func (p *fakeProcessor) seen(key string) bool {
	if p.keys[key] {
		return true
	}
	p.keys[key] = true
	return false
}

func (p *fakeProcessor) CreateIntent(_ context.Context, params payment.CreateIntentParams, key string) (*payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures["create"]; err != nil {
		return nil, err
	}
	if p.seen(key) {
		for _, in := range p.intents {
			if in.ClientSecret == key {
				copied := *in
				return &copied, nil
			}
		}
	}
	p.seq++
	in := &payment.Intent{
		ID:            fmt.Sprintf("pi_%d", p.seq),
		Status:        payment.StatusRequiresPaymentMethod,
		Amount:        params.Amount,
		Currency:      "usd",
		CaptureMethod: params.CaptureMethod,
		Customer:      params.Customer,
		ClientSecret:  key,
		EphemeralKey:  "ek_" + params.Customer,
	}
	p.intents[in.ID] = in
	copied := *in
	return &copied, nil
}

func (p *fakeProcessor) GetIntent(_ context.Context, id string) (*payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures["get"]; err != nil {
		return nil, err
	}
	in, ok := p.intents[id]
	if !ok {
		return nil, &payment.ProcessorError{StatusCode: 404, Code: "resource_missing"}
	}
	copied := *in
	return &copied, nil
}

func (p *fakeProcessor) Capture(_ context.Context, id string, amount int64, key string) (*payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures["capture"]; err != nil {
		return nil, err
	}
	in := p.intents[id]
	if p.seen(key) {
		copied := *in
		return &copied, nil
	}
	if in.Status != payment.StatusRequiresCapture {
		return nil, &payment.ProcessorError{StatusCode: 400, Code: payment.CodeIntentUnexpected}
	}
	if amount > in.AmountCapturable {
		return nil, &payment.ProcessorError{StatusCode: 400, Code: payment.CodeAmountTooLarge}
	}
	in.Status = payment.StatusSucceeded
	in.AmountReceived = amount
	in.AmountCapturable = 0
	p.captured = append(p.captured, amount)
	copied := *in
	return &copied, nil
}

func (p *fakeProcessor) Cancel(_ context.Context, id string, key string) (*payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in := p.intents[id]
	if in.Status == payment.StatusSucceeded || in.Status == payment.StatusCanceled {
		return nil, &payment.ProcessorError{StatusCode: 400, Code: payment.CodeIntentUnexpected}
	}
	in.Status = payment.StatusCanceled
	copied := *in
	return &copied, nil
}

func (p *fakeProcessor) Refund(_ context.Context, intentID string, amount int64, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures["refund"]; err != nil {
		return err
	}
	if p.seen(key) {
		return nil
	}
	p.refunds = append(p.refunds, amount)
	return nil
}

func (p *fakeProcessor) Payout(_ context.Context, params payment.PayoutParams, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures["payout"]; err != nil {
		return err
	}
	if p.seen(key) {
		return nil
	}
	p.payouts = append(p.payouts, params)
	return nil
}
