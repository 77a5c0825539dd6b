package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/observability"
	"github.com/honeynil/LendingServiceTochka/internal/repository"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
)

const defaultSweepBatch = 20

// Settler is the settlement entry point shared with the event consumer.
type Settler interface {
	Settle(ctx context.Context, id string) error
}

type SweepPolicy struct {
	Interval time.Duration
	// Grace keeps the sweep away from rows the event consumer is still
	// working on.
	Grace time.Duration
	Batch int
}

// SettlementSweeper settles returned transactions whose settlement event was
// lost or exhausted its retries.
type SettlementSweeper struct {
	transactionRepo repository.TransactionRepository
	settler         Settler
	policy          SweepPolicy
	now             func() time.Time
}

func NewSettlementSweeper(transactionRepo repository.TransactionRepository, settler Settler, policy SweepPolicy) *SettlementSweeper {
	if policy.Interval <= 0 {
		policy.Interval = time.Minute
	}
	if policy.Grace < 0 {
		policy.Grace = 0
	}
	if policy.Batch <= 0 {
		policy.Batch = defaultSweepBatch
	}
	return &SettlementSweeper{
		transactionRepo: transactionRepo,
		settler:         settler,
		policy:          policy,
		now:             time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (w *SettlementSweeper) Run(ctx context.Context) {
	slog.Info("settlement sweep started", "interval", w.policy.Interval, "grace", w.policy.Grace)
	defer slog.Info("settlement sweep stopped")

	ticker := time.NewTicker(w.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
				slog.Error("settlement sweep failed", "error", err)
			}
		}
	}
}

// Sweep settles one batch of overdue transactions and reports how many
// settled. A failure on one transaction does not stop the batch.
func (w *SettlementSweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := w.transactionRepo.ListUnsettled(ctx, w.now().Add(-w.policy.Grace), w.policy.Batch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		err := w.settler.Settle(ctx, id)
		switch {
		case err == nil:
			settled++
			observability.SettlementsSwept.WithLabelValues("settled").Inc()
		case stderrors.Is(err, pkgerrors.ErrTransitionInFlight):
			observability.SettlementsSwept.WithLabelValues("busy").Inc()
		default:
			observability.SettlementsSwept.WithLabelValues("error").Inc()
			slog.Error("sweep could not settle transaction", "transaction_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		slog.Info("settlement sweep finished", "candidates", len(ids), "settled", settled)
	}
	return settled, nil
}
