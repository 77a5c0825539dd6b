package repository

import (
	"context"

	"github.com/honeynil/LendingServiceTochka/internal/models"
)

type DisputeRepository interface {
	// Open stores d and moves tx to its new status in one database
	// transaction. It returns pkgerrors.ErrDisputeExists when the transaction
	// already has a dispute and pkgerrors.ErrStateChanged when tx is no longer
	// in status expected.
	Open(ctx context.Context, d *models.Dispute, tx *models.Transaction, expected models.TransactionStatus) error
	GetByID(ctx context.Context, id string) (*models.Dispute, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Dispute, error)
	List(ctx context.Context, filter models.DisputeFilter) ([]models.Dispute, error)
	AddEvidence(ctx context.Context, id string, urls []string) error
	MarkUnderReview(ctx context.Context, id string) error
	// Resolve sets the outcome once; a resolved dispute yields
	// pkgerrors.ErrDisputeResolved.
	Resolve(ctx context.Context, d *models.Dispute) error
}

type RatingRepository interface {
	// Create stores r together with the transaction's rated flags and
	// status. It returns pkgerrors.ErrAlreadyRated when (transaction, rater)
	// already has a rating.
	Create(ctx context.Context, r *models.Rating, tx *models.Transaction, expected models.TransactionStatus) error
	ListByTransaction(ctx context.Context, transactionID string) ([]models.Rating, error)
}
