package repository

import (
	"context"
	"time"

	"github.com/honeynil/LendingServiceTochka/internal/models"
)

type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	List(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error)
	// UpdateState persists tx only if the stored status still equals
	// expected; otherwise it returns pkgerrors.ErrStateChanged.
	UpdateState(ctx context.Context, tx *models.Transaction, expected models.TransactionStatus) error
	MarkSettled(ctx context.Context, id string) (bool, error)
	// ListUnsettled returns ids of returned or completed transactions with no
	// settlement that were last updated before the given time, oldest first.
	ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) ([]string, error)
}
