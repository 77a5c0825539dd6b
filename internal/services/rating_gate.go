package service

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/honeynil/LendingServiceTochka/internal/models"
	"github.com/honeynil/LendingServiceTochka/internal/repository"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const maxCommentLength = 1000

type RatingGate interface {
	ValidateScore(score int) error
	// Prepare checks that raterID may rate tx now and builds the rating in
	// the right direction.
	Prepare(tx *models.Transaction, raterID string, score int, comment string) (*models.Rating, error)
	Record(ctx context.Context, r *models.Rating, tx *models.Transaction, expected models.TransactionStatus) error
	List(ctx context.Context, transactionID string) ([]models.Rating, error)
}

type ratingGate struct {
	ratingRepo repository.RatingRepository
}

func NewRatingGate(ratingRepo repository.RatingRepository) *ratingGate {
	return &ratingGate{ratingRepo: ratingRepo}
}

// ValidateScore accepts whole stars from 1 to 5; 0 means no selection.
func (g *ratingGate) ValidateScore(score int) error {
	if score < models.MinRating || score > models.MaxRating {
		return pkgerrors.ErrInvalidRating
	}
	return nil
}

func (g *ratingGate) Prepare(tx *models.Transaction, raterID string, score int, comment string) (*models.Rating, error) {
	if err := g.ValidateScore(score); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(comment) > maxCommentLength {
		return nil, fmt.Errorf("comment longer than %d characters: %w", maxCommentLength, pkgerrors.ErrInvalidInput)
	}
	if tx == nil {
		return nil, pkgerrors.ErrNilTransaction
	}
	if !tx.IsParty(raterID) {
		return nil, pkgerrors.ErrForbidden
	}
	if tx.Status != models.StatusReturned && tx.Status != models.StatusCompleted {
		return nil, fmt.Errorf("cannot rate a %s transaction: %w", tx.Status, pkgerrors.ErrInvalidTransition)
	}

	byLender := raterID == tx.LenderID
	if (byLender && tx.LenderRated) || (!byLender && tx.BorrowerRated) {
		return nil, pkgerrors.ErrAlreadyRated
	}

	return &models.Rating{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		RaterID:       raterID,
		RatedID:       tx.Counterpart(raterID),
		// A borrower's rating is about the lender.
		IsLenderRating: !byLender,
		Rating:         score,
		Comment:        comment,
	}, nil
}

func (g *ratingGate) Record(ctx context.Context, r *models.Rating, tx *models.Transaction, expected models.TransactionStatus) error {
	ctx, span := otel.Tracer("rating-gate").Start(ctx, "Record")
	defer span.End()

	if err := g.ratingRepo.Create(ctx, r, tx, expected); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rating not stored")
		return err
	}
	slog.Info("rating recorded",
		"transaction_id", r.TransactionID,
		"rater_id", r.RaterID,
		"is_lender_rating", r.IsLenderRating,
		"rating", r.Rating)
	return nil
}

func (g *ratingGate) List(ctx context.Context, transactionID string) ([]models.Rating, error) {
	ctx, span := otel.Tracer("rating-gate").Start(ctx, "List")
	defer span.End()
	return g.ratingRepo.ListByTransaction(ctx, transactionID)
}
