package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

type PostgresRatingRepository struct {
	db *sql.DB
}

func NewPostgresRatingRepository(db *sql.DB) *PostgresRatingRepository {
	return &PostgresRatingRepository{db: db}
}

func (r *PostgresRatingRepository) Create(ctx context.Context, rating *models.Rating, tx *models.Transaction, expected models.TransactionStatus) (err error) {
	if rating == nil || tx == nil {
		return pkgerrors.ErrNilRating
	}
	ctx, done := instrument(ctx, "rating-repository", "CreateRating",
		attribute.String("transaction_id", rating.TransactionID),
		attribute.String("rater_id", rating.RaterID),
	)
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "CreateRating", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := dbTx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
			slog.Error("rollback failed", "method", "CreateRating", "error", rbErr)
		}
	}()

	query := `INSERT INTO ratings (id, transaction_id, rater_id, rated_id, is_lender_rating, rating, comment) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`
	err = dbTx.QueryRowContext(ctx, query,
		rating.ID, rating.TransactionID, rating.RaterID, rating.RatedID,
		rating.IsLenderRating, rating.Rating, rating.Comment,
	).Scan(&rating.CreatedAt)
	if isUniqueViolation(err) {
		err = pkgerrors.ErrAlreadyRated
		return err
	}
	if err != nil {
		slog.Error("failed to create rating", "method", "CreateRating", "transaction_id", rating.TransactionID, "error", err)
		return fmt.Errorf("failed to create rating: %w", err)
	}

	if err = updateState(ctx, dbTx, tx, expected); err != nil {
		return err
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "CreateRating", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("rating created", "method", "CreateRating", "rating_id", rating.ID, "transaction_id", rating.TransactionID, "rater_id", rating.RaterID, "status", tx.Status)
	return nil
}

func (r *PostgresRatingRepository) ListByTransaction(ctx context.Context, transactionID string) (out []models.Rating, err error) {
	ctx, done := instrument(ctx, "rating-repository", "ListRatingsByTransaction", attribute.String("transaction_id", transactionID))
	defer func() { done(err) }()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, transaction_id, rater_id, rated_id, is_lender_rating, rating, comment, created_at FROM ratings WHERE transaction_id = $1 ORDER BY created_at`,
		transactionID)
	if err != nil {
		slog.Error("failed to list ratings", "method", "ListByTransaction", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("failed to list ratings: %w", err)
	}
	defer rows.Close()

	out = make([]models.Rating, 0, 2)
	for rows.Next() {
		var rt models.Rating
		if err = rows.Scan(&rt.ID, &rt.TransactionID, &rt.RaterID, &rt.RatedID, &rt.IsLenderRating, &rt.Rating, &rt.Comment, &rt.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rating: %w", err)
		}
		out = append(out, rt)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ratings: %w", err)
	}
	return out, nil
}
