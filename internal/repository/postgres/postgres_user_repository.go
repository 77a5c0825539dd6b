package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// PostgresUserRepository reads eligibility state written by the subscription
// and verification workflows.
type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (user *models.User, err error) {
	ctx, done := instrument(ctx, "user-repository", "GetUserByID", attribute.String("user_id", id))
	defer func() { done(err) }()

	if id == "" {
		err = fmt.Errorf("user id cannot be empty: %w", pkgerrors.ErrInvalidInput)
		return nil, err
	}

	query := `SELECT id, subscription_tier, is_verified FROM users WHERE id = $1`
	var u models.User
	err = r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.SubscriptionTier, &u.IsVerified)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = pkgerrors.ErrUserNotFound
		return nil, err
	case err != nil:
		slog.Error("failed to get user", "method", "GetByID", "user_id", id, "error", err)
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &u, nil
}

type PostgresListingRepository struct {
	db *sql.DB
}

func NewPostgresListingRepository(db *sql.DB) *PostgresListingRepository {
	return &PostgresListingRepository{db: db}
}

func (r *PostgresListingRepository) GetByID(ctx context.Context, id string) (listing *models.Listing, err error) {
	ctx, done := instrument(ctx, "listing-repository", "GetListingByID", attribute.String("listing_id", id))
	defer func() { done(err) }()

	query := `SELECT id, owner_id, title, visibility, is_free, price_per_day, deposit_amount, min_duration, max_duration, condition FROM listings WHERE id = $1`
	var l models.Listing
	err = r.db.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.OwnerID, &l.Title, &l.Visibility, &l.IsFree, &l.PricePerDay,
		&l.DepositAmount, &l.MinDuration, &l.MaxDuration, &l.Condition,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = pkgerrors.ErrListingNotFound
		return nil, err
	case err != nil:
		slog.Error("failed to get listing", "method", "GetByID", "listing_id", id, "error", err)
		return nil, fmt.Errorf("failed to get listing by id: %w", err)
	}

	if err = l.Validate(); err != nil {
		slog.Error("stored listing is invalid", "listing_id", id, "error", err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInternal, err)
	}
	return &l, nil
}
