package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const transactionColumns = `id, listing_id, borrower_id, lender_id, status, start_date, end_date, rental_days, rental_fee, deposit_amount, payment_status, payment_intent_id, message, lender_response, pickup_condition, return_condition, lender_rated, borrower_rated, settled_at, created_at, updated_at`

const defaultListLimit = 50

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

func (r *PostgresTransactionRepository) Create(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, done := instrument(ctx, "transaction-repository", "CreateTransaction")
	defer func() { done(err) }()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return err
	}
	if !tx.Status.Valid() {
		err = fmt.Errorf("status %q: %w", tx.Status, pkgerrors.ErrInvalidInput)
		slog.Error("invalid transaction status", "method", "Create", "status", tx.Status, "error", err)
		return err
	}
	if !tx.PaymentStatus.Valid() {
		err = fmt.Errorf("payment status %q: %w", tx.PaymentStatus, pkgerrors.ErrInvalidInput)
		slog.Error("invalid payment status", "method", "Create", "payment_status", tx.PaymentStatus, "error", err)
		return err
	}

	query := `INSERT INTO transactions (id, listing_id, borrower_id, lender_id, status, start_date, end_date, rental_days, rental_fee, deposit_amount, payment_status, payment_intent_id, message) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query,
		tx.ID, tx.ListingID, tx.BorrowerID, tx.LenderID, tx.Status, tx.StartDate, tx.EndDate,
		tx.RentalDays, tx.RentalFee, tx.DepositAmount, tx.PaymentStatus, tx.PaymentIntentID, tx.Message,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		slog.Error("failed to create transaction", "method", "Create", "transaction_id", tx.ID, "listing_id", tx.ListingID, "error", err)
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	slog.Info("transaction created", "method", "Create", "transaction_id", tx.ID, "listing_id", tx.ListingID, "borrower_id", tx.BorrowerID, "status", tx.Status, "payment_status", tx.PaymentStatus)
	return nil
}

func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id string) (tx *models.Transaction, err error) {
	ctx, done := instrument(ctx, "transaction-repository", "GetTransactionByID", attribute.String("transaction_id", id))
	defer func() { done(err) }()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err = scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		slog.Warn("transaction not found", "method", "GetByID", "transaction_id", id)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by id", "method", "GetByID", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}
	return tx, nil
}

func (r *PostgresTransactionRepository) List(ctx context.Context, filter models.TransactionFilter) (txs []models.Transaction, err error) {
	ctx, done := instrument(ctx, "transaction-repository", "ListTransactions", attribute.String("user_id", filter.UserID))
	defer func() { done(err) }()

	var (
		where []string
		args  = []any{filter.UserID}
	)
	switch filter.Role {
	case models.RoleBorrower:
		where = append(where, "borrower_id = $1")
	case models.RoleLender:
		where = append(where, "lender_id = $1")
	default:
		where = append(where, "(borrower_id = $1 OR lender_id = $1)")
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list transactions", "method", "List", "user_id", filter.UserID, "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs = make([]models.Transaction, 0)
	for rows.Next() {
		tx, scanErr := scanTransaction(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan transaction: %w", scanErr)
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

func (r *PostgresTransactionRepository) UpdateState(ctx context.Context, tx *models.Transaction, expected models.TransactionStatus) (err error) {
	ctx, done := instrument(ctx, "transaction-repository", "UpdateTransactionState",
		attribute.String("transaction_id", tx.ID),
		attribute.String("from", string(expected)),
		attribute.String("to", string(tx.Status)),
	)
	defer func() { done(err) }()

	err = updateState(ctx, r.db, tx, expected)
	return err
}

// updateState writes every mutable column of tx guarded by the expected
// status, so two concurrent transitions cannot both commit.
func updateState(ctx context.Context, q querier, tx *models.Transaction, expected models.TransactionStatus) error {
	query := `UPDATE transactions SET status = $2, payment_status = $3, payment_intent_id = $4, lender_response = $5, pickup_condition = $6, return_condition = $7, lender_rated = $8, borrower_rated = $9, updated_at = NOW() WHERE id = $1 AND status = $10 RETURNING updated_at`
	err := q.QueryRowContext(ctx, query,
		tx.ID, tx.Status, tx.PaymentStatus, tx.PaymentIntentID, tx.LenderResponse,
		tx.PickupCondition, tx.ReturnCondition, tx.LenderRated, tx.BorrowerRated, expected,
	).Scan(&tx.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		slog.Warn("transaction state changed concurrently", "method", "UpdateState", "transaction_id", tx.ID, "expected", expected)
		return pkgerrors.ErrStateChanged
	}
	if err != nil {
		slog.Error("failed to update transaction", "method", "UpdateState", "transaction_id", tx.ID, "error", err)
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	slog.Info("transaction updated", "method", "UpdateState", "transaction_id", tx.ID, "from", expected, "to", tx.Status, "payment_status", tx.PaymentStatus)
	return nil
}

func (r *PostgresTransactionRepository) MarkSettled(ctx context.Context, id string) (settled bool, err error) {
	ctx, done := instrument(ctx, "transaction-repository", "MarkTransactionSettled", attribute.String("transaction_id", id))
	defer func() { done(err) }()

	res, err := r.db.ExecContext(ctx, `UPDATE transactions SET settled_at = NOW(), updated_at = NOW() WHERE id = $1 AND settled_at IS NULL`, id)
	if err != nil {
		slog.Error("failed to mark transaction settled", "method", "MarkSettled", "transaction_id", id, "error", err)
		return false, fmt.Errorf("failed to mark transaction settled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresTransactionRepository) ListUnsettled(ctx context.Context, updatedBefore time.Time, limit int) (ids []string, err error) {
	ctx, done := instrument(ctx, "transaction-repository", "ListUnsettledTransactions")
	defer func() { done(err) }()

	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	query := `SELECT id FROM transactions WHERE status IN ($1, $2) AND settled_at IS NULL AND updated_at < $3 ORDER BY updated_at LIMIT $4`
	rows, err := r.db.QueryContext(ctx, query, models.StatusReturned, models.StatusCompleted, updatedBefore, limit)
	if err != nil {
		slog.Error("failed to list unsettled transactions", "method", "ListUnsettled", "error", err)
		return nil, fmt.Errorf("failed to list unsettled transactions: %w", err)
	}
	defer rows.Close()

	ids = make([]string, 0)
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unsettled transactions: %w", err)
	}
	return ids, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		tx        models.Transaction
		settledAt sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.ListingID, &tx.BorrowerID, &tx.LenderID, &tx.Status, &tx.StartDate, &tx.EndDate,
		&tx.RentalDays, &tx.RentalFee, &tx.DepositAmount, &tx.PaymentStatus, &tx.PaymentIntentID,
		&tx.Message, &tx.LenderResponse, &tx.PickupCondition, &tx.ReturnCondition,
		&tx.LenderRated, &tx.BorrowerRated, &settledAt, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.SettledAt = nullTimePtr(settledAt)
	return &tx, nil
}
