package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const disputeColumns = `id, transaction_id, status, reason, evidence_urls, resolution_outcome, lender_percent, resolved_by, created_at, resolved_at`

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type PostgresDisputeRepository struct {
	db *sql.DB
}

func NewPostgresDisputeRepository(db *sql.DB) *PostgresDisputeRepository {
	return &PostgresDisputeRepository{db: db}
}

func (r *PostgresDisputeRepository) Open(ctx context.Context, d *models.Dispute, tx *models.Transaction, expected models.TransactionStatus) (err error) {
	if d == nil || tx == nil {
		return pkgerrors.ErrNilDispute
	}
	ctx, done := instrument(ctx, "dispute-repository", "OpenDispute",
		attribute.String("dispute_id", d.ID),
		attribute.String("transaction_id", tx.ID),
	)
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Open", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := dbTx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
			slog.Error("rollback failed", "method", "Open", "error", rbErr)
		}
	}()

	if err = updateState(ctx, dbTx, tx, expected); err != nil {
		return err
	}

	query := `INSERT INTO disputes (id, transaction_id, status, reason, evidence_urls) VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	err = dbTx.QueryRowContext(ctx, query, d.ID, d.TransactionID, d.Status, d.Reason, pq.Array(d.EvidenceURLs)).Scan(&d.CreatedAt)
	if isUniqueViolation(err) {
		err = pkgerrors.ErrDisputeExists
		return err
	}
	if err != nil {
		slog.Error("failed to create dispute", "method", "Open", "transaction_id", d.TransactionID, "error", err)
		return fmt.Errorf("failed to create dispute: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Open", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("dispute opened", "method", "Open", "dispute_id", d.ID, "transaction_id", d.TransactionID)
	return nil
}

func (r *PostgresDisputeRepository) GetByID(ctx context.Context, id string) (d *models.Dispute, err error) {
	ctx, done := instrument(ctx, "dispute-repository", "GetDisputeByID", attribute.String("dispute_id", id))
	defer func() { done(err) }()

	d, err = scanDispute(r.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrDisputeNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get dispute", "method", "GetByID", "dispute_id", id, "error", err)
		return nil, fmt.Errorf("failed to get dispute by id: %w", err)
	}
	return d, nil
}

func (r *PostgresDisputeRepository) GetByTransactionID(ctx context.Context, transactionID string) (d *models.Dispute, err error) {
	ctx, done := instrument(ctx, "dispute-repository", "GetDisputeByTransactionID", attribute.String("transaction_id", transactionID))
	defer func() { done(err) }()

	d, err = scanDispute(r.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE transaction_id = $1`, transactionID))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrDisputeNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get dispute", "method", "GetByTransactionID", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("failed to get dispute by transaction: %w", err)
	}
	return d, nil
}

func (r *PostgresDisputeRepository) List(ctx context.Context, filter models.DisputeFilter) (out []models.Dispute, err error) {
	ctx, done := instrument(ctx, "dispute-repository", "ListDisputes")
	defer func() { done(err) }()

	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	// Empty filter values match everything.
	query := `SELECT d.id, d.transaction_id, d.status, d.reason, d.evidence_urls, d.resolution_outcome, d.lender_percent, d.resolved_by, d.created_at, d.resolved_at
		FROM disputes d JOIN transactions t ON t.id = d.transaction_id
		WHERE ($1 = '' OR d.status = $1) AND ($2 = '' OR t.borrower_id = $2 OR t.lender_id = $2)
		ORDER BY d.created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.db.QueryContext(ctx, query, string(filter.Status), filter.UserID, limit, filter.Offset)
	if err != nil {
		slog.Error("failed to list disputes", "method", "List", "error", err)
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer rows.Close()

	out = make([]models.Dispute, 0)
	for rows.Next() {
		d, scanErr := scanDispute(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan dispute: %w", scanErr)
			return nil, err
		}
		out = append(out, *d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate disputes: %w", err)
	}
	return out, nil
}

func (r *PostgresDisputeRepository) AddEvidence(ctx context.Context, id string, urls []string) (err error) {
	ctx, done := instrument(ctx, "dispute-repository", "AddDisputeEvidence", attribute.String("dispute_id", id))
	defer func() { done(err) }()

	res, err := r.db.ExecContext(ctx,
		`UPDATE disputes SET evidence_urls = evidence_urls || $2 WHERE id = $1 AND status <> 'resolved'`,
		id, pq.Array(urls))
	if err != nil {
		slog.Error("failed to add evidence", "method", "AddEvidence", "dispute_id", id, "error", err)
		return fmt.Errorf("failed to add evidence: %w", err)
	}
	return r.expectOne(ctx, res, id)
}

func (r *PostgresDisputeRepository) MarkUnderReview(ctx context.Context, id string) (err error) {
	ctx, done := instrument(ctx, "dispute-repository", "MarkDisputeUnderReview", attribute.String("dispute_id", id))
	defer func() { done(err) }()

	res, err := r.db.ExecContext(ctx, `UPDATE disputes SET status = 'under_review' WHERE id = $1 AND status = 'open'`, id)
	if err != nil {
		slog.Error("failed to mark dispute under review", "method", "MarkUnderReview", "dispute_id", id, "error", err)
		return fmt.Errorf("failed to mark dispute under review: %w", err)
	}
	return r.expectOne(ctx, res, id)
}

func (r *PostgresDisputeRepository) Resolve(ctx context.Context, d *models.Dispute) (err error) {
	ctx, done := instrument(ctx, "dispute-repository", "ResolveDispute", attribute.String("dispute_id", d.ID))
	defer func() { done(err) }()

	if d.LenderPercent == nil {
		err = pkgerrors.ErrInvalidPercent
		return err
	}

	query := `UPDATE disputes SET status = 'resolved', resolution_outcome = $2, lender_percent = $3, resolved_by = $4, resolved_at = NOW()
		WHERE id = $1 AND status <> 'resolved' AND lender_percent IS NULL RETURNING resolved_at`
	var resolvedAt sql.NullTime
	err = r.db.QueryRowContext(ctx, query, d.ID, d.ResolutionOutcome, *d.LenderPercent, d.ResolvedBy).Scan(&resolvedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrDisputeResolved
		return err
	}
	if err != nil {
		slog.Error("failed to resolve dispute", "method", "Resolve", "dispute_id", d.ID, "error", err)
		return fmt.Errorf("failed to resolve dispute: %w", err)
	}

	d.Status = models.DisputeResolved
	d.ResolvedAt = nullTimePtr(resolvedAt)
	slog.Info("dispute resolved", "method", "Resolve", "dispute_id", d.ID, "lender_percent", *d.LenderPercent)
	return nil
}

// expectOne maps a zero-row update to not found or resolved.
func (r *PostgresDisputeRepository) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	var status models.DisputeStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = $1`, id).Scan(&status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return pkgerrors.ErrDisputeNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get dispute status: %w", err)
	}
	if status == models.DisputeResolved {
		return pkgerrors.ErrDisputeResolved
	}
	return fmt.Errorf("dispute %s is %s: %w", id, status, pkgerrors.ErrInvalidTransition)
}

func scanDispute(row rowScanner) (*models.Dispute, error) {
	var (
		d          models.Dispute
		evidence   pq.StringArray
		percent    sql.NullInt32
		resolvedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.TransactionID, &d.Status, &d.Reason, &evidence,
		&d.ResolutionOutcome, &percent, &d.ResolvedBy, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.EvidenceURLs = []string(evidence)
	if d.EvidenceURLs == nil {
		d.EvidenceURLs = []string{}
	}
	if percent.Valid {
		p := int(percent.Int32)
		d.LenderPercent = &p
	}
	d.ResolvedAt = nullTimePtr(resolvedAt)
	return &d, nil
}
