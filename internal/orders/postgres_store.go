package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/topupledger/internal/ledger"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, order_id, owner_id, phone, phone_info, amount, batch_count, total_amount,
		       status, processed_by, result, proof_image, failure_reason,
		       refunded_at, created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17
		)`,
		o.ID, o.OrderID, o.OwnerID, o.Phone, o.PhoneInfo, o.Amount, o.BatchCount, o.TotalAmount,
		string(o.Status), nullString(o.ProcessedBy), nullString(string(o.Result)),
		nullString(o.ProofImage), nullString(o.FailureReason),
		nullTime(o.RefundedAt), o.CreatedAt, o.UpdatedAt, nullTime(o.CompletedAt),
	)
	return ledger.TranslateDBError(err)
}

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, ledger.TranslateDBError(err)
	}
	return o, nil
}

// CompareAndSwap only matches the row while it still carries the old status.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, o *Order, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, processed_by = $2, result = $3,
			proof_image = $4, failure_reason = $5,
			updated_at = $6, completed_at = $7
		WHERE order_id = $8 AND status = $9`,
		string(o.Status), nullString(o.ProcessedBy), nullString(string(o.Result)),
		nullString(o.ProofImage), nullString(o.FailureReason),
		o.UpdatedAt, nullTime(o.CompletedAt),
		o.OrderID, string(from),
	)
	if err != nil {
		return ledger.TranslateDBError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, o.OrderID); err != nil {
			return err
		}
		return fmt.Errorf("order %s left status %s: %w", o.OrderID, from, ledger.ErrConflict)
	}
	return nil
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, orderID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET refunded_at = $1
		WHERE order_id = $2 AND refunded_at IS NULL`, at, orderID)
	if err != nil {
		return ledger.TranslateDBError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either already marked or missing; only the latter is an error.
		_, err := p.Get(ctx, orderID)
		return err
	}
	return nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error) {
	return p.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error) {
	return p.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) ListUnrefunded(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'failed'
		  AND refunded_at IS NULL
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ledger.TranslateDBError(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status        string
		processedBy   sql.NullString
		result        sql.NullString
		proofImage    sql.NullString
		failureReason sql.NullString
		refundedAt    sql.NullTime
		completedAt   sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.OrderID, &o.OwnerID, &o.Phone, &o.PhoneInfo, &o.Amount, &o.BatchCount, &o.TotalAmount,
		&status, &processedBy, &result, &proofImage, &failureReason,
		&refundedAt, &o.CreatedAt, &o.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.ProcessedBy = processedBy.String
	o.Result = Result(result.String)
	o.ProofImage = proofImage.String
	o.FailureReason = failureReason.String
	if refundedAt.Valid {
		o.RefundedAt = &refundedAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	return o, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
