package recharge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/topupledger/internal/ledger"
)

// PostgresStore persists recharge requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed recharge request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, owner_id, amount, status, transaction_hash, reviewed_by,
		       reject_reason, created_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO recharge_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.OwnerID, r.Amount, string(r.Status),
		nullString(r.TransactionHash), nullString(r.ReviewedBy), nullString(r.RejectReason),
		r.CreatedAt, nullTime(r.CompletedAt),
	)
	return ledger.TranslateDBError(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM recharge_requests WHERE id = $1`, id)

	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, ledger.TranslateDBError(err)
	}
	return r, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, r *Request, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE recharge_requests SET
			status = $1, reviewed_by = $2, reject_reason = $3, completed_at = $4
		WHERE id = $5 AND status = $6`,
		string(r.Status), nullString(r.ReviewedBy), nullString(r.RejectReason), nullTime(r.CompletedAt),
		r.ID, string(from),
	)
	if err != nil {
		return ledger.TranslateDBError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("recharge request %s left status %s: %w", r.ID, from, ledger.ErrConflict)
	}
	return nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Request, error) {
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM recharge_requests
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM recharge_requests
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ledger.TranslateDBError(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var (
		status       string
		txHash       sql.NullString
		reviewedBy   sql.NullString
		rejectReason sql.NullString
		completedAt  sql.NullTime
	)
	err := s.Scan(&r.ID, &r.OwnerID, &r.Amount, &status, &txHash, &reviewedBy,
		&rejectReason, &r.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.TransactionHash = txHash.String
	r.ReviewedBy = reviewedBy.String
	r.RejectReason = rejectReason.String
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
