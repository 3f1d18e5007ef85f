package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/topupledger/internal/idgen"
)

// DefaultLockTimeout bounds how long a mutation waits for a wallet row lock.
const DefaultLockTimeout = 3 * time.Second

// PostgresStore implements Store with PostgreSQL. Tables are created by the
// goose migrations under migrations/.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: DefaultLockTimeout}
}

// WithLockTimeout sets the per-transaction lock_timeout.
func (p *PostgresStore) WithLockTimeout(d time.Duration) *PostgresStore {
	if d > 0 {
		p.lockTimeout = d
	}
	return p
}

const walletColumns = `id, owner_id, balance, version, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*Wallet, error) {
	w := &Wallet{}
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return w, nil
}

const txColumns = `id, wallet_id, type, amount, balance_before, balance_after, status, reference_id, description, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	tx := &Transaction{}
	var ref sql.NullString
	var typ string
	if err := row.Scan(&tx.ID, &tx.WalletID, &typ, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
		&tx.Status, &ref, &tx.Description, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.Type = TxType(typ)
	tx.ReferenceID = ref.String
	return tx, nil
}

func (p *PostgresStore) EnsureWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, 0, 0, NOW(), NOW())
		ON CONFLICT (owner_id) DO NOTHING
	`, idgen.New(), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", TranslateDBError(err))
	}
	return p.GetWalletByOwner(ctx, ownerID)
}

func (p *PostgresStore) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, TranslateDBError(err)
	}
	return w, nil
}

func (p *PostgresStore) GetWalletByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, TranslateDBError(err)
	}
	return w, nil
}

// Apply locks the wallet row, checks the reference, and writes the new
// balance and the transaction row in one database transaction. The
// non-negative CHECK and the unique reference index back up the in-code
// checks if anything slips past the row lock.
func (p *PostgresStore) Apply(ctx context.Context, d Delta) (*Result, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, TranslateDBError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, p.lockTimeout.Milliseconds())); err != nil {
		return nil, TranslateDBError(err)
	}

	w, err := scanWallet(tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, d.WalletID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, TranslateDBError(err)
	}

	if d.ReferenceID != "" {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM transactions
				WHERE wallet_id = $1 AND reference_id = $2 AND type = $3
			)`, d.WalletID, d.ReferenceID, string(d.Type)).Scan(&exists)
		if err != nil {
			return nil, TranslateDBError(err)
		}
		if exists {
			return nil, ErrDuplicateReference
		}
	}

	amount, after, err := plan(d, w.Balance)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return &Result{Wallet: w}, nil
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE wallets SET
			balance    = $2,
			version    = version + 1,
			updated_at = NOW()
		WHERE id = $1
		RETURNING version, updated_at
	`, d.WalletID, after).Scan(&w.Version, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", TranslateDBError(err))
	}

	rec := &Transaction{
		ID:            idgen.New(),
		WalletID:      d.WalletID,
		Type:          d.Type,
		Amount:        amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  after,
		Status:        TxStatusCompleted,
		ReferenceID:   d.ReferenceID,
		Description:   d.Description,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NOW())
		RETURNING created_at
	`, rec.ID, rec.WalletID, string(rec.Type), rec.Amount, rec.BalanceBefore, rec.BalanceAfter,
		rec.Status, rec.ReferenceID, rec.Description).Scan(&rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", TranslateDBError(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, TranslateDBError(err)
	}

	w.Balance = after
	return &Result{Transaction: rec, Wallet: w}, nil
}

func (p *PostgresStore) GetTransactionByReference(ctx context.Context, walletID, referenceID string, txType TxType) (*Transaction, error) {
	rec, err := scanTransaction(p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE wallet_id = $1 AND reference_id = $2 AND type = $3
	`, walletID, referenceID, string(txType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %w", ErrNotFound)
	}
	if err != nil {
		return nil, TranslateDBError(err)
	}
	return rec, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE wallet_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, walletID, limit)
	if err != nil {
		return nil, TranslateDBError(err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reconcile compares each wallet's balance with the sum of its transactions
// and walks the balanceBefore/balanceAfter chain in commit order.
func (p *PostgresStore) Reconcile(ctx context.Context) ([]Mismatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH sums AS (
			SELECT w.id, w.owner_id, w.balance, COALESCE(SUM(t.amount), 0) AS ledger_sum
			FROM wallets w
			LEFT JOIN transactions t ON t.wallet_id = w.id
			GROUP BY w.id, w.owner_id, w.balance
		),
		chain AS (
			SELECT DISTINCT ON (wallet_id) wallet_id, id
			FROM (
				SELECT wallet_id, id, seq, balance_before,
					LAG(balance_after, 1, 0::NUMERIC) OVER (PARTITION BY wallet_id ORDER BY seq) AS prev_after
				FROM transactions
			) linked
			WHERE balance_before <> prev_after
			ORDER BY wallet_id, seq
		)
		SELECT s.id, s.owner_id, s.balance, s.ledger_sum, COALESCE(c.id, '')
		FROM sums s
		LEFT JOIN chain c ON c.wallet_id = s.id
		WHERE s.balance <> s.ledger_sum OR c.id IS NOT NULL
		ORDER BY s.id
	`)
	if err != nil {
		return nil, TranslateDBError(err)
	}
	defer rows.Close()

	var out []Mismatch
	for rows.Next() {
		var mm Mismatch
		var bal, sum decimal.Decimal
		if err := rows.Scan(&mm.WalletID, &mm.OwnerID, &bal, &sum, &mm.BrokenLink); err != nil {
			return nil, err
		}
		mm.Balance, mm.LedgerSum = bal, sum
		out = append(out, mm)
	}
	return out, rows.Err()
}
