package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/store"
)

// WalletRepo implements store.WalletRepository with sqlx.
type WalletRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewWalletRepo returns a new WalletRepo.
func NewWalletRepo(db *sqlx.DB, clk clock.Clock) *WalletRepo {
	return &WalletRepo{db: db, clk: clk}
}

func (r *WalletRepo) Create(ctx context.Context, memberID string) (*store.Wallet, error) {
	w := &store.Wallet{
		MemberID:  memberID,
		CreatedAt: r.clk.Now().UTC(),
	}
	w.UpdatedAt = w.CreatedAt

	query := `INSERT INTO wallets (member_id, balance, holding_amount, created_at, updated_at)
	           VALUES ($1, 0, 0, $2, $3) RETURNING id`
	err := r.db.QueryRowContext(ctx, query, w.MemberID, w.CreatedAt, w.UpdatedAt).Scan(&w.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, fmt.Errorf("creating wallet: %w", err)
	}
	return w, nil
}

func (r *WalletRepo) GetByMemberID(ctx context.Context, memberID string) (*store.Wallet, error) {
	var w store.Wallet
	err := r.db.GetContext(ctx, &w, `SELECT * FROM wallets WHERE member_id = $1`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting wallet: %w", err)
	}
	return &w, nil
}

// Apply locks the wallet row, checks the balance/holding invariant, and writes
// the mutation together with its ledger row in one transaction. The row lock
// is what serializes concurrent operations on the same member's wallet.
func (r *WalletRepo) Apply(ctx context.Context, memberID string, mut store.WalletMutation) (*store.Wallet, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var w store.Wallet
	err = tx.GetContext(ctx, &w, `SELECT * FROM wallets WHERE member_id = $1 FOR UPDATE`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking wallet: %w", err)
	}

	newBalance := w.Balance + mut.BalanceDelta
	newHolding := w.HoldingAmount + mut.HoldingDelta
	if newBalance < 0 || newHolding < 0 || newHolding > newBalance {
		return nil, store.ErrWalletInvariant
	}

	now := r.clk.Now().UTC()
	if _, err = tx.ExecContext(ctx,
		`UPDATE wallets SET balance = $1, holding_amount = $2, updated_at = $3 WHERE id = $4`,
		newBalance, newHolding, now, w.ID,
	); err != nil {
		return nil, fmt.Errorf("updating wallet: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_transactions
		   (member_id, wallet_id, type, balance_delta, holding_delta, balance_after, reference_type, reference_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.MemberID, w.ID, mut.Type, mut.BalanceDelta, mut.HoldingDelta, newBalance,
		mut.ReferenceType, mut.ReferenceID, now,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateReference
		}
		return nil, fmt.Errorf("appending ledger row: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing wallet mutation: %w", err)
	}

	w.Balance = newBalance
	w.HoldingAmount = newHolding
	w.UpdatedAt = now
	return &w, nil
}

func (r *WalletRepo) Ledger(ctx context.Context, memberID string) ([]store.LedgerTransaction, error) {
	var rows []store.LedgerTransaction
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM ledger_transactions WHERE member_id = $1 ORDER BY created_at ASC, id ASC`, memberID)
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	return rows, nil
}
