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

// DepositRepo implements store.DepositRepository with sqlx.
type DepositRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewDepositRepo returns a new DepositRepo.
func NewDepositRepo(db *sqlx.DB, clk clock.Clock) *DepositRepo {
	return &DepositRepo{db: db, clk: clk}
}

func (r *DepositRepo) Create(ctx context.Context, d *store.Deposit) error {
	d.CreatedAt = r.clk.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	query := `INSERT INTO deposits (member_id, auction_id, amount, status, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	err := r.db.QueryRowContext(ctx, query,
		d.MemberID, d.AuctionID, d.Amount, d.Status, d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("creating deposit: %w", err)
	}
	return nil
}

func (r *DepositRepo) Get(ctx context.Context, memberID, auctionID string) (*store.Deposit, error) {
	var d store.Deposit
	err := r.db.GetContext(ctx, &d,
		`SELECT * FROM deposits WHERE member_id = $1 AND auction_id = $2`, memberID, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting deposit: %w", err)
	}
	return &d, nil
}

func (r *DepositRepo) ListByAuction(ctx context.Context, auctionID string, status store.DepositStatus) ([]store.Deposit, error) {
	var deposits []store.Deposit
	err := r.db.SelectContext(ctx, &deposits,
		`SELECT * FROM deposits WHERE auction_id = $1 AND status = $2 ORDER BY created_at ASC`,
		auctionID, status)
	if err != nil {
		return nil, fmt.Errorf("listing deposits: %w", err)
	}
	return deposits, nil
}

func (r *DepositRepo) UpdateStatus(ctx context.Context, id string, from, to store.DepositStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE deposits SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, r.clk.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("updating deposit status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}
