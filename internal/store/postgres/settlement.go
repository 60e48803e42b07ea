package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/store"
)

// claimLease is how long a claimed settlement stays invisible to other
// workers. A worker that dies mid-settlement loses its claim after this.
const claimLease = 5 * time.Minute

// SettlementRepo implements store.SettlementRepository with sqlx.
type SettlementRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewSettlementRepo returns a new SettlementRepo.
func NewSettlementRepo(db *sqlx.DB, clk clock.Clock) *SettlementRepo {
	return &SettlementRepo{db: db, clk: clk}
}

func (r *SettlementRepo) Create(ctx context.Context, s *store.Settlement) error {
	s.CreatedAt = r.clk.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	query := `INSERT INTO settlements
	           (auction_id, seller_id, sales_amount, fee_amount, settlement_amount, status, try_count, created_at, updated_at)
	         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
	err := r.db.QueryRowContext(ctx, query,
		s.AuctionID, s.SellerID, s.SalesAmount, s.FeeAmount, s.SettlementAmount,
		s.Status, s.TryCount, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("creating settlement: %w", err)
	}
	return nil
}

func (r *SettlementRepo) GetByAuctionID(ctx context.Context, auctionID string) (*store.Settlement, error) {
	var s store.Settlement
	err := r.db.GetContext(ctx, &s,
		`SELECT id, auction_id, seller_id, sales_amount, fee_amount, settlement_amount, status, try_count, created_at, updated_at
		 FROM settlements WHERE auction_id = $1`, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting settlement: %w", err)
	}
	return &s, nil
}

// ClaimReady leases up to limit READY settlements. FOR UPDATE SKIP LOCKED
// keeps concurrent workers on disjoint rows; the claimed_until lease keeps a
// row invisible to later passes until the claim expires.
func (r *SettlementRepo) ClaimReady(ctx context.Context, limit int) ([]store.Settlement, error) {
	now := r.clk.Now().UTC()
	var claimed []store.Settlement
	err := r.db.SelectContext(ctx, &claimed,
		`UPDATE settlements SET claimed_until = $1
		 WHERE id IN (
		   SELECT id FROM settlements
		   WHERE status = $2 AND (claimed_until IS NULL OR claimed_until < $3)
		   ORDER BY created_at ASC
		   LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, auction_id, seller_id, sales_amount, fee_amount, settlement_amount, status, try_count, created_at, updated_at`,
		now.Add(claimLease), store.SettlementReady, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming settlements: %w", err)
	}
	return claimed, nil
}

func (r *SettlementRepo) MarkDone(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE settlements SET status = $1, claimed_until = NULL, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		store.SettlementDone, r.clk.Now().UTC(), id, store.SettlementReady)
	if err != nil {
		return fmt.Errorf("marking settlement done: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

// RecordFailure releases the claim and increments try_count; past maxTry the
// settlement goes FAILED and stays there for manual remediation.
func (r *SettlementRepo) RecordFailure(ctx context.Context, id string, maxTry int) (bool, error) {
	var status store.SettlementStatus
	err := r.db.QueryRowContext(ctx,
		`UPDATE settlements
		 SET try_count = try_count + 1,
		     claimed_until = NULL,
		     updated_at = $1,
		     status = CASE WHEN try_count + 1 > $2 THEN $3::text ELSE status END
		 WHERE id = $4 AND status = $5
		 RETURNING status`,
		r.clk.Now().UTC(), maxTry, store.SettlementFailed, id, store.SettlementReady,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrConflict
	}
	if err != nil {
		return false, fmt.Errorf("recording settlement failure: %w", err)
	}
	return status == store.SettlementFailed, nil
}
