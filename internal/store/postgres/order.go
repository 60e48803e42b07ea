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

// OrderRepo implements store.OrderRepository with sqlx.
type OrderRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewOrderRepo returns a new OrderRepo.
func NewOrderRepo(db *sqlx.DB, clk clock.Clock) *OrderRepo {
	return &OrderRepo{db: db, clk: clk}
}

func (r *OrderRepo) Create(ctx context.Context, o *store.AuctionOrder) error {
	o.CreatedAt = r.clk.Now().UTC()
	o.UpdatedAt = o.CreatedAt
	query := `INSERT INTO auction_orders (auction_id, bidder_id, seller_id, final_price, status, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	err := r.db.QueryRowContext(ctx, query,
		o.AuctionID, o.BidderID, o.SellerID, o.FinalPrice, o.Status, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("creating order: %w", err)
	}
	return nil
}

func (r *OrderRepo) GetByAuctionID(ctx context.Context, auctionID string) (*store.AuctionOrder, error) {
	var o store.AuctionOrder
	err := r.db.GetContext(ctx, &o, `SELECT * FROM auction_orders WHERE auction_id = $1`, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	return &o, nil
}

func (r *OrderRepo) UpdateStatus(ctx context.Context, id string, from, to store.OrderStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auction_orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, r.clk.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("updating order status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

// ListOverdue pages through processing orders created before cutoff using
// keyset pagination on id. An empty afterID starts from the first page; the
// NULLIF guard keeps the empty cursor from being bound as a uuid.
func (r *OrderRepo) ListOverdue(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]store.AuctionOrder, error) {
	var orders []store.AuctionOrder
	err := r.db.SelectContext(ctx, &orders,
		`SELECT * FROM auction_orders
		 WHERE status = $1 AND created_at < $2
		   AND (NULLIF($3, '') IS NULL OR id > NULLIF($3, '')::uuid)
		 ORDER BY id ASC LIMIT $4`,
		store.OrderProcessing, cutoff, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing overdue orders: %w", err)
	}
	return orders, nil
}
