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

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clk: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	a.CreatedAt = r.clk.Now().UTC()
	query := `INSERT INTO auctions
	           (product_id, seller_id, status, start_price, current_price, tick_size, start_time, end_time, created_at)
	         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
	err := r.db.QueryRowContext(ctx, query,
		a.ProductID, a.SellerID, a.Status, a.StartPrice, a.CurrentPrice, a.TickSize,
		a.StartTime, a.EndTime, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) UpdateStatus(ctx context.Context, id string, from, to store.AuctionStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return fmt.Errorf("updating auction status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (r *AuctionRepo) SetStartTime(ctx context.Context, id string, startTime time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET start_time = $1 WHERE id = $2`, startTime, id)
	if err != nil {
		return fmt.Errorf("setting start time: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *AuctionRepo) UpdateEndTime(ctx context.Context, id string, endTime time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET end_time = $1 WHERE id = $2`, endTime, id)
	if err != nil {
		return fmt.Errorf("updating end time: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateCurrentPrice raises the current price. The guard keeps the price
// monotone even if two writers race.
func (r *AuctionRepo) UpdateCurrentPrice(ctx context.Context, id string, price int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET current_price = $1
		 WHERE id = $2 AND (current_price IS NULL OR current_price < $1)`, price, id)
	if err != nil {
		return fmt.Errorf("updating current price: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (r *AuctionRepo) ListByStatus(ctx context.Context, status store.AuctionStatus) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = $1 ORDER BY end_time ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) AppendBid(ctx context.Context, b *store.Bid) error {
	query := `INSERT INTO bids (auction_id, bidder_id, amount, bid_time)
	           VALUES ($1, $2, $3, $4) RETURNING id`
	err := r.db.QueryRowContext(ctx, query, b.AuctionID, b.BidderID, b.Amount, b.BidTime).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("appending bid: %w", err)
	}
	return nil
}

func (r *AuctionRepo) ListBids(ctx context.Context, auctionID string) ([]store.Bid, error) {
	var bids []store.Bid
	err := r.db.SelectContext(ctx, &bids,
		`SELECT * FROM bids WHERE auction_id = $1 ORDER BY bid_time ASC, id ASC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}
