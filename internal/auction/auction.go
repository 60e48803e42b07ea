package auction

import (
	"errors"
	"sync"
	"time"

	"github.com/bugzero/auctiond/internal/store"
)

// Errors returned by auction operations.
var (
	ErrNotActive      = errors.New("auction is not accepting bids")
	ErrBidTooLow      = errors.New("bid is below the minimum for this auction")
	ErrAlreadyStarted = errors.New("auction has already started")
	ErrNotScheduled   = errors.New("auction start is not pending confirmation")
	ErrInvalidEndTime = errors.New("end time must be in the future")
	ErrInvalidPrice   = errors.New("start price must be positive")
)

// TickSizeFor returns the minimum bid increment for a start price. Bands are
// fixed: cheap items move in small steps, expensive ones in large.
func TickSizeFor(startPrice int64) int64 {
	switch {
	case startPrice < 10_000:
		return 100
	case startPrice < 100_000:
		return 500
	case startPrice < 1_000_000:
		return 1_000
	default:
		return 5_000
	}
}

// Auction is the in-memory aggregate for one running auction. All bid
// validation happens under its mutex, so two concurrent bids serialize and the
// loser revalidates against the winner's price.
type Auction struct {
	mu      sync.Mutex
	row     store.Auction
	highest *store.Bid
}

// newAggregate wraps a persisted auction row. highest may be nil when the
// auction has no bids yet.
func newAggregate(row store.Auction, highest *store.Bid) *Auction {
	return &Auction{row: row, highest: highest}
}

// minBid returns the lowest acceptable bid amount. Callers hold a.mu.
func (a *Auction) minBid() int64 {
	if a.row.CurrentPrice == nil {
		return a.row.StartPrice
	}
	return *a.row.CurrentPrice + a.row.TickSize
}

// PlaceBid validates and applies a bid at the given instant. On success the
// aggregate's current price has advanced and the accepted bid is returned;
// the caller persists it.
func (a *Auction) PlaceBid(bidderID string, amount int64, now time.Time) (*store.Bid, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.row.Status != store.AuctionInProgress || !now.Before(a.row.EndTime) {
		return nil, ErrNotActive
	}
	if amount < a.minBid() {
		return nil, ErrBidTooLow
	}

	price := amount
	a.row.CurrentPrice = &price
	b := &store.Bid{
		AuctionID: a.row.ID,
		BidderID:  bidderID,
		Amount:    amount,
		BidTime:   now,
	}
	a.highest = b
	return b, nil
}

// Close marks the aggregate ended and returns the winning bid, or nil when no
// bid was placed. Closing twice returns ErrNotActive.
func (a *Auction) Close() (*store.Bid, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.row.Status != store.AuctionInProgress {
		return nil, ErrNotActive
	}
	a.row.Status = store.AuctionEnded
	return a.highest, nil
}

// SetEndTime moves the aggregate's deadline.
func (a *Auction) SetEndTime(endTime time.Time) {
	a.mu.Lock()
	a.row.EndTime = endTime
	a.mu.Unlock()
}

// Snapshot returns a copy of the aggregate's current row.
func (a *Auction) Snapshot() store.Auction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.row
}
