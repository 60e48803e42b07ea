package store

import (
	"context"
	"time"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionScheduled  AuctionStatus = "scheduled"
	AuctionInProgress AuctionStatus = "in_progress"
	AuctionEnded      AuctionStatus = "ended"
	AuctionWithdrawn  AuctionStatus = "withdrawn"
)

// OrderStatus is the lifecycle state of a winning order.
type OrderStatus string

const (
	OrderProcessing OrderStatus = "processing"
	OrderSuccess    OrderStatus = "success"
	OrderFailed     OrderStatus = "failed"
)

// SettlementStatus is the lifecycle state of a payout.
type SettlementStatus string

const (
	SettlementReady    SettlementStatus = "ready"
	SettlementDone     SettlementStatus = "done"
	SettlementFailed   SettlementStatus = "failed"
	SettlementCanceled SettlementStatus = "canceled"
)

// DepositStatus is the lifecycle state of a bidding deposit.
type DepositStatus string

const (
	DepositHold      DepositStatus = "hold"
	DepositReleased  DepositStatus = "released"
	DepositUsed      DepositStatus = "used"
	DepositForfeited DepositStatus = "forfeited"
)

// LedgerType classifies a wallet mutation.
type LedgerType string

const (
	LedgerHold       LedgerType = "hold"
	LedgerRelease    LedgerType = "release"
	LedgerUseDeposit LedgerType = "use_deposit"
	LedgerPay        LedgerType = "pay"
	LedgerForfeit    LedgerType = "forfeit"
	LedgerCharge     LedgerType = "charge"
	LedgerPayout     LedgerType = "payout"
	LedgerFee        LedgerType = "fee"
)

// Auction represents one auction row. CurrentPrice is nil until the first
// bid; StartTime is nil until the start is confirmed.
type Auction struct {
	ID           string        `db:"id"`
	ProductID    string        `db:"product_id"`
	SellerID     string        `db:"seller_id"`
	Status       AuctionStatus `db:"status"`
	StartPrice   int64         `db:"start_price"`
	CurrentPrice *int64        `db:"current_price"`
	TickSize     int64         `db:"tick_size"`
	StartTime    *time.Time    `db:"start_time"`
	EndTime      time.Time     `db:"end_time"`
	CreatedAt    time.Time     `db:"created_at"`
}

// Bid is an immutable price offer. Bids are only ever appended.
type Bid struct {
	ID        string    `db:"id"`
	AuctionID string    `db:"auction_id"`
	BidderID  string    `db:"bidder_id"`
	Amount    int64     `db:"amount"`
	BidTime   time.Time `db:"bid_time"`
}

// AuctionOrder is the winning transaction created at auction close.
type AuctionOrder struct {
	ID         string      `db:"id"`
	AuctionID  string      `db:"auction_id"`
	BidderID   string      `db:"bidder_id"`
	SellerID   string      `db:"seller_id"`
	FinalPrice int64       `db:"final_price"`
	Status     OrderStatus `db:"status"`
	CreatedAt  time.Time   `db:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at"`
}

// Settlement is the payout record, unique per auction.
// settlement_amount + fee_amount == sales_amount always holds.
type Settlement struct {
	ID               string           `db:"id"`
	AuctionID        string           `db:"auction_id"`
	SellerID         string           `db:"seller_id"`
	SalesAmount      int64            `db:"sales_amount"`
	FeeAmount        int64            `db:"fee_amount"`
	SettlementAmount int64            `db:"settlement_amount"`
	Status           SettlementStatus `db:"status"`
	TryCount         int              `db:"try_count"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

// Wallet is a member's balance plus the held subset.
// 0 <= holding_amount <= balance at all times.
type Wallet struct {
	ID            string    `db:"id"`
	MemberID      string    `db:"member_id"`
	Balance       int64     `db:"balance"`
	HoldingAmount int64     `db:"holding_amount"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Available returns the spendable portion of the balance.
func (w Wallet) Available() int64 { return w.Balance - w.HoldingAmount }

// Deposit is the earmark a bidder holds for one auction.
type Deposit struct {
	ID        string        `db:"id"`
	MemberID  string        `db:"member_id"`
	AuctionID string        `db:"auction_id"`
	Amount    int64         `db:"amount"`
	Status    DepositStatus `db:"status"`
	CreatedAt time.Time     `db:"created_at"`
	UpdatedAt time.Time     `db:"updated_at"`
}

// LedgerTransaction is one immutable audit row describing a wallet change.
// BalanceAfter snapshots the balance as of this row; summing BalanceDelta in
// insertion order reproduces the wallet balance exactly.
type LedgerTransaction struct {
	ID            string     `db:"id"`
	MemberID      string     `db:"member_id"`
	WalletID      string     `db:"wallet_id"`
	Type          LedgerType `db:"type"`
	BalanceDelta  int64      `db:"balance_delta"`
	HoldingDelta  int64      `db:"holding_delta"`
	BalanceAfter  int64      `db:"balance_after"`
	ReferenceType string     `db:"reference_type"`
	ReferenceID   string     `db:"reference_id"`
	CreatedAt     time.Time  `db:"created_at"`
}

// WalletMutation describes one wallet change and the ledger row that must be
// appended with it. Drivers apply the two as a single atomic unit under an
// exclusive lock on the wallet row.
type WalletMutation struct {
	Type          LedgerType
	BalanceDelta  int64
	HoldingDelta  int64
	ReferenceType string
	ReferenceID   string
}

// WalletRepository defines wallet persistence operations.
type WalletRepository interface {
	Create(ctx context.Context, memberID string) (*Wallet, error)
	GetByMemberID(ctx context.Context, memberID string) (*Wallet, error)
	// Apply mutates the wallet and appends the matching ledger row atomically.
	// It returns ErrWalletInvariant when the mutation would break
	// 0 <= holding <= balance, and ErrDuplicateReference when a ledger row with
	// the same (type, reference_type, reference_id) already exists.
	Apply(ctx context.Context, memberID string, mut WalletMutation) (*Wallet, error)
	// Ledger returns the wallet's ledger rows in insertion order.
	Ledger(ctx context.Context, memberID string) ([]LedgerTransaction, error)
}

// AuctionRepository defines auction and bid persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	// UpdateStatus transitions the auction from one status to another,
	// returning ErrConflict when the row is not currently in from.
	UpdateStatus(ctx context.Context, id string, from, to AuctionStatus) error
	SetStartTime(ctx context.Context, id string, startTime time.Time) error
	UpdateEndTime(ctx context.Context, id string, endTime time.Time) error
	UpdateCurrentPrice(ctx context.Context, id string, price int64) error
	ListByStatus(ctx context.Context, status AuctionStatus) ([]Auction, error)
	AppendBid(ctx context.Context, b *Bid) error
	ListBids(ctx context.Context, auctionID string) ([]Bid, error)
}

// OrderRepository defines auction order persistence operations.
type OrderRepository interface {
	Create(ctx context.Context, o *AuctionOrder) error
	GetByAuctionID(ctx context.Context, auctionID string) (*AuctionOrder, error)
	// UpdateStatus transitions the order, returning ErrConflict when the row
	// is not currently in from.
	UpdateStatus(ctx context.Context, id string, from, to OrderStatus) error
	// ListOverdue pages through processing orders created before cutoff.
	// afterID is the last order id of the previous page ("" for the first).
	ListOverdue(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]AuctionOrder, error)
}

// SettlementRepository defines settlement persistence operations.
type SettlementRepository interface {
	// Create inserts a READY settlement, returning ErrDuplicate when one
	// already exists for the auction.
	Create(ctx context.Context, s *Settlement) error
	GetByAuctionID(ctx context.Context, auctionID string) (*Settlement, error)
	// ClaimReady leases up to limit READY settlements using claim-and-skip
	// semantics: concurrent callers receive disjoint rows.
	ClaimReady(ctx context.Context, limit int) ([]Settlement, error)
	// MarkDone completes a claimed settlement.
	MarkDone(ctx context.Context, id string) error
	// RecordFailure releases the claim and increments try_count; once
	// try_count exceeds maxTry the settlement is marked FAILED and terminal
	// is true.
	RecordFailure(ctx context.Context, id string, maxTry int) (terminal bool, err error)
}

// DepositRepository defines deposit persistence operations.
type DepositRepository interface {
	// Create inserts a HOLD deposit, returning ErrDuplicate when one already
	// exists for the (member, auction) pair.
	Create(ctx context.Context, d *Deposit) error
	Get(ctx context.Context, memberID, auctionID string) (*Deposit, error)
	ListByAuction(ctx context.Context, auctionID string, status DepositStatus) ([]Deposit, error)
	// UpdateStatus transitions the deposit, returning ErrConflict when the
	// row is not currently in from.
	UpdateStatus(ctx context.Context, id string, from, to DepositStatus) error
}
