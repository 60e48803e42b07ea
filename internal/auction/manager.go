// Package auction runs the bidding phase: scheduled auctions are confirmed
// into progress, bids advance the monotone current price under a per-auction
// mutex, and the end-time close turns the highest bid into a processing order.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/deposit"
	"github.com/bugzero/auctiond/internal/event"
	"github.com/bugzero/auctiond/internal/store"
)

// Scheduler arms and cancels the timers that fire auction settlement at
// end time.
type Scheduler interface {
	Schedule(auctionID string, endTime time.Time) error
	Cancel(auctionID string)
}

// NopScheduler discards scheduling calls. Used by tests and by tools that
// operate on auctions without running timers.
type NopScheduler struct{}

func (NopScheduler) Schedule(string, time.Time) error { return nil }
func (NopScheduler) Cancel(string)                    {}

// Manager coordinates auction lifecycle and bidding concurrency.
type Manager struct {
	mu      sync.RWMutex
	running map[string]*Auction

	auctions    store.AuctionRepository
	orders      store.OrderRepository
	deposits    *deposit.Manager
	sched       Scheduler
	dispatcher  event.Dispatcher
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock
	depositRate int64 // percent of start price held on first bid
}

// NewManager creates a new auction Manager. depositRate is the percentage of
// the start price earmarked as the bidder's deposit.
func NewManager(
	auctions store.AuctionRepository,
	orders store.OrderRepository,
	deposits *deposit.Manager,
	sched Scheduler,
	dispatcher event.Dispatcher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	clk clock.Clock,
	depositRate int64,
) *Manager {
	return &Manager{
		running:     make(map[string]*Auction),
		auctions:    auctions,
		orders:      orders,
		deposits:    deposits,
		sched:       sched,
		dispatcher:  dispatcher,
		logger:      logger,
		tracer:      tp.Tracer("github.com/bugzero/auctiond/internal/auction"),
		clock:       clk,
		depositRate: depositRate,
	}
}

// Create records a new SCHEDULED auction. The tick size is derived from the
// start price band once, here, and never changes.
func (m *Manager) Create(ctx context.Context, productID, sellerID string, startPrice int64, endTime time.Time) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Create",
		trace.WithAttributes(
			attribute.String("product_id", productID),
			attribute.Int64("start_price", startPrice),
		),
	)
	defer span.End()

	if startPrice <= 0 {
		return nil, ErrInvalidPrice
	}
	if !endTime.After(m.clock.Now()) {
		return nil, ErrInvalidEndTime
	}

	a := &store.Auction{
		ProductID:  productID,
		SellerID:   sellerID,
		Status:     store.AuctionScheduled,
		StartPrice: startPrice,
		TickSize:   TickSizeFor(startPrice),
		EndTime:    endTime,
	}
	if err := m.auctions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	m.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("product_id", productID),
		slog.Int64("start_price", startPrice),
		slog.Int64("tick_size", a.TickSize),
	)
	return a, nil
}

// ConfirmStart moves a SCHEDULED auction into IN_PROGRESS, stamps the start
// time and arms the end-time timer.
func (m *Manager) ConfirmStart(ctx context.Context, auctionID string) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ConfirmStart",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	if err := m.auctions.UpdateStatus(ctx, auctionID, store.AuctionScheduled, store.AuctionInProgress); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrNotScheduled
		}
		return nil, fmt.Errorf("starting auction: %w", err)
	}

	now := m.clock.Now()
	if err := m.auctions.SetStartTime(ctx, auctionID, now); err != nil {
		return nil, fmt.Errorf("recording start time: %w", err)
	}

	a, err := m.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.running[auctionID] = newAggregate(*a, nil)
	m.mu.Unlock()

	if err := m.sched.Schedule(auctionID, a.EndTime); err != nil {
		m.logger.ErrorContext(ctx, "failed to arm auction timer",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
	}

	m.logger.InfoContext(ctx, "auction started",
		slog.String("auction_id", auctionID),
		slog.Time("end_time", a.EndTime),
	)
	return a, nil
}

// PlaceBid validates and records a bid, holding the bidder's deposit on their
// first bid in this auction.
func (m *Manager) PlaceBid(ctx context.Context, auctionID, bidderID string, amount int64) error {
	ctx, span := m.tracer.Start(ctx, "Manager.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("bidder_id", bidderID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	agg, err := m.aggregate(ctx, auctionID)
	if err != nil {
		return err
	}
	snap := agg.Snapshot()

	// Hold the deposit before accepting the bid. A deposit from an earlier
	// bid on this auction already covers the member.
	depositAmount := snap.StartPrice * m.depositRate / 100
	if depositAmount > 0 {
		if _, err := m.deposits.Hold(ctx, bidderID, auctionID, depositAmount); err != nil &&
			!errors.Is(err, deposit.ErrDepositExists) {
			return fmt.Errorf("holding bid deposit: %w", err)
		}
	}

	b, err := agg.PlaceBid(bidderID, amount, m.clock.Now())
	if err != nil {
		return err
	}

	if err := m.auctions.AppendBid(ctx, b); err != nil {
		return fmt.Errorf("persisting bid: %w", err)
	}
	// ErrConflict means a higher price was recorded concurrently; the
	// monotone guard already kept the right value.
	if err := m.auctions.UpdateCurrentPrice(ctx, auctionID, b.Amount); err != nil && !errors.Is(err, store.ErrConflict) {
		m.logger.ErrorContext(ctx, "failed to persist current price",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
	}

	m.dispatcher.Dispatch(ctx, event.New(auctionID, event.BidPlaced, event.BidPlacedData{
		AuctionID:    auctionID,
		BidderID:     bidderID,
		Amount:       b.Amount,
		CurrentPrice: b.Amount,
	}, m.clock.Now()))

	m.logger.InfoContext(ctx, "bid placed",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidderID),
		slog.Int64("amount", amount),
	)
	return nil
}

// Close ends the auction: the highest bid wins, a PROCESSING order is created
// for the winner, and every other held deposit is released. It returns the
// created order, or nil when the auction ended without bids.
func (m *Manager) Close(ctx context.Context, auctionID string) (*store.AuctionOrder, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Close",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	agg, err := m.aggregate(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	winner, err := agg.Close()
	if err != nil {
		return nil, err
	}
	snap := agg.Snapshot()

	if err := m.auctions.UpdateStatus(ctx, auctionID, store.AuctionInProgress, store.AuctionEnded); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Already closed by a competing caller; nothing left to do here.
			order, getErr := m.orders.GetByAuctionID(ctx, auctionID)
			if errors.Is(getErr, store.ErrNotFound) {
				return nil, nil
			}
			return order, getErr
		}
		return nil, fmt.Errorf("ending auction: %w", err)
	}

	m.mu.Lock()
	delete(m.running, auctionID)
	m.mu.Unlock()

	var order *store.AuctionOrder
	winnerID := ""
	if winner != nil {
		winnerID = winner.BidderID
		order = &store.AuctionOrder{
			AuctionID:  auctionID,
			BidderID:   winner.BidderID,
			SellerID:   snap.SellerID,
			FinalPrice: winner.Amount,
			Status:     store.OrderProcessing,
		}
		if err := m.orders.Create(ctx, order); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("creating winning order: %w", err)
		}
	}

	if _, err := m.deposits.ReleaseAll(ctx, auctionID, winnerID); err != nil {
		m.logger.ErrorContext(ctx, "failed to release deposits at close",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
	}

	data := event.AuctionEndedData{AuctionID: auctionID, WinnerID: winnerID}
	if winner != nil {
		data.FinalPrice = winner.Amount
	}
	m.dispatcher.Dispatch(ctx, event.New(auctionID, event.AuctionEnded, data, m.clock.Now()))

	m.logger.InfoContext(ctx, "auction ended",
		slog.String("auction_id", auctionID),
		slog.String("winner_id", winnerID),
	)
	return order, nil
}

// UpdateEndTime moves the auction deadline and rearms the timer when the
// auction is already running.
func (m *Manager) UpdateEndTime(ctx context.Context, auctionID string, endTime time.Time) error {
	ctx, span := m.tracer.Start(ctx, "Manager.UpdateEndTime",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	if !endTime.After(m.clock.Now()) {
		return ErrInvalidEndTime
	}

	a, err := m.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return err
	}
	if a.Status != store.AuctionScheduled && a.Status != store.AuctionInProgress {
		return ErrNotActive
	}

	if err := m.auctions.UpdateEndTime(ctx, auctionID, endTime); err != nil {
		return fmt.Errorf("updating end time: %w", err)
	}

	m.mu.RLock()
	agg, running := m.running[auctionID]
	m.mu.RUnlock()
	if running {
		agg.SetEndTime(endTime)
	}
	if a.Status == store.AuctionInProgress {
		if err := m.sched.Schedule(auctionID, endTime); err != nil {
			m.logger.ErrorContext(ctx, "failed to rearm auction timer",
				slog.String("auction_id", auctionID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// Withdraw cancels an auction that has not started yet.
func (m *Manager) Withdraw(ctx context.Context, auctionID string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Withdraw",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	if err := m.auctions.UpdateStatus(ctx, auctionID, store.AuctionScheduled, store.AuctionWithdrawn); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrAlreadyStarted
		}
		return fmt.Errorf("withdrawing auction: %w", err)
	}
	m.sched.Cancel(auctionID)

	m.dispatcher.Dispatch(ctx, event.New(auctionID, event.AuctionWithdrawn, nil, m.clock.Now()))
	m.logger.InfoContext(ctx, "auction withdrawn", slog.String("auction_id", auctionID))
	return nil
}

// Get returns the persisted auction row.
func (m *Manager) Get(ctx context.Context, auctionID string) (*store.Auction, error) {
	return m.auctions.GetByID(ctx, auctionID)
}

// Recover reloads every IN_PROGRESS auction into the running registry and
// rearms its timer. Called on leader startup so a failover resumes the
// end-time schedule.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Recover")
	defer span.End()

	rows, err := m.auctions.ListByStatus(ctx, store.AuctionInProgress)
	if err != nil {
		return 0, fmt.Errorf("listing running auctions: %w", err)
	}

	recovered := 0
	for _, row := range rows {
		agg, err := m.load(ctx, row)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to recover auction",
				slog.String("auction_id", row.ID),
				slog.Any("error", err),
			)
			continue
		}
		m.mu.Lock()
		m.running[row.ID] = agg
		m.mu.Unlock()

		if err := m.sched.Schedule(row.ID, row.EndTime); err != nil {
			m.logger.ErrorContext(ctx, "failed to rearm recovered auction",
				slog.String("auction_id", row.ID),
				slog.Any("error", err),
			)
		}
		recovered++
	}

	m.logger.InfoContext(ctx, "auction recovery complete", slog.Int("recovered", recovered))
	return recovered, nil
}

// aggregate returns the cached running aggregate, loading it from the store
// on first access after a restart.
func (m *Manager) aggregate(ctx context.Context, auctionID string) (*Auction, error) {
	m.mu.RLock()
	agg, ok := m.running[auctionID]
	m.mu.RUnlock()
	if ok {
		return agg, nil
	}

	row, err := m.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if row.Status != store.AuctionInProgress {
		return nil, ErrNotActive
	}

	agg, err = m.load(ctx, *row)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cached, ok := m.running[auctionID]; ok {
		agg = cached
	} else {
		m.running[auctionID] = agg
	}
	m.mu.Unlock()
	return agg, nil
}

// load rebuilds the aggregate from its row and bid history.
func (m *Manager) load(ctx context.Context, row store.Auction) (*Auction, error) {
	bids, err := m.auctions.ListBids(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("loading bids: %w", err)
	}
	var highest *store.Bid
	for i := range bids {
		if highest == nil || bids[i].Amount > highest.Amount {
			highest = &bids[i]
		}
	}
	return newAggregate(row, highest), nil
}
