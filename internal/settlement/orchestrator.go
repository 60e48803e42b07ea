// Package settlement turns ended auctions into money movement: the winner's
// checkout, the seller's payout batch, and the forfeiture payouts created by
// the payment-timeout sweep.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bugzero/auctiond/internal/auction"
	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/deposit"
	"github.com/bugzero/auctiond/internal/event"
	"github.com/bugzero/auctiond/internal/store"
	"github.com/bugzero/auctiond/internal/wallet"
)

// MaxTryCount is how many retries a settlement gets after its first failed
// execution; the attempt after the last retry marks it FAILED for manual
// remediation.
const MaxTryCount = 3

// feeRatePercent is the platform's cut of a sale. Forfeiture settlements are
// fee-free.
const feeRatePercent = 10

// FeeFor returns the platform fee for a sales amount, rounded down.
func FeeFor(sales int64) int64 { return sales * feeRatePercent / 100 }

// Errors returned by settlement operations.
var (
	ErrOrderNotPayable = errors.New("order is not awaiting payment")
	ErrNotOrderOwner   = errors.New("order belongs to a different member")
)

// PaymentGateway authorizes the winner's external charge at checkout. The
// implementation is outside this module; NopGateway approves everything.
type PaymentGateway interface {
	Charge(ctx context.Context, memberID string, amount int64, reference string) error
}

// NopGateway approves every charge.
type NopGateway struct{}

func (NopGateway) Charge(context.Context, string, int64, string) error { return nil }

// Orchestrator owns the settlement lifecycle.
type Orchestrator struct {
	settlements store.SettlementRepository
	orders      store.OrderRepository
	auctions    *auction.Manager
	deposits    *deposit.Manager
	wallets     *wallet.Manager
	gateway     PaymentGateway
	dispatcher  event.Dispatcher
	pool        *ants.Pool
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock
}

// NewOrchestrator creates an Orchestrator with a bounded worker pool of
// poolSize goroutines for batch execution.
func NewOrchestrator(
	settlements store.SettlementRepository,
	orders store.OrderRepository,
	auctions *auction.Manager,
	deposits *deposit.Manager,
	wallets *wallet.Manager,
	gateway PaymentGateway,
	dispatcher event.Dispatcher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	clk clock.Clock,
	poolSize int,
) (*Orchestrator, error) {
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("creating settlement pool: %w", err)
	}
	return &Orchestrator{
		settlements: settlements,
		orders:      orders,
		auctions:    auctions,
		deposits:    deposits,
		wallets:     wallets,
		gateway:     gateway,
		dispatcher:  dispatcher,
		pool:        pool,
		logger:      logger,
		tracer:      tp.Tracer("github.com/bugzero/auctiond/internal/settlement"),
		clock:       clk,
	}, nil
}

// Close releases the worker pool.
func (o *Orchestrator) Close() { o.pool.Release() }

// SettleOne runs the end-of-auction settlement for a single auction: the
// auction is closed (winner order created, loser deposits released) and any
// READY settlement already recorded for it is executed. The timer scheduler
// fires this at end time; it is safe to call again for an already-closed
// auction.
func (o *Orchestrator) SettleOne(ctx context.Context, auctionID string) error {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.SettleOne",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	if _, err := o.auctions.Close(ctx, auctionID); err != nil && !errors.Is(err, auction.ErrNotActive) {
		return fmt.Errorf("closing auction: %w", err)
	}

	s, err := o.settlements.GetByAuctionID(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		// Normal sales have no settlement until the winner checks out.
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading settlement: %w", err)
	}
	if s.Status != store.SettlementReady {
		return nil
	}

	if err := o.execute(ctx, s); err != nil {
		o.recordFailure(ctx, s, err)
		return err
	}
	return nil
}

// Checkout completes the winner's payment: the external charge is authorized
// first, then the deposit earmark is lifted and the full final price debited
// from the wallet, the order moves to SUCCESS, and a READY settlement is
// recorded for the batch.
func (o *Orchestrator) Checkout(ctx context.Context, auctionID, memberID string) (*store.Settlement, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Checkout",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("member_id", memberID),
		),
	)
	defer span.End()

	order, err := o.orders.GetByAuctionID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if order.Status != store.OrderProcessing {
		return nil, ErrOrderNotPayable
	}
	if order.BidderID != memberID {
		return nil, ErrNotOrderOwner
	}

	if err := o.gateway.Charge(ctx, memberID, order.FinalPrice, order.ID); err != nil {
		return nil, fmt.Errorf("authorizing charge: %w", err)
	}

	if _, err := o.deposits.Use(ctx, memberID, auctionID); err != nil &&
		!errors.Is(err, deposit.ErrNotHeld) && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("consuming deposit: %w", err)
	}
	if _, err := o.wallets.Pay(ctx, memberID, order.FinalPrice, "order", order.ID); err != nil &&
		!errors.Is(err, store.ErrDuplicateReference) {
		return nil, fmt.Errorf("debiting payment: %w", err)
	}

	if err := o.orders.UpdateStatus(ctx, order.ID, store.OrderProcessing, store.OrderSuccess); err != nil {
		return nil, fmt.Errorf("completing order: %w", err)
	}

	fee := FeeFor(order.FinalPrice)
	s := &store.Settlement{
		AuctionID:        auctionID,
		SellerID:         order.SellerID,
		SalesAmount:      order.FinalPrice,
		FeeAmount:        fee,
		SettlementAmount: order.FinalPrice - fee,
		Status:           store.SettlementReady,
	}
	if err := o.settlements.Create(ctx, s); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return o.settlements.GetByAuctionID(ctx, auctionID)
		}
		return nil, fmt.Errorf("recording settlement: %w", err)
	}

	o.logger.InfoContext(ctx, "checkout complete",
		slog.String("auction_id", auctionID),
		slog.String("member_id", memberID),
		slog.Int64("final_price", order.FinalPrice),
	)
	return s, nil
}

// CreateForfeit records the fee-free settlement that pays a forfeited deposit
// out to the seller after a payment timeout.
func (o *Orchestrator) CreateForfeit(ctx context.Context, auctionID, sellerID string, amount int64) (*store.Settlement, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.CreateForfeit",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	s := &store.Settlement{
		AuctionID:        auctionID,
		SellerID:         sellerID,
		SalesAmount:      amount,
		FeeAmount:        0,
		SettlementAmount: amount,
		Status:           store.SettlementReady,
	}
	if err := o.settlements.Create(ctx, s); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return o.settlements.GetByAuctionID(ctx, auctionID)
		}
		return nil, fmt.Errorf("recording forfeit settlement: %w", err)
	}
	return s, nil
}

// RunBatch drains READY settlements in chunks, executing each on the worker
// pool. It keeps claiming until a chunk comes back short, so one invocation
// clears the backlog. Returns how many settlements were executed and how many
// failed this pass.
func (o *Orchestrator) RunBatch(ctx context.Context, chunkSize int) (done, failed int, err error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.RunBatch",
		trace.WithAttributes(attribute.Int("chunk_size", chunkSize)),
	)
	defer span.End()

	for {
		claimed, err := o.settlements.ClaimReady(ctx, chunkSize)
		if err != nil {
			return done, failed, fmt.Errorf("claiming settlements: %w", err)
		}
		if len(claimed) == 0 {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for i := range claimed {
			s := claimed[i]
			wg.Add(1)
			task := func() {
				defer wg.Done()
				execErr := o.execute(ctx, &s)
				mu.Lock()
				if execErr != nil {
					failed++
				} else {
					done++
				}
				mu.Unlock()
				if execErr != nil {
					o.recordFailure(ctx, &s, execErr)
				}
			}
			if submitErr := o.pool.Submit(task); submitErr != nil {
				// Pool unavailable (shutdown); run inline so the claim is
				// not abandoned until its lease expires.
				task()
			}
		}
		wg.Wait()

		if len(claimed) < chunkSize {
			break
		}
	}

	o.logger.InfoContext(ctx, "settlement batch finished",
		slog.Int("done", done),
		slog.Int("failed", failed),
	)
	return done, failed, nil
}

// execute pays one claimed settlement out to the seller and marks it DONE.
// The payout and fee ledger rows reference the settlement id, so a crashed
// previous attempt that already moved the money surfaces as
// ErrDuplicateReference and execution proceeds straight to the DONE mark.
func (o *Orchestrator) execute(ctx context.Context, s *store.Settlement) error {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.execute",
		trace.WithAttributes(
			attribute.String("settlement_id", s.ID),
			attribute.String("auction_id", s.AuctionID),
		),
	)
	defer span.End()

	if _, err := o.wallets.AddBalance(ctx, s.SellerID, s.SalesAmount, store.LedgerPayout, "settlement", s.ID); err != nil &&
		!errors.Is(err, store.ErrDuplicateReference) {
		return fmt.Errorf("crediting payout: %w", err)
	}
	if s.FeeAmount > 0 {
		if _, err := o.wallets.Deduct(ctx, s.SellerID, s.FeeAmount, store.LedgerFee, "settlement", s.ID); err != nil &&
			!errors.Is(err, store.ErrDuplicateReference) {
			return fmt.Errorf("deducting fee: %w", err)
		}
	}

	if err := o.settlements.MarkDone(ctx, s.ID); err != nil {
		return fmt.Errorf("marking settlement done: %w", err)
	}

	o.dispatcher.Dispatch(ctx, event.New(s.AuctionID, event.SettlementCompleted, event.SettlementCompletedData{
		AuctionID:        s.AuctionID,
		SellerID:         s.SellerID,
		SettlementAmount: s.SettlementAmount,
		FeeAmount:        s.FeeAmount,
	}, o.clock.Now()))

	o.logger.InfoContext(ctx, "settlement done",
		slog.String("settlement_id", s.ID),
		slog.String("seller_id", s.SellerID),
		slog.Int64("settlement_amount", s.SettlementAmount),
		slog.Int64("fee_amount", s.FeeAmount),
	)
	return nil
}

// recordFailure releases the claim, bumps the try count and logs whether the
// settlement went terminal.
func (o *Orchestrator) recordFailure(ctx context.Context, s *store.Settlement, cause error) {
	terminal, err := o.settlements.RecordFailure(ctx, s.ID, MaxTryCount)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to record settlement failure",
			slog.String("settlement_id", s.ID),
			slog.Any("error", err),
		)
		return
	}
	if terminal {
		o.logger.ErrorContext(ctx, "settlement failed permanently",
			slog.String("settlement_id", s.ID),
			slog.String("auction_id", s.AuctionID),
			slog.Any("error", cause),
		)
		return
	}
	o.logger.WarnContext(ctx, "settlement execution failed, will retry",
		slog.String("settlement_id", s.ID),
		slog.Any("error", cause),
	)
}
