// Package scanner sweeps winning orders whose payment window has lapsed: the
// buyer's deposit is forfeited to the seller and the order is failed.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/deposit"
	"github.com/bugzero/auctiond/internal/event"
	"github.com/bugzero/auctiond/internal/settlement"
	"github.com/bugzero/auctiond/internal/store"
)

// ErrNotOverdue is returned by ProcessPaymentTimeout when the order is not
// awaiting payment.
var ErrNotOverdue = errors.New("order is not awaiting payment")

// Report summarizes one sweep.
type Report struct {
	Processed int
	Succeeded int
	Failed    int
}

// Scanner finds overdue orders and expires them.
type Scanner struct {
	orders      store.OrderRepository
	deposits    *deposit.Manager
	settlements *settlement.Orchestrator
	dispatcher  event.Dispatcher
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       clock.Clock

	timeout  time.Duration
	pageSize int
}

// New creates a Scanner expiring orders older than timeout, reading pageSize
// orders per page.
func New(
	orders store.OrderRepository,
	deposits *deposit.Manager,
	settlements *settlement.Orchestrator,
	dispatcher event.Dispatcher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	clk clock.Clock,
	timeout time.Duration,
	pageSize int,
) *Scanner {
	return &Scanner{
		orders:      orders,
		deposits:    deposits,
		settlements: settlements,
		dispatcher:  dispatcher,
		logger:      logger,
		tracer:      tp.Tracer("github.com/bugzero/auctiond/internal/scanner"),
		clock:       clk,
		timeout:     timeout,
		pageSize:    pageSize,
	}
}

// Run pages through every overdue order and expires each one independently.
// A failing order is counted and logged; the sweep always reaches the end of
// the backlog.
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "Scanner.Run")
	defer span.End()

	cutoff := s.clock.Now().Add(-s.timeout)
	var report Report
	afterID := ""

	for {
		page, err := s.orders.ListOverdue(ctx, cutoff, afterID, s.pageSize)
		if err != nil {
			return report, fmt.Errorf("listing overdue orders: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			report.Processed++
			if err := s.expire(ctx, &page[i]); err != nil {
				report.Failed++
				s.logger.ErrorContext(ctx, "failed to expire overdue order",
					slog.String("order_id", page[i].ID),
					slog.String("auction_id", page[i].AuctionID),
					slog.Any("error", err),
				)
				continue
			}
			report.Succeeded++
		}

		afterID = page[len(page)-1].ID
		if len(page) < s.pageSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("processed", report.Processed),
		attribute.Int("succeeded", report.Succeeded),
		attribute.Int("failed", report.Failed),
	)
	s.logger.InfoContext(ctx, "payment timeout sweep finished",
		slog.Int("processed", report.Processed),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// ProcessPaymentTimeout expires a single order on demand, without waiting for
// the sweep.
func (s *Scanner) ProcessPaymentTimeout(ctx context.Context, auctionID string) error {
	ctx, span := s.tracer.Start(ctx, "Scanner.ProcessPaymentTimeout",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	order, err := s.orders.GetByAuctionID(ctx, auctionID)
	if err != nil {
		return err
	}
	if order.Status != store.OrderProcessing {
		return ErrNotOverdue
	}
	return s.expire(ctx, order)
}

// expire forfeits the buyer's deposit, fails the order and records the
// fee-free seller settlement. Each step tolerates a previous partial attempt
// so a retry converges instead of erroring.
func (s *Scanner) expire(ctx context.Context, order *store.AuctionOrder) error {
	amount, err := s.deposits.Forfeit(ctx, order.BidderID, order.AuctionID)
	switch {
	case errors.Is(err, deposit.ErrNotHeld):
		// A previous attempt already forfeited; recover the amount for the
		// settlement.
		d, getErr := s.deposits.Get(ctx, order.BidderID, order.AuctionID)
		if getErr != nil {
			return fmt.Errorf("loading forfeited deposit: %w", getErr)
		}
		if d.Status != store.DepositForfeited {
			return fmt.Errorf("deposit in unexpected status %s", d.Status)
		}
		amount = d.Amount
	case errors.Is(err, store.ErrNotFound):
		amount = 0
	case err != nil:
		return fmt.Errorf("forfeiting deposit: %w", err)
	}

	if err := s.orders.UpdateStatus(ctx, order.ID, store.OrderProcessing, store.OrderFailed); err != nil &&
		!errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("failing order: %w", err)
	}

	if amount > 0 {
		if _, err := s.settlements.CreateForfeit(ctx, order.AuctionID, order.SellerID, amount); err != nil {
			return fmt.Errorf("creating forfeit settlement: %w", err)
		}
	}

	now := s.clock.Now()
	s.dispatcher.Dispatch(ctx, event.New(order.AuctionID, event.PaymentTimedOut, event.PaymentTimedOutData{
		AuctionID: order.AuctionID,
		BidderID:  order.BidderID,
		Forfeited: amount,
	}, now))
	if amount > 0 {
		s.dispatcher.Dispatch(ctx, event.New(order.AuctionID, event.DepositForfeited, event.DepositForfeitedData{
			AuctionID: order.AuctionID,
			MemberID:  order.BidderID,
			Amount:    amount,
		}, now))
	}

	s.logger.InfoContext(ctx, "order expired for non-payment",
		slog.String("order_id", order.ID),
		slog.String("auction_id", order.AuctionID),
		slog.String("bidder_id", order.BidderID),
		slog.Int64("forfeited", amount),
	)
	return nil
}
