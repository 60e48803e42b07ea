// Package deposit drives the per-(member, auction) deposit state machine:
// HOLD is created with the wallet hold when a member first bids, and resolves
// to exactly one of RELEASED, USED or FORFEITED when the auction concludes.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bugzero/auctiond/internal/store"
	"github.com/bugzero/auctiond/internal/wallet"
)

// refType tags every wallet mutation made on behalf of a deposit. The ledger's
// reference uniqueness then makes each transition idempotent per auction.
const refType = "auction"

// Errors returned by deposit operations.
var (
	ErrDepositExists = errors.New("deposit already held for this auction")
	ErrNotHeld       = errors.New("deposit is not in hold status")
)

// Manager handles deposit lifecycle operations.
type Manager struct {
	deposits store.DepositRepository
	wallets  *wallet.Manager
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewManager returns a new deposit Manager.
func NewManager(deposits store.DepositRepository, wallets *wallet.Manager, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	return &Manager{
		deposits: deposits,
		wallets:  wallets,
		logger:   logger,
		tracer:   tp.Tracer("github.com/bugzero/auctiond/internal/deposit"),
	}
}

// Hold earmarks amount in the member's wallet and records the HOLD deposit.
// A second hold for the same (member, auction) pair fails with ErrDepositExists.
func (m *Manager) Hold(ctx context.Context, memberID, auctionID string, amount int64) (*store.Deposit, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Hold",
		trace.WithAttributes(
			attribute.String("member_id", memberID),
			attribute.String("auction_id", auctionID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if _, err := m.deposits.Get(ctx, memberID, auctionID); err == nil {
		return nil, ErrDepositExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking existing deposit: %w", err)
	}

	// A duplicate ledger reference means the funds are already earmarked by
	// an earlier attempt that died before writing the deposit row; proceed
	// and let the create below complete the pair.
	heldNow := true
	if _, err := m.wallets.Hold(ctx, memberID, amount, refType, auctionID); err != nil {
		if !errors.Is(err, store.ErrDuplicateReference) {
			return nil, err
		}
		heldNow = false
	}

	d := &store.Deposit{
		MemberID:  memberID,
		AuctionID: auctionID,
		Amount:    amount,
		Status:    store.DepositHold,
	}
	if err := m.deposits.Create(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent hold: undo ours, but only if
			// this call placed it.
			if heldNow {
				if _, relErr := m.wallets.Release(ctx, memberID, amount, refType, auctionID); relErr != nil {
					m.logger.ErrorContext(ctx, "failed to undo wallet hold after duplicate deposit",
						slog.String("member_id", memberID),
						slog.String("auction_id", auctionID),
						slog.Any("error", relErr),
					)
				}
			}
			return nil, ErrDepositExists
		}
		return nil, fmt.Errorf("creating deposit: %w", err)
	}

	m.logger.InfoContext(ctx, "deposit held",
		slog.String("member_id", memberID),
		slog.String("auction_id", auctionID),
		slog.Int64("amount", amount),
	)
	return d, nil
}

// Get returns the deposit for the (member, auction) pair.
func (m *Manager) Get(ctx context.Context, memberID, auctionID string) (*store.Deposit, error) {
	return m.deposits.Get(ctx, memberID, auctionID)
}

// ReleaseAll releases every held deposit for the auction except the winner's,
// restoring available funds without touching balances. Pass an empty winnerID
// when the auction ended without a winner. Per-deposit failures are logged and
// do not stop the remaining releases; the count of successful releases is
// returned.
func (m *Manager) ReleaseAll(ctx context.Context, auctionID, winnerID string) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ReleaseAll",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	held, err := m.deposits.ListByAuction(ctx, auctionID, store.DepositHold)
	if err != nil {
		return 0, fmt.Errorf("listing held deposits: %w", err)
	}

	released := 0
	for _, d := range held {
		if winnerID != "" && d.MemberID == winnerID {
			continue
		}
		if err := m.release(ctx, d); err != nil {
			m.logger.ErrorContext(ctx, "failed to release deposit",
				slog.String("member_id", d.MemberID),
				slog.String("auction_id", auctionID),
				slog.Any("error", err),
			)
			continue
		}
		released++
	}

	m.logger.InfoContext(ctx, "deposits released",
		slog.String("auction_id", auctionID),
		slog.Int("released", released),
	)
	return released, nil
}

// release returns one deposit's funds and marks it RELEASED. The wallet
// release happens first; a duplicate-reference error means a previous attempt
// already returned the funds, so only the status flip remains.
func (m *Manager) release(ctx context.Context, d store.Deposit) error {
	if _, err := m.wallets.Release(ctx, d.MemberID, d.Amount, refType, d.AuctionID); err != nil &&
		!errors.Is(err, store.ErrDuplicateReference) {
		return err
	}
	return m.deposits.UpdateStatus(ctx, d.ID, store.DepositHold, store.DepositReleased)
}

// Use consumes the winner's deposit toward the final price: the earmark is
// lifted and the deposit goes USED.
func (m *Manager) Use(ctx context.Context, memberID, auctionID string) (*store.Deposit, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Use",
		trace.WithAttributes(
			attribute.String("member_id", memberID),
			attribute.String("auction_id", auctionID),
		),
	)
	defer span.End()

	d, err := m.deposits.Get(ctx, memberID, auctionID)
	if err != nil {
		return nil, err
	}
	if d.Status != store.DepositHold {
		return nil, ErrNotHeld
	}

	if _, err := m.wallets.UseDeposit(ctx, memberID, d.Amount, refType, auctionID); err != nil &&
		!errors.Is(err, store.ErrDuplicateReference) {
		return nil, err
	}
	if err := m.deposits.UpdateStatus(ctx, d.ID, store.DepositHold, store.DepositUsed); err != nil {
		return nil, fmt.Errorf("marking deposit used: %w", err)
	}
	d.Status = store.DepositUsed
	return d, nil
}

// Forfeit removes the deposit's funds from the member's wallet entirely and
// marks it FORFEITED. The forfeited amount is returned so the caller can
// create the matching seller settlement.
func (m *Manager) Forfeit(ctx context.Context, memberID, auctionID string) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Forfeit",
		trace.WithAttributes(
			attribute.String("member_id", memberID),
			attribute.String("auction_id", auctionID),
		),
	)
	defer span.End()

	d, err := m.deposits.Get(ctx, memberID, auctionID)
	if err != nil {
		return 0, err
	}
	if d.Status != store.DepositHold {
		return 0, ErrNotHeld
	}

	if _, err := m.wallets.ForfeitDeposit(ctx, memberID, d.Amount, refType, auctionID); err != nil &&
		!errors.Is(err, store.ErrDuplicateReference) {
		return 0, err
	}
	if err := m.deposits.UpdateStatus(ctx, d.ID, store.DepositHold, store.DepositForfeited); err != nil {
		return 0, fmt.Errorf("marking deposit forfeited: %w", err)
	}

	m.logger.InfoContext(ctx, "deposit forfeited",
		slog.String("member_id", memberID),
		slog.String("auction_id", auctionID),
		slog.Int64("amount", d.Amount),
	)
	return d.Amount, nil
}
