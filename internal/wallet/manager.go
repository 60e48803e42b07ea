// Package wallet owns member balances. Every mutation goes through the
// repository's Apply, which commits the balance/holding change and its ledger
// row as one atomic unit under the wallet row lock. A wallet state change
// without a matching ledger row cannot exist.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bugzero/auctiond/internal/store"
)

// Errors returned by wallet operations.
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientHolding = errors.New("insufficient holding")
)

// Manager handles wallet operations.
type Manager struct {
	wallets store.WalletRepository
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewManager returns a new wallet Manager.
func NewManager(wallets store.WalletRepository, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	return &Manager{
		wallets: wallets,
		logger:  logger,
		tracer:  tp.Tracer("github.com/bugzero/auctiond/internal/wallet"),
	}
}

// CreateWallet opens an empty wallet for the member.
func (m *Manager) CreateWallet(ctx context.Context, memberID string) (*store.Wallet, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateWallet",
		trace.WithAttributes(attribute.String("member_id", memberID)),
	)
	defer span.End()

	w, err := m.wallets.Create(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("creating wallet: %w", err)
	}
	m.logger.InfoContext(ctx, "wallet created", slog.String("member_id", memberID))
	return w, nil
}

// Get returns the member's wallet.
func (m *Manager) Get(ctx context.Context, memberID string) (*store.Wallet, error) {
	return m.wallets.GetByMemberID(ctx, memberID)
}

// Ledger returns the member's ledger rows in insertion order.
func (m *Manager) Ledger(ctx context.Context, memberID string) ([]store.LedgerTransaction, error) {
	return m.wallets.Ledger(ctx, memberID)
}

// Hold earmarks amount out of the available balance.
func (m *Manager) Hold(ctx context.Context, memberID string, amount int64, refType, refID string) (*store.Wallet, error) {
	return m.apply(ctx, "Manager.Hold", memberID, store.WalletMutation{
		Type:          store.LedgerHold,
		HoldingDelta:  amount,
		ReferenceType: refType,
		ReferenceID:   refID,
	}, amount, ErrInsufficientBalance)
}

// Release returns held funds to the available balance.
func (m *Manager) Release(ctx context.Context, memberID string, amount int64, refType, refID string) (*store.Wallet, error) {
	return m.apply(ctx, "Manager.Release", memberID, store.WalletMutation{
		Type:          store.LedgerRelease,
		HoldingDelta:  -amount,
		ReferenceType: refType,
		ReferenceID:   refID,
	}, amount, ErrInsufficientHolding)
}

// UseDeposit consumes held funds toward a payment: the earmark is lifted so
// the subsequent Pay can draw on it.
func (m *Manager) UseDeposit(ctx context.Context, memberID string, amount int64, refType, refID string) (*store.Wallet, error) {
	return m.apply(ctx, "Manager.UseDeposit", memberID, store.WalletMutation{
		Type:          store.LedgerUseDeposit,
		HoldingDelta:  -amount,
		ReferenceType: refType,
		ReferenceID:   refID,
	}, amount, ErrInsufficientHolding)
}

// Pay debits the balance. Callers must pre-check available funds.
func (m *Manager) Pay(ctx context.Context, memberID string, amount int64, refType, refID string) (*store.Wallet, error) {
	return m.apply(ctx, "Manager.Pay", memberID, store.WalletMutation{
		Type:          store.LedgerPay,
		BalanceDelta:  -amount,
		ReferenceType: refType,
		ReferenceID:   refID,
	}, amount, ErrInsufficientBalance)
}

// ForfeitDeposit removes held funds from the wallet entirely: both balance
// and holding drop by amount.
func (m *Manager) ForfeitDeposit(ctx context.Context, memberID string, amount int64, refType, refID string) (*store.Wallet, error) {
	return m.apply(ctx, "Manager.ForfeitDeposit", memberID, store.WalletMutation{
		Type:          store.LedgerForfeit,
		BalanceDelta:  -amount,
		HoldingDelta:  -amount,
		ReferenceType: refType,
		ReferenceID:   refID,
	}, amount, ErrInsufficientHolding)
}

// AddBalance credits the balance (top-up or settlement payout).
func (m *Manager) AddBalance(ctx context.Context, memberID string, amount int64, typ store.LedgerType, refType, refID string) (*store.Wallet, error) {
	return m.apply(ctx, "Manager.AddBalance", memberID, store.WalletMutation{
		Type:          typ,
		BalanceDelta:  amount,
		ReferenceType: refType,
		ReferenceID:   refID,
	}, amount, ErrInsufficientBalance)
}

// Deduct debits the balance without touching holding, recording the given
// ledger type (platform fee deduction during settlement).
func (m *Manager) Deduct(ctx context.Context, memberID string, amount int64, typ store.LedgerType, refType, refID string) (*store.Wallet, error) {
	return m.apply(ctx, "Manager.Deduct", memberID, store.WalletMutation{
		Type:          typ,
		BalanceDelta:  -amount,
		ReferenceType: refType,
		ReferenceID:   refID,
	}, amount, ErrInsufficientBalance)
}

func (m *Manager) apply(ctx context.Context, op, memberID string, mut store.WalletMutation, amount int64, insufficient error) (*store.Wallet, error) {
	ctx, span := m.tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("member_id", memberID),
			attribute.Int64("amount", amount),
			attribute.String("ledger_type", string(mut.Type)),
		),
	)
	defer span.End()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	w, err := m.wallets.Apply(ctx, memberID, mut)
	if errors.Is(err, store.ErrWalletInvariant) {
		return nil, insufficient
	}
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "wallet mutated",
		slog.String("member_id", memberID),
		slog.String("type", string(mut.Type)),
		slog.Int64("balance", w.Balance),
		slog.Int64("holding", w.HoldingAmount),
	)
	return w, nil
}

// Replay sums the ledger's balance deltas in insertion order and checks the
// result against the wallet's current balance.
func (m *Manager) Replay(ctx context.Context, memberID string) (int64, error) {
	w, err := m.wallets.GetByMemberID(ctx, memberID)
	if err != nil {
		return 0, err
	}
	rows, err := m.wallets.Ledger(ctx, memberID)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, tx := range rows {
		sum += tx.BalanceDelta
	}
	if sum != w.Balance {
		return sum, fmt.Errorf("ledger replay mismatch: sum %d, balance %d", sum, w.Balance)
	}
	return sum, nil
}
