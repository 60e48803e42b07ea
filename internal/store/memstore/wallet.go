package memstore

import (
	"context"
	"fmt"

	"github.com/bugzero/auctiond/internal/store"
)

// WalletRepo implements store.WalletRepository in memory.
type WalletRepo struct {
	s *Store
}

func (r *WalletRepo) Create(_ context.Context, memberID string) (*store.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.wallets[memberID]; ok {
		return nil, store.ErrDuplicate
	}
	now := r.s.now()
	w := &store.Wallet{
		ID:        r.s.nextID("wallet"),
		MemberID:  memberID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.s.wallets[memberID] = w
	cp := *w
	return &cp, nil
}

func (r *WalletRepo) GetByMemberID(_ context.Context, memberID string) (*store.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, ok := r.s.wallets[memberID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// Apply mutates the wallet and appends the ledger row under the store lock,
// mirroring the postgres driver's row-lock transaction.
func (r *WalletRepo) Apply(_ context.Context, memberID string, mut store.WalletMutation) (*store.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, ok := r.s.wallets[memberID]
	if !ok {
		return nil, store.ErrNotFound
	}

	newBalance := w.Balance + mut.BalanceDelta
	newHolding := w.HoldingAmount + mut.HoldingDelta
	if newBalance < 0 || newHolding < 0 || newHolding > newBalance {
		return nil, store.ErrWalletInvariant
	}

	refKey := fmt.Sprintf("%s|%s|%s|%s", w.ID, mut.Type, mut.ReferenceType, mut.ReferenceID)
	if _, dup := r.s.ledgerRefs[refKey]; dup {
		return nil, store.ErrDuplicateReference
	}

	now := r.s.now()
	w.Balance = newBalance
	w.HoldingAmount = newHolding
	w.UpdatedAt = now

	r.s.ledgerRefs[refKey] = struct{}{}
	r.s.ledger[memberID] = append(r.s.ledger[memberID], store.LedgerTransaction{
		ID:            r.s.nextID("ltx"),
		MemberID:      memberID,
		WalletID:      w.ID,
		Type:          mut.Type,
		BalanceDelta:  mut.BalanceDelta,
		HoldingDelta:  mut.HoldingDelta,
		BalanceAfter:  newBalance,
		ReferenceType: mut.ReferenceType,
		ReferenceID:   mut.ReferenceID,
		CreatedAt:     now,
	})

	cp := *w
	return &cp, nil
}

func (r *WalletRepo) Ledger(_ context.Context, memberID string) ([]store.LedgerTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rows := r.s.ledger[memberID]
	out := make([]store.LedgerTransaction, len(rows))
	copy(out, rows)
	return out, nil
}
