package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/store"
	"github.com/bugzero/auctiond/internal/store/postgres"
)

func TestWalletApplyAndLedger(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewWalletRepo(db, clock.Real{})
	ctx := context.Background()

	w, err := repo.Create(ctx, "member-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.Balance != 0 || w.HoldingAmount != 0 {
		t.Fatalf("new wallet = %d/%d, want 0/0", w.Balance, w.HoldingAmount)
	}

	if _, err := repo.Create(ctx, "member-1"); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate create err = %v, want ErrDuplicate", err)
	}

	// Credit then hold.
	if _, err := repo.Apply(ctx, "member-1", store.WalletMutation{
		Type: store.LedgerCharge, BalanceDelta: 100000,
		ReferenceType: "topup", ReferenceID: "t-1",
	}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	w, err = repo.Apply(ctx, "member-1", store.WalletMutation{
		Type: store.LedgerHold, HoldingDelta: 30000,
		ReferenceType: "auction", ReferenceID: "a-1",
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if w.Balance != 100000 || w.HoldingAmount != 30000 {
		t.Fatalf("wallet = %d/%d, want 100000/30000", w.Balance, w.HoldingAmount)
	}

	// An over-hold breaks the invariant and changes nothing.
	if _, err := repo.Apply(ctx, "member-1", store.WalletMutation{
		Type: store.LedgerHold, HoldingDelta: 80000,
		ReferenceType: "auction", ReferenceID: "a-2",
	}); !errors.Is(err, store.ErrWalletInvariant) {
		t.Fatalf("over-hold err = %v, want ErrWalletInvariant", err)
	}

	// Re-applying the same logical mutation is rejected.
	if _, err := repo.Apply(ctx, "member-1", store.WalletMutation{
		Type: store.LedgerHold, HoldingDelta: 30000,
		ReferenceType: "auction", ReferenceID: "a-1",
	}); !errors.Is(err, store.ErrDuplicateReference) {
		t.Fatalf("duplicate reference err = %v, want ErrDuplicateReference", err)
	}

	rows, err := repo.Ledger(ctx, "member-1")
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ledger rows = %d, want 2", len(rows))
	}
	var sum int64
	for _, tx := range rows {
		sum += tx.BalanceDelta
	}
	got, _ := repo.GetByMemberID(ctx, "member-1")
	if sum != got.Balance {
		t.Fatalf("replayed sum %d != balance %d", sum, got.Balance)
	}
}

func TestWalletApplySerializesConcurrentHolds(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewWalletRepo(db, clock.Real{})
	ctx := context.Background()

	if _, err := repo.Create(ctx, "member-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Apply(ctx, "member-1", store.WalletMutation{
		Type: store.LedgerCharge, BalanceDelta: 100000,
		ReferenceType: "topup", ReferenceID: "t-1",
	}); err != nil {
		t.Fatal(err)
	}

	// 40 concurrent holds of 10000 against a 100000 balance: the row lock
	// must let exactly 10 through.
	var wg sync.WaitGroup
	succeeded := make(chan struct{}, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := repo.Apply(ctx, "member-1", store.WalletMutation{
				Type: store.LedgerHold, HoldingDelta: 10000,
				ReferenceType: "auction", ReferenceID: time.Now().String() + string(rune('A'+n)),
			})
			if err == nil {
				succeeded <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(succeeded)

	n := 0
	for range succeeded {
		n++
	}
	if n != 10 {
		t.Fatalf("successful holds = %d, want 10", n)
	}
	w, _ := repo.GetByMemberID(ctx, "member-1")
	if w.HoldingAmount != 100000 {
		t.Fatalf("holding = %d, want 100000", w.HoldingAmount)
	}
}
