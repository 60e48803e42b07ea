package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/store"
	"github.com/bugzero/auctiond/internal/store/postgres"
)

func TestOrderLifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewOrderRepo(db, clock.Real{})
	ctx := context.Background()
	a := createAuction(t, db)

	o := &store.AuctionOrder{
		AuctionID:  a.ID,
		BidderID:   "bidder-1",
		SellerID:   "seller-1",
		FinalPrice: 25000,
		Status:     store.OrderProcessing,
	}
	if err := repo.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := *o
	dup.ID = ""
	if err := repo.Create(ctx, &dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate order err = %v, want ErrDuplicate", err)
	}

	got, err := repo.GetByAuctionID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByAuctionID: %v", err)
	}
	if got.FinalPrice != 25000 || got.Status != store.OrderProcessing {
		t.Fatalf("order = %+v", got)
	}

	if err := repo.UpdateStatus(ctx, o.ID, store.OrderProcessing, store.OrderSuccess); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := repo.UpdateStatus(ctx, o.ID, store.OrderProcessing, store.OrderFailed); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale transition err = %v, want ErrConflict", err)
	}
}

func TestListOverduePagesProcessingOrders(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := postgres.NewOrderRepo(db, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a := createAuction(t, db)
		o := &store.AuctionOrder{
			AuctionID:  a.ID,
			BidderID:   "bidder",
			SellerID:   "seller",
			FinalPrice: 10000,
			Status:     store.OrderProcessing,
		}
		if err := repo.Create(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	// One fresh order that must not appear.
	clk.Advance(96 * time.Hour)
	a := createAuction(t, db)
	if err := repo.Create(ctx, &store.AuctionOrder{
		AuctionID: a.ID, BidderID: "bidder", SellerID: "seller",
		FinalPrice: 10000, Status: store.OrderProcessing,
	}); err != nil {
		t.Fatal(err)
	}

	cutoff := clk.Now().Add(-72 * time.Hour)
	var collected []store.AuctionOrder
	afterID := ""
	for {
		page, err := repo.ListOverdue(ctx, cutoff, afterID, 2)
		if err != nil {
			t.Fatalf("ListOverdue: %v", err)
		}
		if len(page) == 0 {
			break
		}
		collected = append(collected, page...)
		afterID = page[len(page)-1].ID
		if len(page) < 2 {
			break
		}
	}
	if len(collected) != 5 {
		t.Fatalf("overdue orders = %d, want 5", len(collected))
	}
	seen := make(map[string]bool)
	for _, o := range collected {
		if seen[o.ID] {
			t.Fatalf("order %s returned twice", o.ID)
		}
		seen[o.ID] = true
	}
}
