package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/store"
	"github.com/bugzero/auctiond/internal/store/postgres"
)

func createAuction(t *testing.T, db *sqlx.DB) *store.Auction {
	t.Helper()
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	a := &store.Auction{
		ProductID:  "p-1",
		SellerID:   "seller-1",
		Status:     store.AuctionScheduled,
		StartPrice: 15000,
		TickSize:   500,
		EndTime:    time.Now().Add(time.Hour).UTC(),
	}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("creating auction: %v", err)
	}
	return a
}

func TestAuctionLifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()
	a := createAuction(t, db)

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != store.AuctionScheduled || got.CurrentPrice != nil {
		t.Fatalf("fresh auction = %s/%v", got.Status, got.CurrentPrice)
	}

	if err := repo.UpdateStatus(ctx, a.ID, store.AuctionScheduled, store.AuctionInProgress); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	// A second transition from the old status conflicts.
	if err := repo.UpdateStatus(ctx, a.ID, store.AuctionScheduled, store.AuctionInProgress); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale transition err = %v, want ErrConflict", err)
	}

	if err := repo.SetStartTime(ctx, a.ID, time.Now().UTC()); err != nil {
		t.Fatalf("SetStartTime: %v", err)
	}

	running, err := repo.ListByStatus(ctx, store.AuctionInProgress)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(running) != 1 || running[0].ID != a.ID {
		t.Fatalf("running = %+v, want one row for %s", running, a.ID)
	}
}

func TestAuctionCurrentPriceIsMonotone(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()
	a := createAuction(t, db)

	if err := repo.UpdateCurrentPrice(ctx, a.ID, 20000); err != nil {
		t.Fatalf("first price: %v", err)
	}
	// A lower price is rejected, never written.
	if err := repo.UpdateCurrentPrice(ctx, a.ID, 15000); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale price err = %v, want ErrConflict", err)
	}
	got, _ := repo.GetByID(ctx, a.ID)
	if got.CurrentPrice == nil || *got.CurrentPrice != 20000 {
		t.Fatalf("current price = %v, want 20000", got.CurrentPrice)
	}
}

func TestBidsAppendInOrder(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db, clock.Real{})
	ctx := context.Background()
	a := createAuction(t, db)

	base := time.Now().UTC()
	for i, amount := range []int64{15000, 20000, 25000} {
		if err := repo.AppendBid(ctx, &store.Bid{
			AuctionID: a.ID,
			BidderID:  "bidder",
			Amount:    amount,
			BidTime:   base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendBid(%d): %v", amount, err)
		}
	}

	bids, err := repo.ListBids(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	if len(bids) != 3 {
		t.Fatalf("bids = %d, want 3", len(bids))
	}
	for i, want := range []int64{15000, 20000, 25000} {
		if bids[i].Amount != want {
			t.Errorf("bid[%d] = %d, want %d", i, bids[i].Amount, want)
		}
	}
}
