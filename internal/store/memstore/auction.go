package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/bugzero/auctiond/internal/store"
)

// AuctionRepo implements store.AuctionRepository in memory.
type AuctionRepo struct {
	s *Store
}

func (r *AuctionRepo) Create(_ context.Context, a *store.Auction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a.ID = r.s.nextID("auction")
	a.CreatedAt = r.s.now()
	cp := *a
	r.s.auctions[a.ID] = &cp
	return nil
}

func (r *AuctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AuctionRepo) UpdateStatus(_ context.Context, id string, from, to store.AuctionStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.auctions[id]
	if !ok || a.Status != from {
		return store.ErrConflict
	}
	a.Status = to
	return nil
}

func (r *AuctionRepo) SetStartTime(_ context.Context, id string, startTime time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.auctions[id]
	if !ok {
		return store.ErrNotFound
	}
	t := startTime
	a.StartTime = &t
	return nil
}

func (r *AuctionRepo) UpdateEndTime(_ context.Context, id string, endTime time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.auctions[id]
	if !ok {
		return store.ErrNotFound
	}
	a.EndTime = endTime
	return nil
}

func (r *AuctionRepo) UpdateCurrentPrice(_ context.Context, id string, price int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.auctions[id]
	if !ok {
		return store.ErrConflict
	}
	// Monotone guard: a stale lower price is never written.
	if a.CurrentPrice != nil && *a.CurrentPrice >= price {
		return store.ErrConflict
	}
	p := price
	a.CurrentPrice = &p
	return nil
}

func (r *AuctionRepo) ListByStatus(_ context.Context, status store.AuctionStatus) ([]store.Auction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []store.Auction
	for _, a := range r.s.auctions {
		if a.Status == status {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (r *AuctionRepo) AppendBid(_ context.Context, b *store.Bid) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b.ID = r.s.nextID("bid")
	r.s.bids[b.AuctionID] = append(r.s.bids[b.AuctionID], *b)
	return nil
}

func (r *AuctionRepo) ListBids(_ context.Context, auctionID string) ([]store.Bid, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	bids := r.s.bids[auctionID]
	out := make([]store.Bid, len(bids))
	copy(out, bids)
	return out, nil
}
