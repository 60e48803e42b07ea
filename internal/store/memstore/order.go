package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/bugzero/auctiond/internal/store"
)

// OrderRepo implements store.OrderRepository in memory.
type OrderRepo struct {
	s *Store
}

func (r *OrderRepo) Create(_ context.Context, o *store.AuctionOrder) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.orderByAuc[o.AuctionID]; ok {
		return store.ErrDuplicate
	}
	o.ID = r.s.nextID("order")
	o.CreatedAt = r.s.now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	r.s.orders[o.ID] = &cp
	r.s.orderByAuc[o.AuctionID] = o.ID
	return nil
}

func (r *OrderRepo) GetByAuctionID(_ context.Context, auctionID string) (*store.AuctionOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.orderByAuc[auctionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r.s.orders[id]
	return &cp, nil
}

func (r *OrderRepo) UpdateStatus(_ context.Context, id string, from, to store.OrderStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok || o.Status != from {
		return store.ErrConflict
	}
	o.Status = to
	o.UpdatedAt = r.s.now()
	return nil
}

func (r *OrderRepo) ListOverdue(_ context.Context, cutoff time.Time, afterID string, limit int) ([]store.AuctionOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []store.AuctionOrder
	for _, o := range r.s.orders {
		if o.Status == store.OrderProcessing && o.CreatedAt.Before(cutoff) && o.ID > afterID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
