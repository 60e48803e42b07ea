package memstore

import (
	"context"
	"sort"

	"github.com/bugzero/auctiond/internal/store"
)

// DepositRepo implements store.DepositRepository in memory.
type DepositRepo struct {
	s *Store
}

func depositKey(memberID, auctionID string) string {
	return memberID + "|" + auctionID
}

func (r *DepositRepo) Create(_ context.Context, d *store.Deposit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := depositKey(d.MemberID, d.AuctionID)
	if _, ok := r.s.depositByKey[key]; ok {
		return store.ErrDuplicate
	}
	d.ID = r.s.nextID("deposit")
	d.CreatedAt = r.s.now()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	r.s.deposits[d.ID] = &cp
	r.s.depositByKey[key] = d.ID
	return nil
}

func (r *DepositRepo) Get(_ context.Context, memberID, auctionID string) (*store.Deposit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.depositByKey[depositKey(memberID, auctionID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r.s.deposits[id]
	return &cp, nil
}

func (r *DepositRepo) ListByAuction(_ context.Context, auctionID string, status store.DepositStatus) ([]store.Deposit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []store.Deposit
	for _, d := range r.s.deposits {
		if d.AuctionID == auctionID && d.Status == status {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *DepositRepo) UpdateStatus(_ context.Context, id string, from, to store.DepositStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.deposits[id]
	if !ok || d.Status != from {
		return store.ErrConflict
	}
	d.Status = to
	d.UpdatedAt = r.s.now()
	return nil
}
