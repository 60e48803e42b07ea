package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/bugzero/auctiond/internal/store"
)

const claimLease = 5 * time.Minute

// SettlementRepo implements store.SettlementRepository in memory.
type SettlementRepo struct {
	s *Store
}

func (r *SettlementRepo) Create(_ context.Context, s *store.Settlement) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.settleByAuc[s.AuctionID]; ok {
		return store.ErrDuplicate
	}
	s.ID = r.s.nextID("settlement")
	s.CreatedAt = r.s.now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	r.s.settlements[s.ID] = &cp
	r.s.settleByAuc[s.AuctionID] = s.ID
	return nil
}

func (r *SettlementRepo) GetByAuctionID(_ context.Context, auctionID string) (*store.Settlement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.settleByAuc[auctionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r.s.settlements[id]
	return &cp, nil
}

func (r *SettlementRepo) ClaimReady(_ context.Context, limit int) ([]store.Settlement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	var ready []*store.Settlement
	for _, s := range r.s.settlements {
		if s.Status != store.SettlementReady {
			continue
		}
		if until, claimed := r.s.claimedUntil[s.ID]; claimed && until.After(now) {
			continue
		}
		ready = append(ready, s)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]store.Settlement, 0, len(ready))
	for _, s := range ready {
		r.s.claimedUntil[s.ID] = now.Add(claimLease)
		out = append(out, *s)
	}
	return out, nil
}

func (r *SettlementRepo) MarkDone(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	s, ok := r.s.settlements[id]
	if !ok || s.Status != store.SettlementReady {
		return store.ErrConflict
	}
	s.Status = store.SettlementDone
	s.UpdatedAt = r.s.now()
	delete(r.s.claimedUntil, id)
	return nil
}

func (r *SettlementRepo) RecordFailure(_ context.Context, id string, maxTry int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	s, ok := r.s.settlements[id]
	if !ok || s.Status != store.SettlementReady {
		return false, store.ErrConflict
	}
	s.TryCount++
	s.UpdatedAt = r.s.now()
	delete(r.s.claimedUntil, id)
	if s.TryCount > maxTry {
		s.Status = store.SettlementFailed
		return true, nil
	}
	return false, nil
}
