// Package memstore is an in-memory store driver. It backs unit tests and
// local development; the postgres driver is the production path.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/config"
	"github.com/bugzero/auctiond/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return Open(clk), nil
	})
}

// Store holds all in-memory tables behind one mutex. Repos share it so a
// wallet mutation and its ledger row commit together.
type Store struct {
	mu  sync.Mutex
	clk clock.Clock

	seq int64

	wallets      map[string]*store.Wallet // by member id
	ledger       map[string][]store.LedgerTransaction
	ledgerRefs   map[string]struct{} // type|refType|refID per wallet
	auctions     map[string]*store.Auction
	bids         map[string][]store.Bid
	orders       map[string]*store.AuctionOrder // by order id
	orderByAuc   map[string]string
	settlements  map[string]*store.Settlement // by settlement id
	settleByAuc  map[string]string
	claimedUntil map[string]time.Time
	deposits     map[string]*store.Deposit // by deposit id
	depositByKey map[string]string         // member|auction
}

// New returns an empty Store.
func New(clk clock.Clock) *Store {
	return &Store{
		clk:          clk,
		wallets:      make(map[string]*store.Wallet),
		ledger:       make(map[string][]store.LedgerTransaction),
		ledgerRefs:   make(map[string]struct{}),
		auctions:     make(map[string]*store.Auction),
		bids:         make(map[string][]store.Bid),
		orders:       make(map[string]*store.AuctionOrder),
		orderByAuc:   make(map[string]string),
		settlements:  make(map[string]*store.Settlement),
		settleByAuc:  make(map[string]string),
		claimedUntil: make(map[string]time.Time),
		deposits:     make(map[string]*store.Deposit),
		depositByKey: make(map[string]string),
	}
}

// Open returns Repositories backed by a fresh Store.
func Open(clk clock.Clock) *store.Repositories {
	s := New(clk)
	return &store.Repositories{
		Wallets:     &WalletRepo{s: s},
		Auctions:    &AuctionRepo{s: s},
		Orders:      &OrderRepo{s: s},
		Settlements: &SettlementRepo{s: s},
		Deposits:    &DepositRepo{s: s},
		Closer:      nopCloser{},
		Ping:        func(context.Context) error { return nil },
	}
}

func (s *Store) nextID(kind string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", kind, s.seq)
}

func (s *Store) now() time.Time { return s.clk.Now().UTC() }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
