package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/bugzero/auctiond/internal/auction"
	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/deposit"
	"github.com/bugzero/auctiond/internal/event"
	"github.com/bugzero/auctiond/internal/store"
	"github.com/bugzero/auctiond/internal/store/memstore"
	"github.com/bugzero/auctiond/internal/wallet"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingDispatcher) Dispatch(_ context.Context, e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingDispatcher) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// failingGateway declines every charge.
type failingGateway struct{}

func (failingGateway) Charge(context.Context, string, int64, string) error {
	return errors.New("card declined")
}

type fixture struct {
	orch  *Orchestrator
	am    *auction.Manager
	wm    *wallet.Manager
	dm    *deposit.Manager
	repos *store.Repositories
	clk   *clock.Mock
	disp  *recordingDispatcher
}

func newFixture(t *testing.T, gw PaymentGateway) *fixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repos := memstore.Open(clk)
	tp := noop.NewTracerProvider()
	disp := &recordingDispatcher{}
	wm := wallet.NewManager(repos.Wallets, slog.Default(), tp)
	dm := deposit.NewManager(repos.Deposits, wm, slog.Default(), tp)
	am := auction.NewManager(repos.Auctions, repos.Orders, dm, auction.NopScheduler{}, disp, slog.Default(), tp, clk, 10)

	orch, err := NewOrchestrator(repos.Settlements, repos.Orders, am, dm, wm, gw, disp, slog.Default(), tp, clk, 4)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	return &fixture{orch: orch, am: am, wm: wm, dm: dm, repos: repos, clk: clk, disp: disp}
}

func (f *fixture) fund(t *testing.T, memberID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.wm.CreateWallet(ctx, memberID); err != nil {
		t.Fatal(err)
	}
	if amount > 0 {
		if _, err := f.wm.AddBalance(ctx, memberID, amount, store.LedgerCharge, "topup", "t-"+memberID); err != nil {
			t.Fatal(err)
		}
	}
}

// wonAuction runs an auction to the ended state with "winner" holding the
// highest bid and returns the auction id and final price.
func (f *fixture) wonAuction(t *testing.T, finalPrice int64) string {
	t.Helper()
	ctx := context.Background()
	a, err := f.am.Create(ctx, "p1", "seller", 15000, f.clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.am.ConfirmStart(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.am.PlaceBid(ctx, a.ID, "winner", finalPrice); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.SettleOne(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	return a.ID
}

func TestFeeFloor(t *testing.T) {
	cases := []struct{ sales, want int64 }{
		{25000, 2500},
		{25500, 2550},
		{105, 10}, // 10.5 rounds down
		{99, 9},
		{1, 0},
	}
	for _, c := range cases {
		if got := FeeFor(c.sales); got != c.want {
			t.Errorf("FeeFor(%d) = %d, want %d", c.sales, got, c.want)
		}
	}
}

func TestCheckoutHappyPath(t *testing.T) {
	f := newFixture(t, NopGateway{})
	ctx := context.Background()
	f.fund(t, "winner", 100000)
	auctionID := f.wonAuction(t, 25000)

	s, err := f.orch.Checkout(ctx, auctionID, "winner")
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if s.SalesAmount != 25000 || s.FeeAmount != 2500 || s.SettlementAmount != 22500 {
		t.Fatalf("settlement = %d/%d/%d, want 25000/2500/22500",
			s.SalesAmount, s.FeeAmount, s.SettlementAmount)
	}
	if s.Status != store.SettlementReady {
		t.Errorf("status = %s, want ready", s.Status)
	}

	order, _ := f.repos.Orders.GetByAuctionID(ctx, auctionID)
	if order.Status != store.OrderSuccess {
		t.Errorf("order status = %s, want success", order.Status)
	}

	// Winner paid the full price; the deposit earmark is gone.
	w, _ := f.wm.Get(ctx, "winner")
	if w.Balance != 75000 || w.HoldingAmount != 0 {
		t.Errorf("winner wallet = %d/%d, want 75000/0", w.Balance, w.HoldingAmount)
	}
	d, _ := f.dm.Get(ctx, "winner", auctionID)
	if d.Status != store.DepositUsed {
		t.Errorf("deposit status = %s, want used", d.Status)
	}
}

func TestCheckoutRejectsWrongMember(t *testing.T) {
	f := newFixture(t, NopGateway{})
	ctx := context.Background()
	f.fund(t, "winner", 100000)
	auctionID := f.wonAuction(t, 25000)

	if _, err := f.orch.Checkout(ctx, auctionID, "stranger"); !errors.Is(err, ErrNotOrderOwner) {
		t.Fatalf("err = %v, want ErrNotOrderOwner", err)
	}
}

func TestCheckoutRejectsSecondPayment(t *testing.T) {
	f := newFixture(t, NopGateway{})
	ctx := context.Background()
	f.fund(t, "winner", 100000)
	auctionID := f.wonAuction(t, 25000)

	if _, err := f.orch.Checkout(ctx, auctionID, "winner"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Checkout(ctx, auctionID, "winner"); !errors.Is(err, ErrOrderNotPayable) {
		t.Fatalf("second checkout err = %v, want ErrOrderNotPayable", err)
	}
}

func TestCheckoutGatewayDeclineLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, failingGateway{})
	ctx := context.Background()
	f.fund(t, "winner", 100000)
	auctionID := f.wonAuction(t, 25000)

	if _, err := f.orch.Checkout(ctx, auctionID, "winner"); err == nil {
		t.Fatal("expected gateway error")
	}

	order, _ := f.repos.Orders.GetByAuctionID(ctx, auctionID)
	if order.Status != store.OrderProcessing {
		t.Errorf("order status = %s, want processing", order.Status)
	}
	// Balance untouched, deposit still earmarked.
	w, _ := f.wm.Get(ctx, "winner")
	if w.Balance != 100000 || w.HoldingAmount != 1500 {
		t.Errorf("wallet = %d/%d, want 100000/1500", w.Balance, w.HoldingAmount)
	}
}

func TestRunBatchPaysSeller(t *testing.T) {
	f := newFixture(t, NopGateway{})
	ctx := context.Background()
	f.fund(t, "winner", 100000)
	f.fund(t, "seller", 0)
	auctionID := f.wonAuction(t, 25000)
	if _, err := f.orch.Checkout(ctx, auctionID, "winner"); err != nil {
		t.Fatal(err)
	}

	done, failed, err := f.orch.RunBatch(ctx, 10)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if done != 1 || failed != 0 {
		t.Fatalf("done/failed = %d/%d, want 1/0", done, failed)
	}

	s, _ := f.repos.Settlements.GetByAuctionID(ctx, auctionID)
	if s.Status != store.SettlementDone {
		t.Fatalf("status = %s, want done", s.Status)
	}
	if s.SettlementAmount+s.FeeAmount != s.SalesAmount {
		t.Errorf("amounts do not add up: %d + %d != %d", s.SettlementAmount, s.FeeAmount, s.SalesAmount)
	}

	// Seller nets sales minus fee via a payout credit and a fee debit.
	w, _ := f.wm.Get(ctx, "seller")
	if w.Balance != 22500 {
		t.Errorf("seller balance = %d, want 22500", w.Balance)
	}
	ledger, _ := f.wm.Ledger(ctx, "seller")
	var payout, fee bool
	for _, tx := range ledger {
		switch tx.Type {
		case store.LedgerPayout:
			payout = true
		case store.LedgerFee:
			fee = true
		}
	}
	if !payout || !fee {
		t.Errorf("ledger missing payout/fee rows: payout=%v fee=%v", payout, fee)
	}
	if f.disp.count(event.SettlementCompleted) != 1 {
		t.Errorf("completed events = %d, want 1", f.disp.count(event.SettlementCompleted))
	}
}

func TestRunBatchNeverPaysTwice(t *testing.T) {
	f := newFixture(t, NopGateway{})
	ctx := context.Background()
	f.fund(t, "winner", 100000)
	f.fund(t, "seller", 0)
	auctionID := f.wonAuction(t, 25000)
	s, err := f.orch.Checkout(ctx, auctionID, "winner")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crashed earlier attempt that credited the payout but died
	// before marking the settlement done.
	if _, err := f.wm.AddBalance(ctx, "seller", s.SalesAmount, store.LedgerPayout, "settlement", s.ID); err != nil {
		t.Fatal(err)
	}

	done, failed, err := f.orch.RunBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if done != 1 || failed != 0 {
		t.Fatalf("done/failed = %d/%d, want 1/0", done, failed)
	}

	// Exactly one payout credit despite the retry.
	w, _ := f.wm.Get(ctx, "seller")
	if w.Balance != 22500 {
		t.Fatalf("seller balance = %d, want 22500", w.Balance)
	}
	got, _ := f.repos.Settlements.GetByAuctionID(ctx, auctionID)
	if got.Status != store.SettlementDone {
		t.Errorf("status = %s, want done", got.Status)
	}
}

func TestSettlementFailsPermanentlyAfterRetries(t *testing.T) {
	f := newFixture(t, NopGateway{})
	ctx := context.Background()
	f.fund(t, "winner", 100000)
	// Seller has no wallet, so every payout attempt fails.
	auctionID := f.wonAuction(t, 25000)
	if _, err := f.orch.Checkout(ctx, auctionID, "winner"); err != nil {
		t.Fatal(err)
	}

	// First attempt plus MaxTryCount retries.
	for i := 0; i < MaxTryCount+1; i++ {
		done, failed, err := f.orch.RunBatch(ctx, 10)
		if err != nil {
			t.Fatalf("RunBatch #%d: %v", i+1, err)
		}
		if done != 0 || failed != 1 {
			t.Fatalf("pass %d: done/failed = %d/%d, want 0/1", i+1, done, failed)
		}
	}

	s, _ := f.repos.Settlements.GetByAuctionID(ctx, auctionID)
	if s.Status != store.SettlementFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if s.TryCount != MaxTryCount+1 {
		t.Errorf("try count = %d, want %d", s.TryCount, MaxTryCount+1)
	}

	// A terminal settlement is never claimed again.
	done, failed, err := f.orch.RunBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if done != 0 || failed != 0 {
		t.Errorf("post-terminal pass = %d/%d, want 0/0", done, failed)
	}
}

func TestCreateForfeitIsFeeFree(t *testing.T) {
	f := newFixture(t, NopGateway{})
	ctx := context.Background()
	f.fund(t, "seller", 0)

	s, err := f.orch.CreateForfeit(ctx, "a1", "seller", 1500)
	if err != nil {
		t.Fatalf("CreateForfeit: %v", err)
	}
	if s.FeeAmount != 0 || s.SettlementAmount != 1500 {
		t.Fatalf("fee/settlement = %d/%d, want 0/1500", s.FeeAmount, s.SettlementAmount)
	}

	// Idempotent: a repeated create returns the existing settlement.
	again, err := f.orch.CreateForfeit(ctx, "a1", "seller", 1500)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != s.ID {
		t.Errorf("duplicate create produced a second settlement")
	}

	done, _, err := f.orch.RunBatch(ctx, 10)
	if err != nil || done != 1 {
		t.Fatalf("RunBatch = %d, %v, want 1, nil", done, err)
	}
	w, _ := f.wm.Get(ctx, "seller")
	if w.Balance != 1500 {
		t.Errorf("seller balance = %d, want 1500", w.Balance)
	}
}

func TestSettleOneExecutesReadySettlement(t *testing.T) {
	f := newFixture(t, NopGateway{})
	ctx := context.Background()
	f.fund(t, "winner", 100000)
	f.fund(t, "seller", 0)
	auctionID := f.wonAuction(t, 25000)
	if _, err := f.orch.Checkout(ctx, auctionID, "winner"); err != nil {
		t.Fatal(err)
	}

	// The auction is already ended; SettleOne just executes the READY row.
	if err := f.orch.SettleOne(ctx, auctionID); err != nil {
		t.Fatalf("SettleOne: %v", err)
	}
	s, _ := f.repos.Settlements.GetByAuctionID(ctx, auctionID)
	if s.Status != store.SettlementDone {
		t.Fatalf("status = %s, want done", s.Status)
	}
}
