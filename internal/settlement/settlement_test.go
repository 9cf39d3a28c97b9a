package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/certificate"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/governance"
	"github.com/gridtokenx/trading-engine/internal/matching"
	"github.com/gridtokenx/trading-engine/internal/model"
	"github.com/gridtokenx/trading-engine/internal/orderbook"
	"github.com/gridtokenx/trading-engine/internal/store"
)

const treasury = model.ParticipantID("treasury")

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type flakyStore struct {
	*store.MemoryStore
	fail bool
}

func (s *flakyStore) Commit(ctx context.Context, cs *store.Changeset) error {
	if s.fail {
		return errors.New("injected commit failure")
	}
	return s.MemoryStore.Commit(ctx, cs)
}

type meters map[string]model.Meter

func (m meters) Meter(id string) (model.Meter, error) {
	if meter, ok := m[id]; ok {
		return meter, nil
	}
	return model.Meter{}, fmt.Errorf("meter %s not found", id)
}

type noRoles struct{}

func (noRoles) RequireRole(model.ParticipantID, model.Role) error { return errors.New("forbidden") }

type testEnv struct {
	db       *flakyStore
	accounts *account.Store
	book     *orderbook.Book
	proc     *Processor
	events   *events.MemoryPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := fixedClock{time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	db := &flakyStore{MemoryStore: store.NewMemoryStore()}
	accounts := account.New(db, clock)
	pub := &events.MemoryPublisher{}
	book := orderbook.New(orderbook.Config{FeeBps: 25, DefaultTTL: time.Hour}, accounts, clock, pub)

	gov := governance.New(accounts, noRoles{}, governance.CertificateLimits{
		ValidationEnabled: true,
		MinEnergy:         10,
		MaxEnergy:         1_000_000,
		OffsetPPM:         430_000,
	}, pub)
	certs := certificate.New(accounts, gov, clock, pub)
	m := meters{
		"solar-1":  {ID: "solar-1", Owner: "seller", Type: model.MeterSolarProsumer, RECEligible: true},
		"hybrid-1": {ID: "hybrid-1", Owner: "carol", Type: model.MeterHybridProsumer},
	}
	proc := New(Config{FeeBps: 25, Treasury: treasury}, accounts, m, certs, clock, pub)

	ctx := context.Background()
	for _, p := range []model.ParticipantID{"buyer", "seller", "carol"} {
		require.NoError(t, accounts.Mint(ctx, p, model.TokenCurrency, 100_000))
		require.NoError(t, accounts.Mint(ctx, p, model.TokenEnergy, 1_000))
	}
	return &testEnv{db: db, accounts: accounts, book: book, proc: proc, events: pub}
}

func (e *testEnv) submit(t *testing.T, owner model.ParticipantID, side model.Side, qty, price uint64, meter string) model.Order {
	t.Helper()
	o, err := e.book.Prepare(orderbook.Request{
		Owner: owner, Side: side, EnergyType: model.EnergySolar,
		MeterID: meter, Quantity: qty, LimitPrice: price,
	})
	require.NoError(t, err)
	require.NoError(t, e.book.Submit(context.Background(), o))
	return *o
}

func (e *testEnv) settle(buy, sell model.Order, qty, price uint64) (*model.Trade, error) {
	var trade *model.Trade
	err := e.book.Exec(context.Background(), model.EnergySolar, func(w *orderbook.Writer) error {
		var err error
		trade, err = e.proc.Settle(w, matching.Proposal{
			BuyOrderID: buy.ID, SellOrderID: sell.ID,
			Buyer: buy.Owner, Seller: sell.Owner,
			EnergyType: model.EnergySolar, Quantity: qty, Price: price,
			TakerSide: model.Buy,
		})
		return err
	})
	return trade, err
}

func (e *testEnv) supply(kind model.TokenKind) uint64 {
	return e.accounts.Supply(kind)
}

func TestSettle_MakerPriceScenario(t *testing.T) {
	env := newTestEnv(t)
	sell := env.submit(t, "seller", model.Sell, 100, 10, "solar-1")
	buy := env.submit(t, "buyer", model.Buy, 60, 12, "")

	trade, err := env.settle(buy, sell, 60, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(60), trade.Quantity)
	require.Equal(t, uint64(10), trade.ClearingPrice)
	require.Equal(t, uint64(1), trade.Fee, "floor(600 * 25 / 10000)")

	ctx := context.Background()
	gotBuy, err := env.book.Get(ctx, buy.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderFilled, gotBuy.Status)
	require.Equal(t, uint64(60), gotBuy.FilledQuantity)

	gotSell, err := env.book.Get(ctx, sell.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderPartiallyFilled, gotSell.Status)
	require.Equal(t, uint64(60), gotSell.FilledQuantity)

	// Buyer: -(600 + 1), hold fully released.
	b := env.accounts.GetBalance("buyer", model.TokenCurrency)
	require.Equal(t, uint64(100_000-601), b.Available)
	require.Zero(t, b.Held)
	require.Equal(t, uint64(1_060), env.accounts.GetBalance("buyer", model.TokenEnergy).Total())

	// Seller: +(600 - 1); 40 energy still held for the rest of the order.
	require.Equal(t, uint64(100_000+599), env.accounts.GetBalance("seller", model.TokenCurrency).Total())
	se := env.accounts.GetBalance("seller", model.TokenEnergy)
	require.Equal(t, uint64(900), se.Available)
	require.Equal(t, uint64(40), se.Held)

	require.Equal(t, uint64(2), env.accounts.GetBalance(treasury, model.TokenCurrency).Total())
	require.Equal(t, uint64(300_000), env.supply(model.TokenCurrency))
	require.Equal(t, uint64(3_000), env.supply(model.TokenEnergy))

	stored, err := env.db.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, *trade, *stored)
	require.Len(t, env.events.Events(events.TradeSettled), 1)
}

func TestSettle_IssuesCertificate(t *testing.T) {
	env := newTestEnv(t)
	sell := env.submit(t, "seller", model.Sell, 100, 10, "solar-1")
	buy := env.submit(t, "buyer", model.Buy, 100, 10, "")

	trade, err := env.settle(buy, sell, 100, 10)
	require.NoError(t, err)
	require.NotEmpty(t, trade.CertificateID)

	c, err := env.accounts.Certificate(trade.CertificateID)
	require.NoError(t, err)
	require.Equal(t, model.CertPending, c.Status)
	require.Equal(t, model.ParticipantID("buyer"), c.Owner)
	require.Equal(t, uint64(43), c.CarbonOffset)
	require.Len(t, env.events.Events(events.CertificateCreated), 1)

	// The creation counter is committed with the trade.
	snap, err := env.db.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Governance)
	require.Equal(t, uint64(1), snap.Governance.Created)
}

func TestSettle_NoCertificateForIneligibleMeter(t *testing.T) {
	env := newTestEnv(t)
	sell := env.submit(t, "carol", model.Sell, 100, 10, "hybrid-1")
	buy := env.submit(t, "buyer", model.Buy, 100, 10, "")

	trade, err := env.settle(buy, sell, 100, 10)
	require.NoError(t, err)
	require.Empty(t, trade.CertificateID)
	require.Empty(t, env.events.Events(events.CertificateCreated))
}

func TestSettle_PartialBuyFillsReleaseExactHold(t *testing.T) {
	env := newTestEnv(t)
	s1 := env.submit(t, "seller", model.Sell, 40, 10, "solar-1")
	s2 := env.submit(t, "carol", model.Sell, 60, 11, "hybrid-1")
	buy := env.submit(t, "buyer", model.Buy, 100, 12, "")

	// Hold: 100*12 + floor(1200*25/10000) = 1203.
	require.Equal(t, uint64(1_203), env.accounts.GetBalance("buyer", model.TokenCurrency).Held)

	_, err := env.settle(buy, s1, 40, 10)
	require.NoError(t, err)
	// 481 of the hold is consumed: 401 paid, 80 released.
	b := env.accounts.GetBalance("buyer", model.TokenCurrency)
	require.Equal(t, uint64(722), b.Held)
	require.Equal(t, uint64(100_000-1_203+80), b.Available)

	_, err = env.settle(buy, s2, 60, 11)
	require.NoError(t, err)
	b = env.accounts.GetBalance("buyer", model.TokenCurrency)
	require.Zero(t, b.Held)
	require.Equal(t, uint64(100_000-401-661), b.Available)

	require.Equal(t, uint64(300_000), env.supply(model.TokenCurrency))
	require.Equal(t, uint64(2+2), env.accounts.GetBalance(treasury, model.TokenCurrency).Total())
}

func TestSettle_CommitFailureChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sell := env.submit(t, "seller", model.Sell, 100, 10, "solar-1")
	buy := env.submit(t, "buyer", model.Buy, 60, 12, "")

	snapshot := func() (map[model.ParticipantID][]model.Balance, model.Order, model.Order) {
		out := make(map[model.ParticipantID][]model.Balance)
		for _, p := range []model.ParticipantID{"buyer", "seller", treasury} {
			out[p] = env.accounts.Balances(p)
		}
		b, err := env.book.Get(ctx, buy.ID)
		require.NoError(t, err)
		s, err := env.book.Get(ctx, sell.ID)
		require.NoError(t, err)
		return out, b, s
	}
	balances, b0, s0 := snapshot()

	env.db.fail = true
	_, err := env.settle(buy, sell, 60, 10)
	require.Error(t, err)
	env.db.fail = false

	balances1, b1, s1 := snapshot()
	require.Equal(t, balances, balances1)
	require.Equal(t, b0, b1)
	require.Equal(t, s0, s1)
	_, ok := env.accounts.Reservation(buy.ReservationID)
	require.True(t, ok, "buy reservation intact")

	failures := env.events.Events(events.SettlementFailed)
	require.Len(t, failures, 1)

	// The orders stay matchable.
	_, err = env.settle(buy, sell, 60, 10)
	require.NoError(t, err)
}

func TestSettle_RejectsStaleProposals(t *testing.T) {
	env := newTestEnv(t)
	sell := env.submit(t, "seller", model.Sell, 100, 10, "solar-1")
	buy := env.submit(t, "buyer", model.Buy, 60, 12, "")

	tests := []struct {
		name       string
		qty, price uint64
		want       error
	}{
		{"too much", 61, 10, ErrStaleProposal},
		{"below ask", 60, 9, ErrStaleProposal},
		{"above bid", 60, 13, ErrStaleProposal},
		{"zero", 0, 10, ErrStaleProposal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.settle(buy, sell, tt.qty, tt.price)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := env.book.Cancel(context.Background(), buy.ID, "buyer", false)
	require.NoError(t, err)
	_, err = env.settle(buy, sell, 60, 10)
	require.ErrorIs(t, err, ErrStaleProposal, "cancelled order cannot settle")
}

func TestReason(t *testing.T) {
	require.Equal(t, "invariant_violation", Reason(fmt.Errorf("x: %w", account.ErrInvariantViolation)))
	require.Equal(t, "insufficient_funds", Reason(account.ErrInsufficientFunds))
	require.Equal(t, "self_trade", Reason(matching.ErrSelfTradeNotAllowed))
	require.Equal(t, "stale_proposal", Reason(ErrStaleProposal))
	require.Equal(t, "commit_failed", Reason(errors.New("disk")))
}
