// Package engine wires the order book, matching, settlement and the
// supporting registries into the operations exposed to clients: submit,
// cancel, query and clear.
//
// Writes to one energy type's book are serialised by the book's partition
// lock: an incoming order is matched and settled while the partition is
// held, so cancellation, expiry and settlement of any order in it never
// interleave.
//
// Submissions of one owner are also serialised, across energy types, so the
// open quantity the risk limits are checked against only shrinks while a
// submission is in flight. Lock order is owner, partition, account store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/certificate"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/governance"
	"github.com/gridtokenx/trading-engine/internal/matching"
	"github.com/gridtokenx/trading-engine/internal/metrics"
	"github.com/gridtokenx/trading-engine/internal/model"
	"github.com/gridtokenx/trading-engine/internal/orderbook"
	"github.com/gridtokenx/trading-engine/internal/registry"
	"github.com/gridtokenx/trading-engine/internal/risk"
	"github.com/gridtokenx/trading-engine/internal/settlement"
	"github.com/gridtokenx/trading-engine/internal/store"
)

// Config configures the engine.
type Config struct {
	FeeBps       uint64
	DefaultTTL   time.Duration
	MaxMatches   int
	Treasury     model.ParticipantID
	Risk         risk.Limiter
	Certificates governance.CertificateLimits
}

// SubmitResult is the outcome of a submission: the order as it stands after
// matching and the trades it produced.
type SubmitResult struct {
	Order  model.Order   `json:"order"`
	Trades []model.Trade `json:"trades"`
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg       Config
	db        store.Store
	clock     model.Clock
	accounts  *account.Store
	registry  *registry.Registry
	gov       *governance.Governance
	certs     *certificate.Validator
	book      *orderbook.Book
	matcher   *matching.Engine
	settler   *settlement.Processor
	limiter   *risk.Limiter
	publisher events.Publisher
	owners    ownerLocks
}

// ownerLocks is a fixed set of mutexes striped by participant id.
type ownerLocks struct {
	seed  maphash.Seed
	locks [64]sync.Mutex
}

func (l *ownerLocks) lock(p model.ParticipantID) func() {
	m := &l.locks[maphash.String(l.seed, string(p))%uint64(len(l.locks))]
	m.Lock()
	return m.Unlock
}

// New builds an engine persisting through db. Call Restore before serving
// to load existing state.
func New(cfg Config, db store.Store, clock model.Clock, publisher events.Publisher) *Engine {
	accounts := account.New(db, clock)
	reg := registry.New(accounts)
	gov := governance.New(accounts, reg, cfg.Certificates, publisher)
	certs := certificate.New(accounts, gov, clock, publisher)
	limiter := cfg.Risk
	return &Engine{
		cfg:       cfg,
		db:        db,
		clock:     clock,
		accounts:  accounts,
		registry:  reg,
		gov:       gov,
		certs:     certs,
		book:      orderbook.New(orderbook.Config{FeeBps: cfg.FeeBps, DefaultTTL: cfg.DefaultTTL}, accounts, clock, publisher),
		matcher:   matching.New(cfg.MaxMatches),
		settler:   settlement.New(settlement.Config{FeeBps: cfg.FeeBps, Treasury: cfg.Treasury}, accounts, reg, certs, clock, publisher),
		limiter:   &limiter,
		publisher: publisher,
		owners:    ownerLocks{seed: maphash.MakeSeed()},
	}
}

func (e *Engine) Accounts() *account.Store { return e.accounts }
func (e *Engine) Registry() *registry.Registry { return e.registry }
func (e *Engine) Governance() *governance.Governance { return e.gov }
func (e *Engine) Certificates() *certificate.Validator { return e.certs }
func (e *Engine) Book() *orderbook.Book { return e.book }

// Restore loads the persisted state: balances, reservations, certificates,
// participants, meters, resting orders and the governance record.
func (e *Engine) Restore(ctx context.Context) error {
	snap, err := e.db.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	e.accounts.Restore(snap)
	e.registry.Restore(snap)
	e.book.Restore(snap.Orders)
	e.gov.Restore(snap.Governance, snap.Certificates)
	slog.Info("state restored",
		"participants", len(snap.Participants),
		"meters", len(snap.Meters),
		"orders", len(snap.Orders),
		"certificates", len(snap.Certificates),
		"paused", e.gov.CheckTrading() != nil,
	)
	return nil
}

// SubmitOrder validates an order, matches it against the opposite side of
// its book and settles each match. Whatever is not filled rests in the book.
//
// Validation failures and self-trades reject the order with nothing
// reserved. A settlement failure stops matching and leaves the order
// resting for a later clearing pass; it is not returned as an error.
func (e *Engine) SubmitOrder(ctx context.Context, req orderbook.Request) (SubmitResult, error) {
	unlock := e.owners.lock(req.Owner)
	defer unlock()

	o, err := e.admit(req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return SubmitResult{}, err
	}
	open := e.book.OpenQuantity(o.Owner)

	var (
		res      SubmitResult
		accepted bool
	)
	err = e.book.Exec(ctx, o.EnergyType, func(w *orderbook.Writer) error {
		counters, err := w.Crossing(o.Side, o.LimitPrice)
		if err != nil {
			return err
		}
		walk, err := e.matcher.Match(o, counters, 0)
		if err != nil {
			return err
		}
		open[o.EnergyType] = w.OpenQuantity(o.Owner)
		if err := e.checkRisk(o, open); err != nil {
			return err
		}
		if err := w.Submit(o); err != nil {
			return err
		}
		accepted = true

		for _, prop := range walk.Proposals {
			trade, err := e.settler.Settle(w, prop)
			if errors.Is(err, account.ErrInvariantViolation) {
				return err
			}
			if err != nil {
				break
			}
			res.Trades = append(res.Trades, *trade)
		}
		res.Order, err = w.Order(o.ID)
		return err
	})
	if err != nil {
		if !accepted {
			metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		return SubmitResult{}, err
	}
	return res, nil
}

// admit runs every check that needs no book lock and returns the prepared
// order.
func (e *Engine) admit(req orderbook.Request) (*model.Order, error) {
	o, err := e.book.Prepare(req)
	if err != nil {
		return nil, err
	}
	if err := e.gov.CheckTrading(); err != nil {
		return nil, err
	}
	if err := e.registry.RequireActive(o.Owner); err != nil {
		return nil, err
	}
	if o.Side == model.Sell {
		if o.MeterID == "" {
			return nil, orderbook.Invalid("sell order requires a generating meter")
		}
		m, err := e.registry.Meter(o.MeterID)
		if err != nil {
			return nil, &orderbook.InvalidOrderError{Reason: "unknown meter " + o.MeterID, Err: err}
		}
		if m.Owner != o.Owner {
			return nil, orderbook.Invalid("meter %s is not owned by %s", m.ID, o.Owner)
		}
		if !m.Type.CanGenerate() {
			return nil, orderbook.Invalid("meter %s (%s) cannot generate", m.ID, m.Type)
		}
	}
	return o, nil
}

// checkRisk applies the position limits to o given the owner's open
// quantity per energy type.
func (e *Engine) checkRisk(o *model.Order, open map[model.EnergyType]uint64) error {
	if err := e.limiter.CheckLimit(o.EnergyType, o.Quantity, open); err != nil {
		metrics.RiskRejections.Inc()
		return &orderbook.InvalidOrderError{Reason: err.Error(), Err: err}
	}
	return nil
}

// CancelOrder cancels an order for its owner. Active grid operators may
// cancel any order.
func (e *Engine) CancelOrder(ctx context.Context, id string, requester model.ParticipantID) (model.Order, error) {
	override := e.registry.RequireRole(requester, model.RoleGridOperator) == nil
	o, err := e.book.Cancel(ctx, id, requester, override)
	if err != nil {
		return o, err
	}
	if override && o.Owner != requester {
		slog.Warn("order cancelled by grid operator", "order_id", id, "owner", o.Owner, "operator", requester)
	}
	return o, nil
}

// GetOrder returns an order by id.
func (e *Engine) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return e.book.Get(ctx, id)
}

// QueryOrderBook returns up to limit resting orders on one side of a book in
// priority order.
func (e *Engine) QueryOrderBook(ctx context.Context, et model.EnergyType, side model.Side, limit int) ([]model.Order, error) {
	return e.book.Orders(ctx, et, side, limit)
}

// Clear runs one clearing pass over every book: due orders are expired,
// then the best bid and ask are matched while they cross, settling at most
// budget trades in total. The later of the two orders is the taker and the
// earlier one sets the price.
func (e *Engine) Clear(ctx context.Context, budget int) (int, error) {
	if err := e.gov.CheckTrading(); err != nil {
		return 0, err
	}
	if budget < 1 {
		budget = e.cfg.MaxMatches
	}

	total := 0
	for _, et := range model.EnergyTypes {
		err := e.book.Exec(ctx, et, func(w *orderbook.Writer) error {
			if _, err := w.ExpireDue(); err != nil {
				return err
			}
			for total < budget {
				if err := ctx.Err(); err != nil {
					return err
				}
				settled, err := e.clearOne(w)
				if err != nil || !settled {
					return err
				}
				total++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// clearOne settles the best bid against the best ask if they cross.
func (e *Engine) clearOne(w *orderbook.Writer) (bool, error) {
	bids, err := w.Best(model.Buy, 1)
	if err != nil {
		return false, err
	}
	asks, err := w.Best(model.Sell, 1)
	if err != nil {
		return false, err
	}
	if len(bids) == 0 || len(asks) == 0 || !matching.Crosses(bids[0].LimitPrice, asks[0].LimitPrice) {
		return false, nil
	}

	taker, maker := matching.Taker(&bids[0], &asks[0])
	walk, err := e.matcher.Match(taker, []model.Order{*maker}, 1)
	if errors.Is(err, matching.ErrSelfTradeNotAllowed) {
		slog.Warn("resting orders of one owner cross", "energy_type", w.EnergyType(), "owner", taker.Owner)
		return false, nil
	}
	if err != nil || len(walk.Proposals) == 0 {
		return false, err
	}

	if _, err := e.settler.Settle(w, walk.Proposals[0]); err != nil {
		if errors.Is(err, account.ErrInvariantViolation) {
			return false, err
		}
		// Left for the next pass.
		return false, nil
	}
	return true, nil
}

// Mint credits tokens to a registered participant. Only grid operators may
// mint.
func (e *Engine) Mint(ctx context.Context, requester, p model.ParticipantID, kind model.TokenKind, amount uint64) (model.Balance, error) {
	if err := e.registry.RequireRole(requester, model.RoleGridOperator); err != nil {
		return model.Balance{}, err
	}
	if _, err := e.registry.Participant(p); err != nil {
		return model.Balance{}, err
	}
	if _, err := kind.MarshalText(); err != nil {
		return model.Balance{}, fmt.Errorf("%w: token kind", account.ErrInvalidTransfer)
	}
	if err := e.accounts.Mint(ctx, p, kind, amount); err != nil {
		return model.Balance{}, err
	}
	slog.Info("tokens minted", "participant", p, "kind", kind, "amount", amount, "operator", requester)
	return e.accounts.GetBalance(p, kind), nil
}

// Balances returns every balance of p.
func (e *Engine) Balances(p model.ParticipantID) []model.Balance {
	return e.accounts.Balances(p)
}

// Trade returns a settled trade.
func (e *Engine) Trade(ctx context.Context, id string) (*model.Trade, error) {
	return e.db.GetTrade(ctx, id)
}

// Trades returns the trades p took part in, oldest first.
func (e *Engine) Trades(ctx context.Context, p model.ParticipantID) ([]model.Trade, error) {
	return e.db.TradesByParticipant(ctx, p)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, matching.ErrSelfTradeNotAllowed):
		return "self_trade"
	case errors.Is(err, account.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, governance.ErrMarketPaused):
		return "market_paused"
	case errors.Is(err, registry.ErrParticipantNotFound), errors.Is(err, registry.ErrParticipantInactive):
		return "participant"
	case errors.Is(err, risk.ErrOrderLimitExceeded), errors.Is(err, risk.ErrTypeLimitExceeded), errors.Is(err, risk.ErrOpenLimitExceeded):
		return "risk_limit"
	case errors.Is(err, orderbook.ErrInvalidOrder):
		return "invalid_order"
	default:
		return "error"
	}
}
