// Package settlement turns trade proposals into committed trades. Each
// proposal is settled in one account transaction: the transfer set, both
// order updates, the trade record and any certificate are committed together
// or not at all.
package settlement

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/certificate"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/matching"
	"github.com/gridtokenx/trading-engine/internal/metrics"
	"github.com/gridtokenx/trading-engine/internal/model"
	"github.com/gridtokenx/trading-engine/internal/orderbook"
)

// ErrStaleProposal is returned when a proposal no longer fits the orders it
// names: one of them is terminal, has too little left, or the price falls
// outside the limits.
var ErrStaleProposal = errors.New("settlement: stale proposal")

// MeterSource looks up a seller's meter.
type MeterSource interface {
	Meter(id string) (model.Meter, error)
}

// Config configures fees.
type Config struct {
	FeeBps   uint64
	Treasury model.ParticipantID
}

// Processor settles trade proposals.
type Processor struct {
	cfg       Config
	accounts  *account.Store
	meters    MeterSource
	certs     *certificate.Validator
	clock     model.Clock
	publisher events.Publisher
}

// New creates a processor. certs may be nil to disable certificate issuance.
func New(cfg Config, accounts *account.Store, meters MeterSource, certs *certificate.Validator, clock model.Clock, publisher events.Publisher) *Processor {
	return &Processor{
		cfg:       cfg,
		accounts:  accounts,
		meters:    meters,
		certs:     certs,
		clock:     clock,
		publisher: publisher,
	}
}

// Transfers builds the transfer set for trading quantity at price between
// buy and sell. buyHold is the part of the buy reservation this fill
// consumes; anything above notional plus fee goes back to the buyer.
func (p *Processor) Transfers(buy, sell *model.Order, quantity, price, buyHold uint64) ([]account.Transfer, uint64, error) {
	notional, err := model.Mul(quantity, price)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: notional: %v", ErrStaleProposal, err)
	}
	fee := model.Fee(notional, p.cfg.FeeBps)
	cost := notional + fee
	if buyHold < cost {
		return nil, 0, fmt.Errorf("%w: buy hold %d below cost %d", account.ErrInvariantViolation, buyHold, cost)
	}

	var ts []account.Transfer
	add := func(t account.Transfer) {
		if t.Amount > 0 {
			ts = append(ts, t)
		}
	}
	add(account.Transfer{From: buy.Owner, To: sell.Owner, Kind: model.TokenCurrency, Amount: notional - fee, Reservation: buy.ReservationID})
	add(account.Transfer{From: buy.Owner, To: p.cfg.Treasury, Kind: model.TokenCurrency, Amount: 2 * fee, Reservation: buy.ReservationID})
	add(account.Transfer{From: buy.Owner, To: buy.Owner, Kind: model.TokenCurrency, Amount: buyHold - cost, Reservation: buy.ReservationID})
	add(account.Transfer{From: sell.Owner, To: buy.Owner, Kind: model.TokenEnergy, Amount: quantity, Reservation: sell.ReservationID})
	return ts, fee, nil
}

// Settle commits one proposal against the partition held by w and returns
// the trade. On error nothing has changed: balances, reservations and both
// orders are as they were.
func (p *Processor) Settle(w *orderbook.Writer, prop matching.Proposal) (*model.Trade, error) {
	start := time.Now()
	trade, err := p.settle(w, prop)
	if err != nil {
		p.fail(w, prop, err)
		return nil, err
	}
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	return trade, nil
}

func (p *Processor) settle(w *orderbook.Writer, prop matching.Proposal) (*model.Trade, error) {
	ctx := w.Context()
	buy, err := w.Order(prop.BuyOrderID)
	if err != nil {
		return nil, err
	}
	sell, err := w.Order(prop.SellOrderID)
	if err != nil {
		return nil, err
	}
	if err := check(&buy, &sell, prop); err != nil {
		return nil, err
	}

	trade := &model.Trade{
		ID:            uuid.NewString(),
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		Buyer:         buy.Owner,
		Seller:        sell.Owner,
		EnergyType:    prop.EnergyType,
		Quantity:      prop.Quantity,
		ClearingPrice: prop.Price,
		Timestamp:     p.clock.Now(),
	}

	// The meter is read before the account transaction: the registry
	// persists through the account store and must not be entered from an
	// Update callback.
	var cert *model.Certificate
	if p.certs != nil && sell.MeterID != "" {
		if meter, err := p.meters.Meter(sell.MeterID); err == nil {
			if d := p.certs.Evaluate(trade, meter); d.Issue {
				cert = &d.Certificate
				trade.CertificateID = cert.ID
			}
		} else {
			slog.Warn("seller meter lookup", "meter_id", sell.MeterID, "error", err)
		}
	}

	var fee uint64
	err = p.accounts.Update(ctx, func(tx *account.Tx) error {
		hold, err := p.buyHold(tx, &buy, prop.Quantity)
		if err != nil {
			return err
		}
		transfers, f, err := p.Transfers(&buy, &sell, prop.Quantity, prop.Price, hold)
		if err != nil {
			return err
		}
		if err := tx.ApplyTransfer(transfers); err != nil {
			return err
		}
		fee = f
		trade.Fee = f

		now := tx.Now()
		fill(&buy, prop.Quantity, now)
		fill(&sell, prop.Quantity, now)
		cs := tx.Changeset()
		cs.Orders = append(cs.Orders, buy, sell)
		cs.Trades = append(cs.Trades, *trade)
		if cert != nil {
			p.certs.Stage(tx, *cert)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := w.Apply(buy, sell); err != nil {
		slog.Error("settlement invariant violated after commit", "trade_id", trade.ID, "error", err)
		return nil, err
	}

	et := trade.EnergyType.String()
	metrics.TradesSettled.WithLabelValues(et).Inc()
	metrics.TradeVolume.WithLabelValues(et).Add(float64(trade.Quantity))
	metrics.FeesCollected.Add(float64(2 * fee))
	events.Emit(ctx, p.publisher, events.TradeSettled, trade.ID, trade, trade.Timestamp)
	if cert != nil {
		p.certs.Created(ctx, *cert)
	}
	return trade, nil
}

// buyHold is the part of the buy reservation consumed by a fill of
// quantity. The fill that completes the order consumes all of it.
func (p *Processor) buyHold(tx *account.Tx, buy *model.Order, quantity uint64) (uint64, error) {
	r, ok := tx.Reservation(buy.ReservationID)
	if !ok {
		return 0, fmt.Errorf("%w: buy order %s has no reservation", account.ErrInvariantViolation, buy.ID)
	}
	if quantity == buy.Remaining() {
		return r.Amount, nil
	}
	hold, err := orderbook.BuyHold(quantity, buy.LimitPrice, p.cfg.FeeBps)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStaleProposal, err)
	}
	if hold > r.Amount {
		return 0, fmt.Errorf("%w: buy order %s reservation %d below fill hold %d",
			account.ErrInvariantViolation, buy.ID, r.Amount, hold)
	}
	return hold, nil
}

func (p *Processor) fail(w *orderbook.Writer, prop matching.Proposal, err error) {
	code := Reason(err)
	metrics.SettlementFailures.WithLabelValues(code).Inc()
	if errors.Is(err, account.ErrInvariantViolation) {
		slog.Error("settlement invariant violation",
			"buy_order_id", prop.BuyOrderID, "sell_order_id", prop.SellOrderID, "error", err)
	} else {
		slog.Warn("settlement failed",
			"buy_order_id", prop.BuyOrderID, "sell_order_id", prop.SellOrderID,
			"quantity", prop.Quantity, "price", prop.Price, "reason", code, "error", err)
	}
	events.Emit(w.Context(), p.publisher, events.SettlementFailed, prop.BuyOrderID, events.SettlementFailure{
		BuyOrderID:  prop.BuyOrderID,
		SellOrderID: prop.SellOrderID,
		Quantity:    prop.Quantity,
		Price:       prop.Price,
		Reason:      code,
	}, p.clock.Now())
}

// Reason maps a settlement error to a metric and event reason code.
func Reason(err error) string {
	switch {
	case errors.Is(err, account.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, account.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, account.ErrReservationNotFound):
		return "reservation_not_found"
	case errors.Is(err, matching.ErrSelfTradeNotAllowed):
		return "self_trade"
	case errors.Is(err, ErrStaleProposal), errors.Is(err, orderbook.ErrOrderNotFound):
		return "stale_proposal"
	default:
		return "commit_failed"
	}
}

func check(buy, sell *model.Order, prop matching.Proposal) error {
	switch {
	case prop.Quantity == 0:
		return fmt.Errorf("%w: zero quantity", ErrStaleProposal)
	case buy.Side != model.Buy || sell.Side != model.Sell:
		return fmt.Errorf("%w: sides do not match", ErrStaleProposal)
	case buy.Terminal() || sell.Terminal():
		return fmt.Errorf("%w: order is %s/%s", ErrStaleProposal, buy.Status, sell.Status)
	case buy.Owner == sell.Owner:
		return fmt.Errorf("%w: %s", matching.ErrSelfTradeNotAllowed, buy.Owner)
	case buy.Remaining() < prop.Quantity || sell.Remaining() < prop.Quantity:
		return fmt.Errorf("%w: quantity %d exceeds remaining", ErrStaleProposal, prop.Quantity)
	case prop.Price < sell.LimitPrice || prop.Price > buy.LimitPrice:
		return fmt.Errorf("%w: price %d outside [%d, %d]", ErrStaleProposal, prop.Price, sell.LimitPrice, buy.LimitPrice)
	}
	return nil
}

func fill(o *model.Order, quantity uint64, now time.Time) {
	o.FilledQuantity += quantity
	if o.Remaining() == 0 {
		o.Status = model.OrderFilled
	} else {
		o.Status = model.OrderPartiallyFilled
	}
	o.UpdatedAt = now
}
