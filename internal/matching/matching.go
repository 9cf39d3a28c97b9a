// Package matching implements a continuous double auction with price-time
// priority. It is pure: it reads orders and returns trade proposals without
// touching balances or the book.
package matching

import (
	"errors"
	"fmt"

	"github.com/gridtokenx/trading-engine/internal/model"
)

// ErrSelfTradeNotAllowed is returned when an order would cross a resting
// order of the same owner.
var ErrSelfTradeNotAllowed = errors.New("matching: self trade not allowed")

// Proposal is one match awaiting settlement. Price is the maker's limit.
type Proposal struct {
	BuyOrderID  string              `json:"buy_order_id"`
	SellOrderID string              `json:"sell_order_id"`
	Buyer       model.ParticipantID `json:"buyer"`
	Seller      model.ParticipantID `json:"seller"`
	EnergyType  model.EnergyType    `json:"energy_type"`
	Quantity    uint64              `json:"quantity"`
	Price       uint64              `json:"price"`
	TakerSide   model.Side          `json:"taker_side"`
}

// Result is the outcome of one walk.
type Result struct {
	Proposals []Proposal
	// Remaining is the incoming quantity left unmatched.
	Remaining uint64
	// Exhausted is set when the walk stopped on the match budget while a
	// crossing counter-order was still available.
	Exhausted bool
}

// Engine walks counter-orders for an incoming order.
type Engine struct {
	// MaxMatches bounds the proposals produced by one call.
	MaxMatches int
}

// New creates an engine with the given per-call match budget.
func New(maxMatches int) *Engine {
	if maxMatches < 1 {
		maxMatches = 1
	}
	return &Engine{MaxMatches: maxMatches}
}

// Crosses reports whether a bid at buyPrice trades with an ask at sellPrice.
func Crosses(buyPrice, sellPrice uint64) bool { return buyPrice >= sellPrice }

func crosses(incoming, counter *model.Order) bool {
	if incoming.Side == model.Buy {
		return Crosses(incoming.LimitPrice, counter.LimitPrice)
	}
	return Crosses(counter.LimitPrice, incoming.LimitPrice)
}

// Match walks counters, which must be the opposite side of the book in
// priority order, and proposes trades at each maker's price until the
// incoming order is filled, the next counter does not cross, or budget
// proposals have been made. A budget below one uses the engine's MaxMatches.
//
// The walk for self-trade detection continues past the budget: if filling
// the incoming order completely would reach a counter of the same owner, the
// whole order is rejected. incoming is not modified.
func (e *Engine) Match(incoming *model.Order, counters []model.Order, budget int) (Result, error) {
	if budget < 1 || budget > e.MaxMatches {
		budget = e.MaxMatches
	}
	res := Result{Remaining: incoming.Remaining()}
	unfilled := res.Remaining

	for i := range counters {
		counter := &counters[i]
		if unfilled == 0 || !crosses(incoming, counter) {
			break
		}
		if counter.Side == incoming.Side || counter.EnergyType != incoming.EnergyType {
			return Result{}, fmt.Errorf("matching: counter %s is not on the opposite %s book", counter.ID, incoming.EnergyType)
		}
		if counter.Owner == incoming.Owner {
			return Result{}, fmt.Errorf("%w: %s crosses own order %s", ErrSelfTradeNotAllowed, incoming.Owner, counter.ID)
		}
		avail := counter.Remaining()
		if avail == 0 {
			continue
		}

		qty := min(unfilled, avail)
		unfilled -= qty
		if len(res.Proposals) == budget {
			res.Exhausted = true
			continue
		}
		res.Proposals = append(res.Proposals, propose(incoming, counter, qty))
		res.Remaining -= qty
	}
	return res, nil
}

func propose(taker, maker *model.Order, qty uint64) Proposal {
	p := Proposal{
		EnergyType: taker.EnergyType,
		Quantity:   qty,
		Price:      maker.LimitPrice,
		TakerSide:  taker.Side,
	}
	buy, sell := taker, maker
	if taker.Side == model.Sell {
		buy, sell = maker, taker
	}
	p.BuyOrderID, p.Buyer = buy.ID, buy.Owner
	p.SellOrderID, p.Seller = sell.ID, sell.Owner
	return p
}

// Taker picks which of two crossing resting orders is the taker during a
// clearing pass: the one that arrived later. The other is the maker and sets
// the price.
func Taker(bid, ask *model.Order) (taker, maker *model.Order) {
	if bid.Before(ask) {
		return ask, bid
	}
	return bid, ask
}
