package orderbook

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/metrics"
	"github.com/gridtokenx/trading-engine/internal/model"
)

// Writer is exclusive access to one partition. It is only valid inside the
// Exec callback that produced it.
type Writer struct {
	ctx  context.Context
	book *Book
	p    *partition
}

// Context returns the context Exec was called with.
func (w *Writer) Context() context.Context { return w.ctx }

// EnergyType returns the partition's energy type.
func (w *Writer) EnergyType() model.EnergyType { return w.p.energyType }

// Submit reserves the order's balance, persists it and inserts it into the
// book. o is updated with its sequence number and reservation id.
func (w *Writer) Submit(o *model.Order) error {
	if o.EnergyType != w.p.energyType {
		return Invalid("order for %s submitted to %s book", o.EnergyType, w.p.energyType)
	}
	if _, ok := w.p.orders[o.ID]; ok {
		return Invalid("duplicate order id %s", o.ID)
	}
	kind, amount, err := w.book.reservation(o)
	if err != nil {
		return Invalid("order value overflows")
	}

	o.Seq = w.book.seq.Add(1)
	err = w.book.accounts.Update(w.ctx, func(tx *account.Tx) error {
		id, err := tx.Reserve(o.Owner, kind, amount)
		if err != nil {
			return err
		}
		o.ReservationID = id
		tx.Changeset().Orders = append(tx.Changeset().Orders, *o)
		return nil
	})
	if err != nil {
		if errors.Is(err, account.ErrInsufficientFunds) {
			return &InvalidOrderError{Reason: "insufficient balance to reserve", Err: err}
		}
		return err
	}

	stored := *o
	w.p.insert(&stored)
	w.p.gauge()
	metrics.OrdersSubmitted.WithLabelValues(o.EnergyType.String(), o.Side.String()).Inc()
	events.Emit(w.ctx, w.book.publisher, events.OrderAccepted, o.ID, stored, o.CreatedAt)
	return nil
}

// Cancel cancels a live order and releases its reservation.
func (w *Writer) Cancel(id string, requester model.ParticipantID, override bool) (model.Order, error) {
	o, ok := w.p.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if o.Owner != requester && !override {
		return model.Order{}, fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	if o.ExpiredAt(w.book.clock.Now()) {
		if err := w.expire([]string{id}); err != nil {
			return model.Order{}, err
		}
	}
	if o.Terminal() {
		return *o, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, o.Status)
	}

	updated := *o
	err := w.book.accounts.Update(w.ctx, func(tx *account.Tx) error {
		if err := tx.Release(o.ReservationID); err != nil {
			return fmt.Errorf("cancel order %s: %w", id, err)
		}
		updated.Status = model.OrderCancelled
		updated.UpdatedAt = tx.Now()
		tx.Changeset().Orders = append(tx.Changeset().Orders, updated)
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}

	w.replace(updated)
	metrics.OrdersClosed.WithLabelValues(updated.Status.String()).Inc()
	events.Emit(w.ctx, w.book.publisher, events.OrderCancelled, id, updated, updated.UpdatedAt)
	return updated, nil
}

// Order returns an order, expiring it first if it is past its expiry.
func (w *Writer) Order(id string) (model.Order, error) {
	o, ok := w.p.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if o.ExpiredAt(w.book.clock.Now()) {
		if err := w.expire([]string{id}); err != nil {
			return model.Order{}, err
		}
	}
	return *o, nil
}

// OpenQuantity returns owner's unfilled live quantity in this partition.
func (w *Writer) OpenQuantity(owner model.ParticipantID) uint64 {
	return w.p.openQuantity(owner, w.book.clock.Now())
}

// Best returns up to limit live orders on side in priority order, expiring
// any due orders it passes.
func (w *Writer) Best(side model.Side, limit int) ([]model.Order, error) {
	out, due := w.p.best(side, limit, w.book.clock.Now())
	if len(due) > 0 {
		if err := w.expire(due); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Crossing returns every live counter-order an order on side at limitPrice
// would trade against, in priority order.
func (w *Writer) Crossing(side model.Side, limitPrice uint64) ([]model.Order, error) {
	now := w.book.clock.Now()
	var (
		out []model.Order
		due []string
	)
	for _, o := range *w.p.side(side.Opposite()) {
		if side == model.Buy && o.LimitPrice > limitPrice ||
			side == model.Sell && o.LimitPrice < limitPrice {
			break
		}
		if o.ExpiredAt(now) {
			due = append(due, o.ID)
			continue
		}
		out = append(out, *o)
	}
	if len(due) > 0 {
		if err := w.expire(due); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Apply installs order states that were committed by settlement. Terminal
// orders are removed from the side lists but kept for audit.
func (w *Writer) Apply(orders ...model.Order) error {
	for _, u := range orders {
		o, ok := w.p.orders[u.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, u.ID)
		}
		if o.Terminal() {
			return fmt.Errorf("%w: terminal order %s mutated", account.ErrInvariantViolation, u.ID)
		}
	}
	for _, u := range orders {
		w.replace(u)
	}
	return nil
}

// ExpireDue transitions every resting order past its expiry.
func (w *Writer) ExpireDue() (int, error) {
	now := w.book.clock.Now()
	var due []string
	for _, list := range [][]*model.Order{w.p.bids, w.p.asks} {
		for _, o := range list {
			if o.ExpiredAt(now) {
				due = append(due, o.ID)
			}
		}
	}
	if len(due) == 0 {
		return 0, nil
	}
	return len(due), w.expire(due)
}

// expire marks the given orders Expired and releases their reservations in
// a single commit. Orders that are no longer due are skipped.
func (w *Writer) expire(ids []string) error {
	now := w.book.clock.Now()
	var due []*model.Order
	for _, id := range ids {
		if o, ok := w.p.orders[id]; ok && o.ExpiredAt(now) {
			due = append(due, o)
		}
	}
	if len(due) == 0 {
		return nil
	}

	updated := make([]model.Order, 0, len(due))
	err := w.book.accounts.Update(w.ctx, func(tx *account.Tx) error {
		for _, o := range due {
			if err := tx.Release(o.ReservationID); err != nil {
				return fmt.Errorf("expire order %s: %w", o.ID, err)
			}
			u := *o
			u.Status = model.OrderExpired
			u.UpdatedAt = tx.Now()
			updated = append(updated, u)
		}
		tx.Changeset().Orders = append(tx.Changeset().Orders, updated...)
		return nil
	})
	if err != nil {
		return err
	}

	for _, u := range updated {
		w.replace(u)
		metrics.OrdersClosed.WithLabelValues(u.Status.String()).Inc()
		events.Emit(w.ctx, w.book.publisher, events.OrderExpired, u.ID, u, u.UpdatedAt)
	}
	return nil
}

func (w *Writer) replace(u model.Order) {
	o := w.p.orders[u.ID]
	*o = u
	if o.Terminal() {
		w.p.remove(o)
		w.p.gauge()
	}
}
