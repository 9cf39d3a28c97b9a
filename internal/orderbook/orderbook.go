// Package orderbook holds resting limit orders, one partition per energy type.
//
// Each partition keeps every order it has ever accepted in an arena keyed by
// id (terminal orders are retained for audit) plus two id-ordered side lists
// sorted by price then time priority. Readers share a partition; writers take
// it exclusively through Exec, which is also how the engine serialises a
// whole submit-match-settle sequence against cancellation and expiry.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/metrics"
	"github.com/gridtokenx/trading-engine/internal/model"
)

var (
	ErrInvalidOrder    = errors.New("orderbook: invalid order")
	ErrNotOwner        = errors.New("orderbook: requester does not own the order")
	ErrAlreadyTerminal = errors.New("orderbook: order already terminal")
	ErrOrderNotFound   = errors.New("orderbook: order not found")
)

// InvalidOrderError carries the reason an order was rejected. It matches
// ErrInvalidOrder with errors.Is, and also any underlying cause.
type InvalidOrderError struct {
	Reason string
	Err    error
}

func (e *InvalidOrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orderbook: invalid order: %s: %v", e.Reason, e.Err)
	}
	return "orderbook: invalid order: " + e.Reason
}

func (e *InvalidOrderError) Is(target error) bool { return target == ErrInvalidOrder }

func (e *InvalidOrderError) Unwrap() error { return e.Err }

// Invalid returns an InvalidOrderError with a formatted reason.
func Invalid(format string, args ...any) error {
	return &InvalidOrderError{Reason: fmt.Sprintf(format, args...)}
}

// Config holds book parameters.
type Config struct {
	// FeeBps is the fee rate used to size buy-side reservations.
	FeeBps uint64
	// DefaultTTL applies when an order is submitted without an expiry.
	DefaultTTL time.Duration
}

// Request is an order submission before validation. Clients send the expiry
// as unix seconds; the HTTP layer converts it to ExpiresAt. A zero ExpiresAt
// applies the default time-to-live.
type Request struct {
	Owner      model.ParticipantID
	Side       model.Side
	EnergyType model.EnergyType
	MeterID    string
	Quantity   uint64
	LimitPrice uint64
	ExpiresAt  time.Time
}

// Book is the order book.
type Book struct {
	cfg        Config
	accounts   *account.Store
	clock      model.Clock
	publisher  events.Publisher
	seq        atomic.Uint64
	partitions map[model.EnergyType]*partition
}

type partition struct {
	energyType model.EnergyType
	mu         sync.RWMutex
	orders     map[string]*model.Order
	bids       []*model.Order // best (highest) first
	asks       []*model.Order // best (lowest) first
}

// New creates an empty book with one partition per energy type.
func New(cfg Config, accounts *account.Store, clock model.Clock, publisher events.Publisher) *Book {
	b := &Book{
		cfg:        cfg,
		accounts:   accounts,
		clock:      clock,
		publisher:  publisher,
		partitions: make(map[model.EnergyType]*partition, len(model.EnergyTypes)),
	}
	for _, et := range model.EnergyTypes {
		b.partitions[et] = &partition{energyType: et, orders: make(map[string]*model.Order)}
	}
	return b
}

func (b *Book) partition(et model.EnergyType) (*partition, error) {
	p, ok := b.partitions[et]
	if !ok {
		return nil, Invalid("unknown energy type %d", et)
	}
	return p, nil
}

// BuyHold is the currency reserved to buy quantity at limitPrice: the
// notional plus the fee on it.
func BuyHold(quantity, limitPrice, feeBps uint64) (uint64, error) {
	notional, err := model.Mul(quantity, limitPrice)
	if err != nil {
		return 0, err
	}
	return model.Add(notional, model.Fee(notional, feeBps))
}

// FeeBps returns the fee rate buy reservations are sized with.
func (b *Book) FeeBps() uint64 { return b.cfg.FeeBps }

func (b *Book) reservation(o *model.Order) (model.TokenKind, uint64, error) {
	if o.Side == model.Sell {
		return model.TokenEnergy, o.Quantity, nil
	}
	hold, err := BuyHold(o.Quantity, o.LimitPrice, b.cfg.FeeBps)
	return model.TokenCurrency, hold, err
}

// Prepare validates a request and builds the order it describes. The order
// is not yet in the book and holds no reservation.
func (b *Book) Prepare(req Request) (*model.Order, error) {
	now := b.clock.Now()
	switch {
	case req.Owner == "":
		return nil, Invalid("owner is required")
	case !req.Side.Valid():
		return nil, Invalid("unknown side")
	case !req.EnergyType.Valid():
		return nil, Invalid("unknown energy type")
	case req.Quantity == 0:
		return nil, Invalid("quantity must be positive")
	case req.LimitPrice == 0:
		return nil, Invalid("limit price must be positive")
	}

	expires := req.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(b.cfg.DefaultTTL)
	}
	if !expires.After(now) {
		return nil, Invalid("expiry %s is not in the future", expires.Format(time.RFC3339))
	}

	o := &model.Order{
		ID:         uuid.NewString(),
		Owner:      req.Owner,
		Side:       req.Side,
		EnergyType: req.EnergyType,
		MeterID:    req.MeterID,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		Status:     model.OrderOpen,
		CreatedAt:  now,
		ExpiresAt:  expires.UTC(),
		UpdatedAt:  now,
	}
	if _, _, err := b.reservation(o); err != nil {
		return nil, Invalid("order value overflows")
	}
	return o, nil
}

// Exec runs fn with exclusive access to the energy type's partition.
func (b *Book) Exec(ctx context.Context, et model.EnergyType, fn func(w *Writer) error) error {
	p, err := b.partition(et)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(&Writer{ctx: ctx, book: b, p: p})
}

// Submit places a prepared order in the book, reserving the balance it needs.
func (b *Book) Submit(ctx context.Context, o *model.Order) error {
	return b.Exec(ctx, o.EnergyType, func(w *Writer) error { return w.Submit(o) })
}

// Cancel cancels an order on behalf of requester. Grid operators pass
// override to cancel orders they do not own.
func (b *Book) Cancel(ctx context.Context, id string, requester model.ParticipantID, override bool) (model.Order, error) {
	et, err := b.locate(id)
	if err != nil {
		return model.Order{}, err
	}
	var out model.Order
	err = b.Exec(ctx, et, func(w *Writer) error {
		out, err = w.Cancel(id, requester, override)
		return err
	})
	return out, err
}

func (b *Book) locate(id string) (model.EnergyType, error) {
	for _, et := range model.EnergyTypes {
		p := b.partitions[et]
		p.mu.RLock()
		_, ok := p.orders[id]
		p.mu.RUnlock()
		if ok {
			return et, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
}

// read runs fn under the shared lock. fn returns the ids of expired orders it
// had to skip; those are transitioned under the exclusive lock and fn runs
// again until it sees none.
func (b *Book) read(ctx context.Context, p *partition, fn func(now time.Time) []string) error {
	for {
		now := b.clock.Now()
		p.mu.RLock()
		due := fn(now)
		p.mu.RUnlock()
		if len(due) == 0 {
			return nil
		}

		p.mu.Lock()
		err := (&Writer{ctx: ctx, book: b, p: p}).expire(due)
		p.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// Get returns an order by id.
func (b *Book) Get(ctx context.Context, id string) (model.Order, error) {
	et, err := b.locate(id)
	if err != nil {
		return model.Order{}, err
	}
	var out model.Order
	err = b.read(ctx, b.partitions[et], func(now time.Time) []string {
		o := b.partitions[et].orders[id]
		if o.ExpiredAt(now) {
			return []string{id}
		}
		out = *o
		return nil
	})
	return out, err
}

// Orders returns up to limit resting orders on one side of the book in
// priority order. A limit of zero returns every resting order.
func (b *Book) Orders(ctx context.Context, et model.EnergyType, side model.Side, limit int) ([]model.Order, error) {
	p, err := b.partition(et)
	if err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, Invalid("unknown side")
	}
	var out []model.Order
	err = b.read(ctx, p, func(now time.Time) []string {
		var due []string
		out, due = p.best(side, limit, now)
		return due
	})
	return out, err
}

// BestCounterOrders returns up to limit resting orders that an incoming order
// on side would trade against, best price first then earliest first.
func (b *Book) BestCounterOrders(ctx context.Context, side model.Side, et model.EnergyType, limit int) ([]model.Order, error) {
	return b.Orders(ctx, et, side.Opposite(), limit)
}

// OpenQuantity returns owner's unfilled resting quantity per energy type.
// It must not be called while a partition is held by Exec.
func (b *Book) OpenQuantity(owner model.ParticipantID) map[model.EnergyType]uint64 {
	now := b.clock.Now()
	out := make(map[model.EnergyType]uint64)
	for _, et := range model.EnergyTypes {
		p := b.partitions[et]
		p.mu.RLock()
		if q := p.openQuantity(owner, now); q > 0 {
			out[et] = q
		}
		p.mu.RUnlock()
	}
	return out
}

func (p *partition) openQuantity(owner model.ParticipantID, now time.Time) uint64 {
	var total uint64
	for _, list := range [][]*model.Order{p.bids, p.asks} {
		for _, o := range list {
			if o.Owner == owner && !o.ExpiredAt(now) {
				total += o.Remaining()
			}
		}
	}
	return total
}

// Restore rebuilds the book from persisted orders.
func (b *Book) Restore(orders []model.Order) {
	sorted := append([]model.Order(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	var maxSeq uint64
	for i := range sorted {
		o := sorted[i]
		p, ok := b.partitions[o.EnergyType]
		if !ok {
			continue
		}
		p.mu.Lock()
		if o.Terminal() {
			p.orders[o.ID] = &o
		} else {
			p.insert(&o)
		}
		p.mu.Unlock()
		if o.Seq > maxSeq {
			maxSeq = o.Seq
		}
	}
	if maxSeq > b.seq.Load() {
		b.seq.Store(maxSeq)
	}
	for _, p := range b.partitions {
		p.mu.RLock()
		p.gauge()
		p.mu.RUnlock()
	}
}

// better reports whether a has priority over b on side: better price first,
// then earlier arrival.
func better(side model.Side, a, b *model.Order) bool {
	if a.LimitPrice != b.LimitPrice {
		if side == model.Buy {
			return a.LimitPrice > b.LimitPrice
		}
		return a.LimitPrice < b.LimitPrice
	}
	return a.Before(b)
}

func (p *partition) side(s model.Side) *[]*model.Order {
	if s == model.Buy {
		return &p.bids
	}
	return &p.asks
}

func (p *partition) insert(o *model.Order) {
	p.orders[o.ID] = o
	list := p.side(o.Side)
	i := sort.Search(len(*list), func(i int) bool { return better(o.Side, o, (*list)[i]) })
	*list = append(*list, nil)
	copy((*list)[i+1:], (*list)[i:])
	(*list)[i] = o
}

func (p *partition) remove(o *model.Order) {
	list := p.side(o.Side)
	i := sort.Search(len(*list), func(i int) bool { return !better(o.Side, (*list)[i], o) })
	if i < len(*list) && (*list)[i] == o {
		*list = append((*list)[:i], (*list)[i+1:]...)
	}
}

// best collects up to limit live orders from one side and the ids of expired
// orders passed on the way.
func (p *partition) best(side model.Side, limit int, now time.Time) ([]model.Order, []string) {
	var (
		out []model.Order
		due []string
	)
	for _, o := range *p.side(side) {
		if limit > 0 && len(out) == limit {
			break
		}
		if o.ExpiredAt(now) {
			due = append(due, o.ID)
			continue
		}
		out = append(out, *o)
	}
	return out, due
}

func (p *partition) gauge() {
	et := p.energyType.String()
	metrics.OpenOrders.WithLabelValues(et, model.Buy.String()).Set(float64(len(p.bids)))
	metrics.OpenOrders.WithLabelValues(et, model.Sell.String()).Set(float64(len(p.asks)))
}
