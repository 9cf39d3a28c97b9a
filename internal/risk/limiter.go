// Package risk enforces open-order limits per participant.
//
// Limits are checked against a participant's resting (unfilled) quantity
// broken down by energy type. A zero limit disables that check.
package risk

import (
	"errors"

	"github.com/gridtokenx/trading-engine/internal/model"
)

var (
	// ErrOrderLimitExceeded is returned when a single order is larger than
	// the per-order maximum.
	ErrOrderLimitExceeded = errors.New("risk: order quantity limit exceeded")

	// ErrTypeLimitExceeded is returned when an order would push the
	// participant's open quantity in one energy type beyond the maximum.
	ErrTypeLimitExceeded = errors.New("risk: per-energy-type open quantity limit exceeded")

	// ErrOpenLimitExceeded is returned when an order would push the
	// participant's aggregate open quantity across all energy types beyond
	// the maximum.
	ErrOpenLimitExceeded = errors.New("risk: open quantity limit exceeded")
)

// Limiter enforces order-size and open-quantity limits.
type Limiter struct {
	// MaxOrderQuantity caps the quantity of a single order.
	MaxOrderQuantity uint64

	// MaxOpenPerType caps a participant's resting quantity in one energy
	// type.
	MaxOpenPerType uint64

	// MaxOpenQuantity caps a participant's resting quantity summed over all
	// energy types.
	MaxOpenQuantity uint64
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxOrder, maxPerType, maxOpen uint64) *Limiter {
	return &Limiter{
		MaxOrderQuantity: maxOrder,
		MaxOpenPerType:   maxPerType,
		MaxOpenQuantity:  maxOpen,
	}
}

// CheckLimit validates whether a new order of quantity in energy type et
// respects the limits, given the participant's existing open quantity per
// energy type.
func (l *Limiter) CheckLimit(
	et model.EnergyType,
	quantity uint64,
	open map[model.EnergyType]uint64,
) error {
	// 1. Single order size.
	if l.MaxOrderQuantity > 0 && quantity > l.MaxOrderQuantity {
		return ErrOrderLimitExceeded
	}

	// 2. Open quantity in the same energy type.
	inType, err := model.Add(open[et], quantity)
	if err != nil || (l.MaxOpenPerType > 0 && inType > l.MaxOpenPerType) {
		return ErrTypeLimitExceeded
	}

	// 3. Aggregate across energy types.
	total := inType
	for t, q := range open {
		if t == et {
			continue // already counted in inType
		}
		if total, err = model.Add(total, q); err != nil {
			return ErrOpenLimitExceeded
		}
	}
	if l.MaxOpenQuantity > 0 && total > l.MaxOpenQuantity {
		return ErrOpenLimitExceeded
	}

	return nil
}
