// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Pebble (embedded
// journal), Redis (read-through cache over another store) and in-memory
// (for testing).
package store

import (
	"context"
	"errors"

	"github.com/gridtokenx/trading-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Every state change the engine makes is
// written through Commit as a single Changeset: either all of it is durable or
// none of it is.
type Store interface {
	// Commit durably applies every record in cs as one unit.
	Commit(ctx context.Context, cs *Changeset) error

	// Load returns the full mutable state for recovery on start.
	Load(ctx context.Context) (*Snapshot, error)

	// GetTrade retrieves a settled trade by id.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// TradesByParticipant returns the trades where p was buyer or seller,
	// oldest first.
	TradesByParticipant(ctx context.Context, p model.ParticipantID) ([]model.Trade, error)

	Close() error
}

// Changeset is the unit of a single durable commit. Records are full
// replacements keyed by id; trades are append-only.
type Changeset struct {
	Participants        []model.Participant
	Meters              []model.Meter
	Balances            []model.Balance
	Reservations        []model.Reservation
	DeletedReservations []string
	Orders              []model.Order
	Trades              []model.Trade
	Certificates        []model.Certificate
	Governance          *model.GovernanceState
}

// Empty reports whether cs carries no records.
func (cs *Changeset) Empty() bool {
	return len(cs.Participants) == 0 && len(cs.Meters) == 0 &&
		len(cs.Balances) == 0 && len(cs.Reservations) == 0 &&
		len(cs.DeletedReservations) == 0 && len(cs.Orders) == 0 &&
		len(cs.Trades) == 0 && len(cs.Certificates) == 0 &&
		cs.Governance == nil
}

// Snapshot is the recoverable state. Trades are not included: they are
// append-only history served from the store directly.
type Snapshot struct {
	Participants []model.Participant
	Meters       []model.Meter
	Balances     []model.Balance
	Reservations []model.Reservation
	Orders       []model.Order
	Certificates []model.Certificate
	// Governance is nil until the first governance record is committed.
	Governance *model.GovernanceState
}

func involves(t *model.Trade, p model.ParticipantID) bool {
	return t.Buyer == p || t.Seller == p
}
