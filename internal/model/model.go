// Package model defines the core domain types shared across the trading engine.
// All energy and money amounts are unsigned integers in base units, never
// float64. Entities reference each other by id, not by pointer.
package model

import "time"

// ParticipantID is the participant's public-key identity.
type ParticipantID string

// Participant is a registered market participant. Participants are never
// deleted; deactivation is a status change made by a grid operator.
type Participant struct {
	ID           ParticipantID     `json:"id"`
	Role         Role              `json:"role"`
	Status       ParticipantStatus `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Active reports whether the participant may trade.
func (p *Participant) Active() bool { return p.Status == StatusActive }

// Meter is a smart meter owned by a participant.
type Meter struct {
	ID             string        `json:"id"`
	Owner          ParticipantID `json:"owner"`
	Type           MeterType     `json:"type"`
	Capacity       uint64        `json:"capacity"`
	TotalGenerated uint64        `json:"total_generated"`
	TotalConsumed  uint64        `json:"total_consumed"`
	RECEligible    bool          `json:"rec_eligible"`
	LastReadingAt  time.Time     `json:"last_reading_at"`
	RegisteredAt   time.Time     `json:"registered_at"`
}

// Order is a limit order for energy. Quantity and FilledQuantity are energy
// base units; LimitPrice is currency base units per energy base unit.
type Order struct {
	ID             string        `json:"id"`
	Owner          ParticipantID `json:"owner"`
	Side           Side          `json:"side"`
	EnergyType     EnergyType    `json:"energy_type"`
	MeterID        string        `json:"meter_id,omitempty"`
	Quantity       uint64        `json:"quantity"`
	LimitPrice     uint64        `json:"limit_price"`
	FilledQuantity uint64        `json:"filled_quantity"`
	Status         OrderStatus   `json:"status"`
	ReservationID  string        `json:"reservation_id"`
	Seq            uint64        `json:"seq"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() uint64 { return o.Quantity - o.FilledQuantity }

// Terminal reports whether the order can no longer change.
func (o *Order) Terminal() bool { return o.Status.Terminal() }

// ExpiredAt reports whether a non-terminal order is past its expiry at now.
func (o *Order) ExpiredAt(now time.Time) bool {
	return !o.Terminal() && !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Before reports whether o arrived before other (time priority). Seq breaks
// ties between equal timestamps.
func (o *Order) Before(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Seq < other.Seq
}

// Trade is an append-only settlement record. Fee is charged to each side.
type Trade struct {
	ID            string        `json:"id"`
	BuyOrderID    string        `json:"buy_order_id"`
	SellOrderID   string        `json:"sell_order_id"`
	Buyer         ParticipantID `json:"buyer"`
	Seller        ParticipantID `json:"seller"`
	EnergyType    EnergyType    `json:"energy_type"`
	Quantity      uint64        `json:"quantity"`
	ClearingPrice uint64        `json:"clearing_price"`
	Fee           uint64        `json:"fee"`
	CertificateID string        `json:"certificate_id,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Notional is the currency value of the trade before fees.
func (t *Trade) Notional() (uint64, error) { return Mul(t.Quantity, t.ClearingPrice) }

// Balance is a participant's holding of one token kind. Held is the sum of
// open reservations; Available is free to spend or reserve.
type Balance struct {
	Participant ParticipantID `json:"participant"`
	Kind        TokenKind     `json:"kind"`
	Available   uint64        `json:"available"`
	Held        uint64        `json:"held"`
}

// Total returns available plus held.
func (b Balance) Total() uint64 { return b.Available + b.Held }

// Reservation is a hold on part of a balance placed for an open order.
type Reservation struct {
	ID          string        `json:"id"`
	Participant ParticipantID `json:"participant"`
	Kind        TokenKind     `json:"kind"`
	Amount      uint64        `json:"amount"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Certificate is a renewable energy certificate (REC).
type Certificate struct {
	ID           string            `json:"id"`
	MeterID      string            `json:"meter_id"`
	TradeID      string            `json:"trade_id"`
	Owner        ParticipantID     `json:"owner"`
	EnergyType   EnergyType        `json:"energy_type"`
	EnergyAmount uint64            `json:"energy_amount"`
	CarbonOffset uint64            `json:"carbon_offset"`
	Status       CertificateStatus `json:"status"`
	AuthorityRef string            `json:"authority_ref,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// GovernanceState is the persisted market governance record. There is one
// per market. The certificate limits in it apply only once LimitsOverridden
// is set; before that the configured limits are in force.
type GovernanceState struct {
	Paused            bool          `json:"paused"`
	Maintenance       bool          `json:"maintenance"`
	LimitsOverridden  bool          `json:"limits_overridden"`
	ValidationEnabled bool          `json:"validation_enabled"`
	MinEnergy         uint64        `json:"min_energy"`
	MaxEnergy         uint64        `json:"max_energy"`
	Validity          time.Duration `json:"validity"`
	Created           uint64        `json:"certificates_created"`
	Certified         uint64        `json:"certificates_certified"`
	Traded            uint64        `json:"certificates_traded"`
	Revoked           uint64        `json:"certificates_revoked"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Clock supplies the current time. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
