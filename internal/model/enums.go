package model

import (
	"errors"
	"fmt"
)

// ErrUnknownValue is returned when parsing an unrecognised enum name.
var ErrUnknownValue = errors.New("model: unknown value")

// Role is a participant role.
type Role uint8

const (
	RoleProsumer Role = iota + 1
	RoleConsumer
	RoleGridOperator
)

var roleNames = map[Role]string{
	RoleProsumer:     "Prosumer",
	RoleConsumer:     "Consumer",
	RoleGridOperator: "GridOperator",
}

func (r Role) String() string { return enumString(roleNames, r) }

func (r Role) MarshalText() ([]byte, error) { return enumMarshal(roleNames, r) }

func (r *Role) UnmarshalText(b []byte) error { return enumUnmarshal(roleNames, r, b) }

// ParticipantStatus is the lifecycle status of a participant.
type ParticipantStatus uint8

const (
	StatusActive ParticipantStatus = iota + 1
	StatusInactive
	StatusSuspended
)

var participantStatusNames = map[ParticipantStatus]string{
	StatusActive:    "Active",
	StatusInactive:  "Inactive",
	StatusSuspended: "Suspended",
}

func (s ParticipantStatus) String() string { return enumString(participantStatusNames, s) }

func (s ParticipantStatus) MarshalText() ([]byte, error) {
	return enumMarshal(participantStatusNames, s)
}

func (s *ParticipantStatus) UnmarshalText(b []byte) error {
	return enumUnmarshal(participantStatusNames, s, b)
}

// MeterType is the kind of installation a meter measures.
type MeterType uint8

const (
	MeterSolarProsumer MeterType = iota + 1
	MeterGridConsumer
	MeterHybridProsumer
	MeterBatteryStorage
)

var meterTypeNames = map[MeterType]string{
	MeterSolarProsumer:  "SolarProsumer",
	MeterGridConsumer:   "GridConsumer",
	MeterHybridProsumer: "HybridProsumer",
	MeterBatteryStorage: "BatteryStorage",
}

func (m MeterType) String() string { return enumString(meterTypeNames, m) }

func (m MeterType) MarshalText() ([]byte, error) { return enumMarshal(meterTypeNames, m) }

func (m *MeterType) UnmarshalText(b []byte) error { return enumUnmarshal(meterTypeNames, m, b) }

// CanGenerate reports whether the meter can back a sell order.
func (m MeterType) CanGenerate() bool {
	switch m {
	case MeterSolarProsumer, MeterHybridProsumer, MeterBatteryStorage:
		return true
	case MeterGridConsumer:
		return false
	}
	return false
}

// Side is the order side.
type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

var sideNames = map[Side]string{
	Buy:  "Buy",
	Sell: "Sell",
}

func (s Side) String() string { return enumString(sideNames, s) }

func (s Side) MarshalText() ([]byte, error) { return enumMarshal(sideNames, s) }

func (s *Side) UnmarshalText(b []byte) error { return enumUnmarshal(sideNames, s, b) }

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool {
	_, ok := sideNames[s]
	return ok
}

// EnergyType tags the source of traded energy. Each type is its own book.
type EnergyType uint8

const (
	EnergySolar EnergyType = iota + 1
	EnergyWind
	EnergyHydro
	EnergyBattery
	EnergyGrid
)

var energyTypeNames = map[EnergyType]string{
	EnergySolar:   "Solar",
	EnergyWind:    "Wind",
	EnergyHydro:   "Hydro",
	EnergyBattery: "Battery",
	EnergyGrid:    "Grid",
}

// EnergyTypes lists every energy type in a fixed order.
var EnergyTypes = []EnergyType{EnergySolar, EnergyWind, EnergyHydro, EnergyBattery, EnergyGrid}

func (e EnergyType) String() string { return enumString(energyTypeNames, e) }

func (e EnergyType) MarshalText() ([]byte, error) { return enumMarshal(energyTypeNames, e) }

func (e *EnergyType) UnmarshalText(b []byte) error { return enumUnmarshal(energyTypeNames, e, b) }

// Valid reports whether e is a known energy type.
func (e EnergyType) Valid() bool {
	_, ok := energyTypeNames[e]
	return ok
}

// Renewable reports whether energy of this type can back a certificate.
func (e EnergyType) Renewable() bool {
	switch e {
	case EnergySolar, EnergyWind, EnergyHydro:
		return true
	case EnergyBattery, EnergyGrid:
		return false
	}
	return false
}

// OrderStatus is the order lifecycle state.
type OrderStatus uint8

const (
	OrderOpen OrderStatus = iota + 1
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
	OrderExpired
)

var orderStatusNames = map[OrderStatus]string{
	OrderOpen:            "Open",
	OrderPartiallyFilled: "PartiallyFilled",
	OrderFilled:          "Filled",
	OrderCancelled:       "Cancelled",
	OrderExpired:         "Expired",
}

func (s OrderStatus) String() string { return enumString(orderStatusNames, s) }

func (s OrderStatus) MarshalText() ([]byte, error) { return enumMarshal(orderStatusNames, s) }

func (s *OrderStatus) UnmarshalText(b []byte) error { return enumUnmarshal(orderStatusNames, s, b) }

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired:
		return true
	case OrderOpen, OrderPartiallyFilled:
		return false
	}
	return false
}

// TokenKind distinguishes the two balances a participant holds.
type TokenKind uint8

const (
	TokenEnergy TokenKind = iota + 1
	TokenCurrency
)

var tokenKindNames = map[TokenKind]string{
	TokenEnergy:   "Energy",
	TokenCurrency: "Currency",
}

// TokenKinds lists every token kind.
var TokenKinds = []TokenKind{TokenEnergy, TokenCurrency}

func (k TokenKind) String() string { return enumString(tokenKindNames, k) }

func (k TokenKind) MarshalText() ([]byte, error) { return enumMarshal(tokenKindNames, k) }

func (k *TokenKind) UnmarshalText(b []byte) error { return enumUnmarshal(tokenKindNames, k, b) }

// CertificateStatus is the REC lifecycle state.
type CertificateStatus uint8

const (
	CertPending CertificateStatus = iota + 1
	CertCertified
	CertTraded
	CertRevoked
)

var certificateStatusNames = map[CertificateStatus]string{
	CertPending:   "Pending",
	CertCertified: "Certified",
	CertTraded:    "Traded",
	CertRevoked:   "Revoked",
}

func (s CertificateStatus) String() string { return enumString(certificateStatusNames, s) }

func (s CertificateStatus) MarshalText() ([]byte, error) {
	return enumMarshal(certificateStatusNames, s)
}

func (s *CertificateStatus) UnmarshalText(b []byte) error {
	return enumUnmarshal(certificateStatusNames, s, b)
}

// CanTransition reports whether a certificate may move from s to next.
// Transitions only move forward, with Certified→Revoked the one exception
// to the Certified→Traded path.
func (s CertificateStatus) CanTransition(next CertificateStatus) bool {
	switch s {
	case CertPending:
		return next == CertCertified || next == CertRevoked
	case CertCertified:
		return next == CertTraded || next == CertRevoked
	case CertTraded, CertRevoked:
		return false
	}
	return false
}

func enumString[T ~uint8](names map[T]string, v T) string {
	if name, ok := names[v]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(v))
}

func enumMarshal[T ~uint8](names map[T]string, v T) ([]byte, error) {
	name, ok := names[v]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownValue, uint8(v))
	}
	return []byte(name), nil
}

func enumUnmarshal[T ~uint8](names map[T]string, dst *T, b []byte) error {
	for v, name := range names {
		if name == string(b) {
			*dst = v
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownValue, string(b))
}
