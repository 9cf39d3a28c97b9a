// Package certificate issues renewable energy certificates for settled trades
// and moves them through their lifecycle. Certificates are created Pending;
// only a signature from an allowlisted authority certifies or revokes them.
package certificate

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/governance"
	"github.com/gridtokenx/trading-engine/internal/metrics"
	"github.com/gridtokenx/trading-engine/internal/model"
)

var (
	ErrInvalidTransition = errors.New("certificate: invalid status transition")
	ErrInvalidSignature  = errors.New("certificate: invalid authority signature")
	ErrExpired           = errors.New("certificate: expired")
	ErrNotOwner          = errors.New("certificate: requester is not the owner")
)

// Signature actions.
const (
	ActionCertify = "certify"
	ActionRevoke  = "revoke"
)

// ppm is the denominator of CertificateLimits.OffsetPPM.
const ppm = 1_000_000

// SignatureClaims are the claims of an authority signature. The token's kid
// header names the signing authority.
type SignatureClaims struct {
	CertificateID string `json:"certificate_id"`
	Action        string `json:"action"`
	jwt.RegisteredClaims
}

// Decision is the outcome of evaluating a trade.
type Decision struct {
	Issue       bool
	Reason      string
	Certificate model.Certificate
}

// Validator evaluates trades and applies authority signatures.
type Validator struct {
	accounts  *account.Store
	gov       *governance.Governance
	publisher events.Publisher
	clock     model.Clock
}

// New creates a validator.
func New(accounts *account.Store, gov *governance.Governance, clock model.Clock, publisher events.Publisher) *Validator {
	return &Validator{accounts: accounts, gov: gov, clock: clock, publisher: publisher}
}

// Evaluate decides whether trade earns a certificate from the seller's
// meter. It has no side effects; the caller persists the certificate with
// the trade.
func (v *Validator) Evaluate(trade *model.Trade, meter model.Meter) Decision {
	limits := v.gov.Limits()
	switch {
	case !limits.ValidationEnabled:
		return Decision{Reason: "validation disabled"}
	case !meter.RECEligible:
		return Decision{Reason: "meter not REC eligible"}
	case !meter.Type.CanGenerate():
		return Decision{Reason: "meter cannot generate"}
	case !trade.EnergyType.Renewable():
		return Decision{Reason: "energy type not renewable"}
	case trade.Quantity < limits.MinEnergy:
		return Decision{Reason: "below minimum energy"}
	case limits.MaxEnergy > 0 && trade.Quantity > limits.MaxEnergy:
		return Decision{Reason: "above maximum energy"}
	}

	offset, err := model.MulDiv(trade.Quantity, limits.OffsetPPM, ppm)
	if err != nil {
		return Decision{Reason: "carbon offset overflows"}
	}
	c := model.Certificate{
		ID:           uuid.NewString(),
		MeterID:      meter.ID,
		TradeID:      trade.ID,
		Owner:        trade.Buyer,
		EnergyType:   trade.EnergyType,
		EnergyAmount: trade.Quantity,
		CarbonOffset: offset,
		Status:       model.CertPending,
		CreatedAt:    trade.Timestamp,
		UpdatedAt:    trade.Timestamp,
	}
	if limits.Validity > 0 {
		c.ExpiresAt = trade.Timestamp.Add(limits.Validity)
	}
	return Decision{Issue: true, Certificate: c}
}

// Stage puts a new certificate into tx and counts it.
func (v *Validator) Stage(tx *account.Tx, c model.Certificate) {
	tx.PutCertificate(c)
	v.gov.Count(tx, c.Status)
}

// Created announces a certificate committed by settlement.
func (v *Validator) Created(ctx context.Context, c model.Certificate) {
	metrics.Certificates.WithLabelValues(c.Status.String()).Inc()
	events.Emit(ctx, v.publisher, events.CertificateCreated, c.TradeID, c, c.CreatedAt)
}

// Verify checks an authority signature and returns its claims and the
// authority id.
func (v *Validator) Verify(token string) (*SignatureClaims, string, error) {
	claims := &SignatureClaims{}
	var authority string
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
	)
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := v.gov.AuthorityKey(kid)
		if err != nil {
			return nil, err
		}
		authority = kid
		return ed25519.PublicKey(key), nil
	})
	if err != nil {
		if errors.Is(err, governance.ErrUnauthorizedAuthority) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.CertificateID == "" {
		return nil, "", fmt.Errorf("%w: missing certificate_id", ErrInvalidSignature)
	}
	return claims, authority, nil
}

// ApplySignature certifies or revokes a certificate on the instruction of an
// allowlisted authority.
func (v *Validator) ApplySignature(ctx context.Context, token string) (model.Certificate, error) {
	if err := v.gov.CheckIssuance(); err != nil {
		return model.Certificate{}, err
	}
	claims, authority, err := v.Verify(token)
	if err != nil {
		return model.Certificate{}, err
	}

	var target model.CertificateStatus
	switch claims.Action {
	case ActionCertify:
		target = model.CertCertified
	case ActionRevoke:
		target = model.CertRevoked
	default:
		return model.Certificate{}, fmt.Errorf("%w: unknown action %q", ErrInvalidSignature, claims.Action)
	}

	return v.transition(ctx, claims.CertificateID, target, func(c *model.Certificate, tx *account.Tx) error {
		if target == model.CertCertified && !c.ExpiresAt.IsZero() && !tx.Now().Before(c.ExpiresAt) {
			return fmt.Errorf("%w: %s expired at %s", ErrExpired, c.ID, c.ExpiresAt)
		}
		c.AuthorityRef = authority
		return nil
	})
}

// MarkTraded records that the owner has traded a certified certificate.
func (v *Validator) MarkTraded(ctx context.Context, id string, requester model.ParticipantID) (model.Certificate, error) {
	return v.transition(ctx, id, model.CertTraded, func(c *model.Certificate, _ *account.Tx) error {
		if c.Owner != requester {
			return fmt.Errorf("%w: %s", ErrNotOwner, id)
		}
		return nil
	})
}

// Get returns a certificate by id.
func (v *Validator) Get(id string) (model.Certificate, error) {
	return v.accounts.Certificate(id)
}

func (v *Validator) transition(ctx context.Context, id string, target model.CertificateStatus, check func(*model.Certificate, *account.Tx) error) (model.Certificate, error) {
	var out model.Certificate
	err := v.accounts.Update(ctx, func(tx *account.Tx) error {
		c, err := tx.Certificate(id)
		if err != nil {
			return err
		}
		if !c.Status.CanTransition(target) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, c.Status, target)
		}
		if err := check(&c, tx); err != nil {
			return err
		}
		c.Status = target
		c.UpdatedAt = tx.Now()
		tx.PutCertificate(c)
		v.gov.Count(tx, target)
		out = c
		return nil
	})
	if err != nil {
		return model.Certificate{}, err
	}

	metrics.Certificates.WithLabelValues(out.Status.String()).Inc()
	events.Emit(ctx, v.publisher, events.CertificateStatusChanged, out.ID, out, out.UpdatedAt)
	return out, nil
}
