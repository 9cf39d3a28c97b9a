// Package governance holds the market's operator controls: the certificate
// authority allowlist, the emergency pause, maintenance mode and the limits
// applied when certificates are issued.
//
// Everything except the allowlist is one persisted record, written through
// the account store so it commits together with the certificate transitions
// it counts.
package governance

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/model"
)

var (
	ErrMarketPaused          = errors.New("governance: market is paused")
	ErrMaintenance           = errors.New("governance: certificate issuance under maintenance")
	ErrUnauthorizedAuthority = errors.New("governance: authority not on allowlist")
	ErrInvalidKey            = errors.New("governance: invalid authority key")
	ErrInvalidLimits         = errors.New("governance: invalid certificate limits")
)

// RoleChecker confirms that a participant holds a role.
type RoleChecker interface {
	RequireRole(id model.ParticipantID, role model.Role) error
}

// CertificateLimits bound which trades produce certificates.
type CertificateLimits struct {
	ValidationEnabled bool          `yaml:"validation_enabled" json:"validation_enabled"`
	MinEnergy         uint64        `yaml:"min_energy" json:"min_energy"`
	MaxEnergy         uint64        `yaml:"max_energy" json:"max_energy"`
	Validity          time.Duration `yaml:"validity" json:"validity"`
	// OffsetPPM is the carbon offset per unit of energy, in parts per million.
	OffsetPPM uint64 `yaml:"offset_ppm" json:"offset_ppm"`
}

// Stats is a point-in-time summary of the governance state.
type Stats struct {
	Paused      bool              `json:"paused"`
	Maintenance bool              `json:"maintenance"`
	Authorities int               `json:"authorities"`
	Limits      CertificateLimits `json:"limits"`
	Created     uint64            `json:"certificates_created"`
	Certified   uint64            `json:"certificates_certified"`
	Traded      uint64            `json:"certificates_traded"`
	Revoked     uint64            `json:"certificates_revoked"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Change is the payload of a governance.updated event.
type Change struct {
	Requester model.ParticipantID `json:"requester"`
	Setting   string              `json:"setting"`
	Stats     Stats               `json:"state"`
}

// Governance is safe for concurrent use.
type Governance struct {
	accounts  *account.Store
	roles     RoleChecker
	base      CertificateLimits
	publisher events.Publisher

	mu          sync.RWMutex
	authorities map[string]ed25519.PublicKey
	state       model.GovernanceState

	paused      atomic.Bool
	maintenance atomic.Bool
}

// New creates a governance module persisting through accounts. roles
// authorises operator actions; limits apply until an operator overrides
// them.
func New(accounts *account.Store, roles RoleChecker, limits CertificateLimits, publisher events.Publisher) *Governance {
	return &Governance{
		accounts:    accounts,
		roles:       roles,
		base:        limits,
		publisher:   publisher,
		authorities: make(map[string]ed25519.PublicKey),
	}
}

// Restore loads the persisted record. Without one, the certificate counters
// are rebuilt from certs; a certificate revoked after certification is then
// only counted as revoked.
func (g *Governance) Restore(state *model.GovernanceState, certs []model.Certificate) {
	var next model.GovernanceState
	if state != nil {
		next = *state
	} else {
		for _, c := range certs {
			next.Created++
			switch c.Status {
			case model.CertCertified:
				next.Certified++
			case model.CertTraded:
				next.Certified++
				next.Traded++
			case model.CertRevoked:
				next.Revoked++
			}
		}
	}
	g.apply(next)
}

// AddAuthority adds or replaces an allowlisted certificate authority.
func (g *Governance) AddAuthority(id string, key ed25519.PublicKey) error {
	if id == "" || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: authority %q", ErrInvalidKey, id)
	}
	g.mu.Lock()
	g.authorities[id] = key
	g.mu.Unlock()
	return nil
}

// ParseKey decodes a standard base64 Ed25519 public key.
func ParseKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// AuthorityKey returns the public key of an allowlisted authority.
func (g *Governance) AuthorityKey(id string) (ed25519.PublicKey, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	key, ok := g.authorities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnauthorizedAuthority, id)
	}
	return key, nil
}

// Limits returns the certificate limits in force.
func (g *Governance) Limits() CertificateLimits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits()
}

func (g *Governance) limits() CertificateLimits {
	l := g.base
	if g.state.LimitsOverridden {
		l.ValidationEnabled = g.state.ValidationEnabled
		l.MinEnergy = g.state.MinEnergy
		l.MaxEnergy = g.state.MaxEnergy
		l.Validity = g.state.Validity
	}
	return l
}

// SetPaused pauses or resumes trading. Only a grid operator may do this.
func (g *Governance) SetPaused(ctx context.Context, requester model.ParticipantID, paused bool) error {
	return g.update(ctx, requester, "paused", func(s *model.GovernanceState) error {
		s.Paused = paused
		return nil
	})
}

// SetMaintenance turns certificate maintenance mode on or off.
func (g *Governance) SetMaintenance(ctx context.Context, requester model.ParticipantID, on bool) error {
	return g.update(ctx, requester, "maintenance", func(s *model.GovernanceState) error {
		s.Maintenance = on
		return nil
	})
}

// SetValidation turns certificate issuance for settled trades on or off.
func (g *Governance) SetValidation(ctx context.Context, requester model.ParticipantID, enabled bool) error {
	return g.update(ctx, requester, "validation", func(s *model.GovernanceState) error {
		g.override(s)
		s.ValidationEnabled = enabled
		return nil
	})
}

// SetLimits replaces the certificate energy bounds and validity period.
// minEnergy must be positive and below maxEnergy.
func (g *Governance) SetLimits(ctx context.Context, requester model.ParticipantID, minEnergy, maxEnergy uint64, validity time.Duration) error {
	return g.update(ctx, requester, "limits", func(s *model.GovernanceState) error {
		switch {
		case minEnergy == 0:
			return fmt.Errorf("%w: minimum energy must be positive", ErrInvalidLimits)
		case maxEnergy <= minEnergy:
			return fmt.Errorf("%w: maximum energy %d not above minimum %d", ErrInvalidLimits, maxEnergy, minEnergy)
		case validity <= 0:
			return fmt.Errorf("%w: validity must be positive", ErrInvalidLimits)
		}
		g.override(s)
		s.MinEnergy = minEnergy
		s.MaxEnergy = maxEnergy
		s.Validity = validity
		return nil
	})
}

// override copies the configured limits into s the first time an operator
// changes any of them.
func (g *Governance) override(s *model.GovernanceState) {
	if s.LimitsOverridden {
		return
	}
	s.LimitsOverridden = true
	s.ValidationEnabled = g.base.ValidationEnabled
	s.MinEnergy = g.base.MinEnergy
	s.MaxEnergy = g.base.MaxEnergy
	s.Validity = g.base.Validity
}

func (g *Governance) update(ctx context.Context, requester model.ParticipantID, setting string, mutate func(*model.GovernanceState) error) error {
	if err := g.roles.RequireRole(requester, model.RoleGridOperator); err != nil {
		return err
	}
	err := g.accounts.Update(ctx, func(tx *account.Tx) error {
		return g.stage(tx, mutate)
	})
	if err != nil {
		return err
	}
	stats := g.Stats()
	events.Emit(ctx, g.publisher, events.GovernanceUpdated, string(requester),
		Change{Requester: requester, Setting: setting, Stats: stats}, stats.UpdatedAt)
	return nil
}

// Count stages a certificate entering status into tx. The counter is
// committed with the transition.
func (g *Governance) Count(tx *account.Tx, status model.CertificateStatus) {
	_ = g.stage(tx, func(s *model.GovernanceState) error {
		switch status {
		case model.CertPending:
			s.Created++
		case model.CertCertified:
			s.Certified++
		case model.CertTraded:
			s.Traded++
		case model.CertRevoked:
			s.Revoked++
		}
		return nil
	})
}

// stage builds the next record on top of whatever tx already staged. Every
// governance write runs inside an account transaction, so reading the
// current state here is ordered with every other write.
func (g *Governance) stage(tx *account.Tx, mutate func(*model.GovernanceState) error) error {
	cs := tx.Changeset()
	var next model.GovernanceState
	if cs.Governance != nil {
		next = *cs.Governance
	} else {
		g.mu.RLock()
		next = g.state
		g.mu.RUnlock()
	}
	if err := mutate(&next); err != nil {
		return err
	}
	next.UpdatedAt = tx.Now()
	cs.Governance = &next
	tx.OnApply(func() { g.apply(next) })
	return nil
}

func (g *Governance) apply(next model.GovernanceState) {
	g.mu.Lock()
	g.state = next
	g.paused.Store(next.Paused)
	g.maintenance.Store(next.Maintenance)
	g.mu.Unlock()
}

// CheckTrading returns ErrMarketPaused while the market is paused.
func (g *Governance) CheckTrading() error {
	if g.paused.Load() {
		return ErrMarketPaused
	}
	return nil
}

// CheckIssuance returns ErrMaintenance while maintenance mode is on.
func (g *Governance) CheckIssuance() error {
	if g.maintenance.Load() {
		return ErrMaintenance
	}
	return nil
}

// Stats returns the current governance summary.
func (g *Governance) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		Paused:      g.state.Paused,
		Maintenance: g.state.Maintenance,
		Authorities: len(g.authorities),
		Limits:      g.limits(),
		Created:     g.state.Created,
		Certified:   g.state.Certified,
		Traded:      g.state.Traded,
		Revoked:     g.state.Revoked,
		UpdatedAt:   g.state.UpdatedAt,
	}
}
