// Package registry tracks participants and their smart meters. Records are
// persisted through the account store's commit path so that registry changes
// share the same durability guarantees as balances.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/model"
	"github.com/gridtokenx/trading-engine/internal/store"
)

var (
	ErrParticipantExists   = errors.New("registry: participant already registered")
	ErrParticipantNotFound = errors.New("registry: participant not found")
	ErrParticipantInactive = errors.New("registry: participant not active")
	ErrMeterExists         = errors.New("registry: meter already registered")
	ErrMeterNotFound       = errors.New("registry: meter not found")
	ErrForbidden           = errors.New("registry: requester lacks the required role")
	ErrStaleReading        = errors.New("registry: reading older than last accepted")
	ErrInvalid             = errors.New("registry: invalid request")
)

// Reading is one verified meter reading.
type Reading struct {
	MeterID         string    `json:"meter_id"`
	EnergyGenerated uint64    `json:"energy_generated"`
	EnergyConsumed  uint64    `json:"energy_consumed"`
	Timestamp       time.Time `json:"timestamp"`
	RECEligible     bool      `json:"rec_eligible"`
}

// Registry holds participants and meters in memory.
type Registry struct {
	mu           sync.RWMutex
	accounts     *account.Store
	participants map[model.ParticipantID]model.Participant
	meters       map[string]model.Meter
}

// New creates an empty registry.
func New(accounts *account.Store) *Registry {
	return &Registry{
		accounts:     accounts,
		participants: make(map[model.ParticipantID]model.Participant),
		meters:       make(map[string]model.Meter),
	}
}

// Restore loads participants and meters from a snapshot.
func (r *Registry) Restore(snap *store.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range snap.Participants {
		r.participants[p.ID] = p
	}
	for _, m := range snap.Meters {
		r.meters[m.ID] = m
	}
}

// RegisterParticipant creates an Active participant.
func (r *Registry) RegisterParticipant(ctx context.Context, id model.ParticipantID, role model.Role) (model.Participant, error) {
	if id == "" {
		return model.Participant{}, fmt.Errorf("%w: empty participant id", ErrInvalid)
	}
	if _, err := role.MarshalText(); err != nil {
		return model.Participant{}, fmt.Errorf("%w: role", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[id]; ok {
		return model.Participant{}, fmt.Errorf("%w: %s", ErrParticipantExists, id)
	}
	var p model.Participant
	err := r.accounts.Update(ctx, func(tx *account.Tx) error {
		p = model.Participant{
			ID:           id,
			Role:         role,
			Status:       model.StatusActive,
			RegisteredAt: tx.Now(),
			UpdatedAt:    tx.Now(),
		}
		tx.Changeset().Participants = append(tx.Changeset().Participants, p)
		return nil
	})
	if err != nil {
		return model.Participant{}, err
	}
	r.participants[id] = p
	return p, nil
}

// SetParticipantStatus changes a participant's status. Only an active grid
// operator may do this.
func (r *Registry) SetParticipantStatus(ctx context.Context, requester, id model.ParticipantID, status model.ParticipantStatus) (model.Participant, error) {
	if _, err := status.MarshalText(); err != nil {
		return model.Participant{}, fmt.Errorf("%w: status", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRoleLocked(requester, model.RoleGridOperator); err != nil {
		return model.Participant{}, err
	}
	p, ok := r.participants[id]
	if !ok {
		return model.Participant{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	err := r.accounts.Update(ctx, func(tx *account.Tx) error {
		p.Status = status
		p.UpdatedAt = tx.Now()
		tx.Changeset().Participants = append(tx.Changeset().Participants, p)
		return nil
	})
	if err != nil {
		return model.Participant{}, err
	}
	r.participants[id] = p
	return p, nil
}

// Participant returns a participant by id.
func (r *Registry) Participant(id model.ParticipantID) (model.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return model.Participant{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	return p, nil
}

// RequireActive fails unless id is a registered Active participant.
func (r *Registry) RequireActive(id model.ParticipantID) error {
	p, err := r.Participant(id)
	if err != nil {
		return err
	}
	if !p.Active() {
		return fmt.Errorf("%w: %s is %s", ErrParticipantInactive, id, p.Status)
	}
	return nil
}

// RequireRole fails unless id is an Active participant with role.
func (r *Registry) RequireRole(id model.ParticipantID, role model.Role) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requireRoleLocked(id, role)
}

func (r *Registry) requireRoleLocked(id model.ParticipantID, role model.Role) error {
	p, ok := r.participants[id]
	if !ok || !p.Active() || p.Role != role {
		return fmt.Errorf("%w: %s is not an active %s", ErrForbidden, id, role)
	}
	return nil
}

// RegisterMeter registers a meter for an active owner.
func (r *Registry) RegisterMeter(ctx context.Context, id string, owner model.ParticipantID, typ model.MeterType, capacity uint64) (model.Meter, error) {
	if id == "" {
		return model.Meter{}, fmt.Errorf("%w: empty meter id", ErrInvalid)
	}
	if _, err := typ.MarshalText(); err != nil {
		return model.Meter{}, fmt.Errorf("%w: meter type", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.meters[id]; ok {
		return model.Meter{}, fmt.Errorf("%w: %s", ErrMeterExists, id)
	}
	p, ok := r.participants[owner]
	if !ok {
		return model.Meter{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, owner)
	}
	if !p.Active() {
		return model.Meter{}, fmt.Errorf("%w: %s", ErrParticipantInactive, owner)
	}

	var m model.Meter
	err := r.accounts.Update(ctx, func(tx *account.Tx) error {
		m = model.Meter{
			ID:           id,
			Owner:        owner,
			Type:         typ,
			Capacity:     capacity,
			RegisteredAt: tx.Now(),
		}
		tx.Changeset().Meters = append(tx.Changeset().Meters, m)
		return nil
	})
	if err != nil {
		return model.Meter{}, err
	}
	r.meters[id] = m
	return m, nil
}

// Meter returns a meter by id.
func (r *Registry) Meter(id string) (model.Meter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meters[id]
	if !ok {
		return model.Meter{}, fmt.Errorf("%w: %s", ErrMeterNotFound, id)
	}
	return m, nil
}

// IngestReading adds a reading to the meter's cumulative counters and records
// its REC eligibility. Readings must arrive in timestamp order.
func (r *Registry) IngestReading(ctx context.Context, rd Reading) (model.Meter, error) {
	if rd.Timestamp.IsZero() {
		return model.Meter{}, fmt.Errorf("%w: reading without timestamp", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.meters[rd.MeterID]
	if !ok {
		return model.Meter{}, fmt.Errorf("%w: %s", ErrMeterNotFound, rd.MeterID)
	}
	if !rd.Timestamp.After(m.LastReadingAt) {
		return model.Meter{}, fmt.Errorf("%w: %s at %s, last %s",
			ErrStaleReading, m.ID, rd.Timestamp.Format(time.RFC3339), m.LastReadingAt.Format(time.RFC3339))
	}
	generated, err := model.Add(m.TotalGenerated, rd.EnergyGenerated)
	if err != nil {
		return model.Meter{}, fmt.Errorf("%w: generation counter", ErrInvalid)
	}
	consumed, err := model.Add(m.TotalConsumed, rd.EnergyConsumed)
	if err != nil {
		return model.Meter{}, fmt.Errorf("%w: consumption counter", ErrInvalid)
	}
	m.TotalGenerated = generated
	m.TotalConsumed = consumed
	m.RECEligible = rd.RECEligible
	m.LastReadingAt = rd.Timestamp.UTC()

	err = r.accounts.Update(ctx, func(tx *account.Tx) error {
		tx.Changeset().Meters = append(tx.Changeset().Meters, m)
		return nil
	})
	if err != nil {
		return model.Meter{}, err
	}
	r.meters[m.ID] = m
	return m, nil
}
