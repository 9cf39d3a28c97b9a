package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gridtokenx/trading-engine/internal/model"
)

type balanceKey struct {
	p    model.ParticipantID
	kind model.TokenKind
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[model.ParticipantID]model.Participant
	meters       map[string]model.Meter
	balances     map[balanceKey]model.Balance
	reservations map[string]model.Reservation
	orders       map[string]model.Order
	certificates map[string]model.Certificate
	trades       map[string]model.Trade
	tradeLog     []string
	governance   *model.GovernanceState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[model.ParticipantID]model.Participant),
		meters:       make(map[string]model.Meter),
		balances:     make(map[balanceKey]model.Balance),
		reservations: make(map[string]model.Reservation),
		orders:       make(map[string]model.Order),
		certificates: make(map[string]model.Certificate),
		trades:       make(map[string]model.Trade),
	}
}

func (s *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate before mutating anything so a rejected commit leaves no trace.
	for _, t := range cs.Trades {
		if _, ok := s.trades[t.ID]; ok {
			return fmt.Errorf("store: trade %s already exists", t.ID)
		}
	}

	for _, p := range cs.Participants {
		s.participants[p.ID] = p
	}
	for _, m := range cs.Meters {
		s.meters[m.ID] = m
	}
	for _, b := range cs.Balances {
		s.balances[balanceKey{b.Participant, b.Kind}] = b
	}
	for _, r := range cs.Reservations {
		s.reservations[r.ID] = r
	}
	for _, id := range cs.DeletedReservations {
		delete(s.reservations, id)
	}
	for _, o := range cs.Orders {
		s.orders[o.ID] = o
	}
	for _, c := range cs.Certificates {
		s.certificates[c.ID] = c
	}
	for _, t := range cs.Trades {
		s.trades[t.ID] = t
		s.tradeLog = append(s.tradeLog, t.ID)
	}
	if cs.Governance != nil {
		g := *cs.Governance
		s.governance = &g
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{}
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, p)
	}
	for _, m := range s.meters {
		snap.Meters = append(snap.Meters, m)
	}
	for _, b := range s.balances {
		snap.Balances = append(snap.Balances, b)
	}
	for _, r := range s.reservations {
		snap.Reservations = append(snap.Reservations, r)
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, o)
	}
	for _, c := range s.certificates {
		snap.Certificates = append(snap.Certificates, c)
	}
	if s.governance != nil {
		g := *s.governance
		snap.Governance = &g
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].Seq < snap.Orders[j].Seq })
	return snap, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) TradesByParticipant(_ context.Context, p model.ParticipantID) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, id := range s.tradeLog {
		t := s.trades[id]
		if involves(&t, p) {
			result = append(result, t)
		}
	}
	return result, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
