// Package account holds energy and currency balances, reservations (holds)
// and certificate records. Every mutation runs inside Update, which stages
// changes on an overlay, commits them durably through the store and only then
// makes them visible in memory.
package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/trading-engine/internal/model"
	"github.com/gridtokenx/trading-engine/internal/store"
)

var (
	ErrInsufficientFunds   = errors.New("account: insufficient funds")
	ErrInvalidTransfer     = errors.New("account: invalid transfer")
	ErrReservationNotFound = errors.New("account: reservation not found")
	ErrCertificateNotFound = errors.New("account: certificate not found")
	// ErrInvariantViolation means the books no longer balance. It is never
	// expected and callers must abort the whole operation.
	ErrInvariantViolation = errors.New("account: invariant violation")
)

type balanceKey struct {
	p    model.ParticipantID
	kind model.TokenKind
}

// Transfer moves Amount of Kind from one participant to another. When
// Reservation is set the debit is taken from that hold instead of the
// available balance; a transfer from a participant to itself is only valid
// in that case and releases the amount back to available.
type Transfer struct {
	From        model.ParticipantID
	To          model.ParticipantID
	Kind        model.TokenKind
	Amount      uint64
	Reservation string
}

// Store is the Account Store. It is safe for concurrent use; all writers are
// serialised by a single mutex held across the durable commit.
type Store struct {
	mu           sync.Mutex
	db           store.Store
	clock        model.Clock
	balances     map[balanceKey]model.Balance
	reservations map[string]model.Reservation
	certificates map[string]model.Certificate
}

// New creates an empty Account Store persisting through db.
func New(db store.Store, clock model.Clock) *Store {
	return &Store{
		db:           db,
		clock:        clock,
		balances:     make(map[balanceKey]model.Balance),
		reservations: make(map[string]model.Reservation),
		certificates: make(map[string]model.Certificate),
	}
}

// Restore replaces in-memory state with the records from a snapshot.
func (s *Store) Restore(snap *store.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances = make(map[balanceKey]model.Balance, len(snap.Balances))
	for _, b := range snap.Balances {
		s.balances[balanceKey{b.Participant, b.Kind}] = b
	}
	s.reservations = make(map[string]model.Reservation, len(snap.Reservations))
	for _, r := range snap.Reservations {
		s.reservations[r.ID] = r
	}
	s.certificates = make(map[string]model.Certificate, len(snap.Certificates))
	for _, c := range snap.Certificates {
		s.certificates[c.ID] = c
	}
}

// Update runs fn against a transaction. If fn returns an error nothing is
// changed. Otherwise the staged changes (plus any records fn attached to the
// changeset) are committed durably and then applied in memory. Hooks
// registered with OnApply run before the store lock is released, those
// registered with OnCommit after.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	tx := &Tx{
		s:            s,
		now:          s.clock.Now(),
		balances:     make(map[balanceKey]model.Balance),
		reservations: make(map[string]*model.Reservation),
		certificates: make(map[string]model.Certificate),
	}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}

	cs := tx.changeset()
	if !cs.Empty() {
		if err := s.db.Commit(ctx, cs); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("commit: %w", err)
		}
	}
	s.apply(tx)
	for _, fn := range tx.applies {
		fn()
	}
	s.mu.Unlock()

	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

func (s *Store) apply(tx *Tx) {
	for k, b := range tx.balances {
		s.balances[k] = b
	}
	for id, r := range tx.reservations {
		if r == nil {
			delete(s.reservations, id)
		} else {
			s.reservations[id] = *r
		}
	}
	for id, c := range tx.certificates {
		s.certificates[id] = c
	}
}

// GetBalance returns the participant's balance of kind. Unknown participants
// have a zero balance.
func (s *Store) GetBalance(p model.ParticipantID, kind model.TokenKind) model.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance(balanceKey{p, kind})
}

func (s *Store) balance(k balanceKey) model.Balance {
	if b, ok := s.balances[k]; ok {
		return b
	}
	return model.Balance{Participant: k.p, Kind: k.kind}
}

// Balances returns every token balance of p.
func (s *Store) Balances(p model.ParticipantID) []model.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Balance, 0, len(model.TokenKinds))
	for _, kind := range model.TokenKinds {
		out = append(out, s.balance(balanceKey{p, kind}))
	}
	return out
}

// Supply returns the sum of all balances (available and held) of kind.
func (s *Store) Supply(kind model.TokenKind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	for k, b := range s.balances {
		if k.kind == kind {
			total += b.Total()
		}
	}
	return total
}

// Reservation returns a live reservation.
func (s *Store) Reservation(id string) (model.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	return r, ok
}

// Certificate returns a certificate by id.
func (s *Store) Certificate(id string) (model.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certificates[id]
	if !ok {
		return model.Certificate{}, fmt.Errorf("%w: %s", ErrCertificateNotFound, id)
	}
	return c, nil
}

// CertificatesByOwner returns the certificates owned by p, oldest first.
func (s *Store) CertificatesByOwner(p model.ParticipantID) []model.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Certificate
	for _, c := range s.certificates {
		if c.Owner == p {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Reserve places a hold of amount on p's available balance.
func (s *Store) Reserve(ctx context.Context, p model.ParticipantID, kind model.TokenKind, amount uint64) (string, error) {
	var id string
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Reserve(p, kind, amount)
		return err
	})
	return id, err
}

// Release returns a reservation's remaining amount to available.
func (s *Store) Release(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.Release(id) })
}

// ApplyTransfer applies every transfer or none of them.
func (s *Store) ApplyTransfer(ctx context.Context, transfers []Transfer) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.ApplyTransfer(transfers) })
}

// Mint credits amount to p's available balance.
func (s *Store) Mint(ctx context.Context, p model.ParticipantID, kind model.TokenKind, amount uint64) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.Mint(p, kind, amount) })
}

// Tx stages account changes. It is only valid inside the Update callback that
// created it.
type Tx struct {
	s            *Store
	now          time.Time
	balances     map[balanceKey]model.Balance
	reservations map[string]*model.Reservation // nil marks a deletion
	certificates map[string]model.Certificate
	extra        store.Changeset
	hooks        []func()
	applies      []func()
}

// Now is the timestamp shared by every record in the transaction.
func (tx *Tx) Now() time.Time { return tx.now }

// Changeset returns the changeset committed with the transaction. Callers
// attach orders, trades and registry records to it.
func (tx *Tx) Changeset() *store.Changeset { return &tx.extra }

// OnCommit registers fn to run after a successful commit.
func (tx *Tx) OnCommit(fn func()) { tx.hooks = append(tx.hooks, fn) }

// OnApply registers fn to run after a successful commit while the store lock
// is still held, so it is ordered with every other transaction. fn must not
// call back into the store.
func (tx *Tx) OnApply(fn func()) { tx.applies = append(tx.applies, fn) }

// Balance returns the staged balance of p.
func (tx *Tx) Balance(p model.ParticipantID, kind model.TokenKind) model.Balance {
	return tx.balance(balanceKey{p, kind})
}

func (tx *Tx) balance(k balanceKey) model.Balance {
	if b, ok := tx.balances[k]; ok {
		return b
	}
	return tx.s.balance(k)
}

// Reservation returns the staged reservation with id.
func (tx *Tx) Reservation(id string) (model.Reservation, bool) {
	if r, ok := tx.reservations[id]; ok {
		if r == nil {
			return model.Reservation{}, false
		}
		return *r, true
	}
	r, ok := tx.s.reservations[id]
	return r, ok
}

// Reserve moves amount of p's available balance into a new hold and returns
// its id.
func (tx *Tx) Reserve(p model.ParticipantID, kind model.TokenKind, amount uint64) (string, error) {
	if amount == 0 || p == "" {
		return "", fmt.Errorf("%w: empty reservation", ErrInvalidTransfer)
	}
	k := balanceKey{p, kind}
	b := tx.balance(k)
	if b.Available < amount {
		return "", fmt.Errorf("%w: %s has %d %s available, needs %d",
			ErrInsufficientFunds, p, b.Available, kind, amount)
	}
	b.Available -= amount
	b.Held += amount
	tx.balances[k] = b

	r := &model.Reservation{
		ID:          uuid.NewString(),
		Participant: p,
		Kind:        kind,
		Amount:      amount,
		CreatedAt:   tx.now,
	}
	tx.reservations[r.ID] = r
	return r.ID, nil
}

// Release returns what is left of a reservation to available and deletes it.
func (tx *Tx) Release(id string) error {
	r, ok := tx.Reservation(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	k := balanceKey{r.Participant, r.Kind}
	b := tx.balance(k)
	if b.Held < r.Amount {
		return fmt.Errorf("%w: %s held %d below reservation %s of %d",
			ErrInvariantViolation, r.Participant, b.Held, id, r.Amount)
	}
	b.Held -= r.Amount
	b.Available += r.Amount
	tx.balances[k] = b
	tx.reservations[id] = nil
	return nil
}

// Mint credits amount to p's available balance.
func (tx *Tx) Mint(p model.ParticipantID, kind model.TokenKind, amount uint64) error {
	if amount == 0 || p == "" {
		return fmt.Errorf("%w: empty mint", ErrInvalidTransfer)
	}
	k := balanceKey{p, kind}
	b := tx.balance(k)
	if _, err := model.Add(b.Total(), amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	b.Available += amount
	tx.balances[k] = b
	return nil
}

// ApplyTransfer applies every transfer in order, or none of them.
func (tx *Tx) ApplyTransfer(transfers []Transfer) error {
	balances := make(map[balanceKey]model.Balance, len(tx.balances))
	for k, b := range tx.balances {
		balances[k] = b
	}
	reservations := make(map[string]*model.Reservation, len(tx.reservations))
	for id, r := range tx.reservations {
		reservations[id] = r
	}

	for i, t := range transfers {
		if err := tx.transfer(t); err != nil {
			tx.balances, tx.reservations = balances, reservations
			return fmt.Errorf("transfer %d: %w", i, err)
		}
	}
	return nil
}

func (tx *Tx) transfer(t Transfer) error {
	if t.Amount == 0 || t.From == "" || t.To == "" {
		return fmt.Errorf("%w: %+v", ErrInvalidTransfer, t)
	}
	if t.From == t.To && t.Reservation == "" {
		return fmt.Errorf("%w: self transfer of %d %s", ErrInvalidTransfer, t.Amount, t.Kind)
	}

	from := balanceKey{t.From, t.Kind}
	fb := tx.balance(from)
	if t.Reservation != "" {
		r, ok := tx.Reservation(t.Reservation)
		if !ok {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, t.Reservation)
		}
		if r.Participant != t.From || r.Kind != t.Kind {
			return fmt.Errorf("%w: reservation %s belongs to %s/%s",
				ErrInvalidTransfer, r.ID, r.Participant, r.Kind)
		}
		if r.Amount < t.Amount {
			return fmt.Errorf("%w: reservation %s holds %d, needs %d",
				ErrInsufficientFunds, r.ID, r.Amount, t.Amount)
		}
		if fb.Held < t.Amount {
			return fmt.Errorf("%w: %s held %d below reservation %s",
				ErrInvariantViolation, t.From, fb.Held, r.ID)
		}
		fb.Held -= t.Amount
		r.Amount -= t.Amount
		if r.Amount == 0 {
			tx.reservations[r.ID] = nil
		} else {
			tx.reservations[r.ID] = &r
		}
	} else {
		if fb.Available < t.Amount {
			return fmt.Errorf("%w: %s has %d %s available, needs %d",
				ErrInsufficientFunds, t.From, fb.Available, t.Kind, t.Amount)
		}
		fb.Available -= t.Amount
	}
	tx.balances[from] = fb

	to := balanceKey{t.To, t.Kind}
	tb := tx.balance(to)
	if _, err := model.Add(tb.Total(), t.Amount); err != nil {
		return fmt.Errorf("%w: credit to %s: %v", ErrInvalidTransfer, t.To, err)
	}
	tb.Available += t.Amount
	tx.balances[to] = tb
	return nil
}

// Certificate returns the staged certificate with id.
func (tx *Tx) Certificate(id string) (model.Certificate, error) {
	if c, ok := tx.certificates[id]; ok {
		return c, nil
	}
	c, ok := tx.s.certificates[id]
	if !ok {
		return model.Certificate{}, fmt.Errorf("%w: %s", ErrCertificateNotFound, id)
	}
	return c, nil
}

// PutCertificate stages a new or updated certificate record.
func (tx *Tx) PutCertificate(c model.Certificate) {
	tx.certificates[c.ID] = c
}

func (tx *Tx) changeset() *store.Changeset {
	cs := tx.extra
	for _, b := range tx.balances {
		cs.Balances = append(cs.Balances, b)
	}
	for id, r := range tx.reservations {
		if r == nil {
			if _, existed := tx.s.reservations[id]; existed {
				cs.DeletedReservations = append(cs.DeletedReservations, id)
			}
			continue
		}
		cs.Reservations = append(cs.Reservations, *r)
	}
	for _, c := range tx.certificates {
		cs.Certificates = append(cs.Certificates, c)
	}
	return &cs
}
