package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/orderedcode"

	"github.com/gridtokenx/trading-engine/internal/model"
)

// Key prefixes. Keys are orderedcode tuples so range scans by prefix and by
// participant are plain iterator bounds.
const (
	prefixParticipant int64 = iota + 1
	prefixMeter
	prefixBalance
	prefixReservation
	prefixOrder
	prefixTrade
	prefixTradeByParticipant
	prefixCertificate
	prefixGovernance
)

// governanceKey is the single governance record.
var governanceKey = encodeKey(prefixGovernance, "market")

// PebbleStore implements Store on an embedded Pebble database. Each Commit is
// one synced batch, so a crash never leaves a changeset half-written.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a Pebble database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) Commit(_ context.Context, cs *Changeset) error {
	b := s.db.NewBatch()
	defer b.Close()

	put := func(key []byte, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Set(key, data, nil)
	}

	for i := range cs.Participants {
		p := &cs.Participants[i]
		if err := put(encodeKey(prefixParticipant, string(p.ID)), p); err != nil {
			return err
		}
	}
	for i := range cs.Meters {
		m := &cs.Meters[i]
		if err := put(encodeKey(prefixMeter, m.ID), m); err != nil {
			return err
		}
	}
	for i := range cs.Balances {
		bal := &cs.Balances[i]
		if err := put(encodeKey(prefixBalance, string(bal.Participant), int64(bal.Kind)), bal); err != nil {
			return err
		}
	}
	for i := range cs.Reservations {
		r := &cs.Reservations[i]
		if err := put(encodeKey(prefixReservation, r.ID), r); err != nil {
			return err
		}
	}
	for _, id := range cs.DeletedReservations {
		if err := b.Delete(encodeKey(prefixReservation, id), nil); err != nil {
			return err
		}
	}
	for i := range cs.Orders {
		o := &cs.Orders[i]
		if err := put(encodeKey(prefixOrder, o.ID), o); err != nil {
			return err
		}
	}
	for i := range cs.Certificates {
		c := &cs.Certificates[i]
		if err := put(encodeKey(prefixCertificate, c.ID), c); err != nil {
			return err
		}
	}
	if cs.Governance != nil {
		if err := put(governanceKey, cs.Governance); err != nil {
			return err
		}
	}
	for i := range cs.Trades {
		t := &cs.Trades[i]
		key := encodeKey(prefixTrade, t.ID)
		if _, closer, err := s.db.Get(key); err == nil {
			closer.Close()
			return fmt.Errorf("store: trade %s already exists", t.ID)
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return err
		}
		if err := put(key, t); err != nil {
			return err
		}
		ts := t.Timestamp.UnixNano()
		for _, p := range []model.ParticipantID{t.Buyer, t.Seller} {
			if err := b.Set(encodeKey(prefixTradeByParticipant, string(p), ts, t.ID), nil, nil); err != nil {
				return err
			}
		}
	}

	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Load(_ context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := scanPrefix(s.db, prefixParticipant, &snap.Participants); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	if err := scanPrefix(s.db, prefixMeter, &snap.Meters); err != nil {
		return nil, fmt.Errorf("load meters: %w", err)
	}
	if err := scanPrefix(s.db, prefixBalance, &snap.Balances); err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	if err := scanPrefix(s.db, prefixReservation, &snap.Reservations); err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	if err := scanPrefix(s.db, prefixOrder, &snap.Orders); err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	if err := scanPrefix(s.db, prefixCertificate, &snap.Certificates); err != nil {
		return nil, fmt.Errorf("load certificates: %w", err)
	}

	val, closer, err := s.db.Get(governanceKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load governance: %w", err)
	default:
		defer closer.Close()
		snap.Governance = &model.GovernanceState{}
		if err := json.Unmarshal(val, snap.Governance); err != nil {
			return nil, fmt.Errorf("decode governance: %w", err)
		}
	}
	return snap, nil
}

func (s *PebbleStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	val, closer, err := s.db.Get(encodeKey(prefixTrade, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var t model.Trade
	if err := json.Unmarshal(val, &t); err != nil {
		return nil, fmt.Errorf("decode trade %s: %w", id, err)
	}
	return &t, nil
}

func (s *PebbleStore) TradesByParticipant(ctx context.Context, p model.ParticipantID) ([]model.Trade, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(prefixTradeByParticipant, string(p)),
		UpperBound: encodeKey(prefixTradeByParticipant, string(p), orderedcode.Infinity),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		var (
			prefix int64
			owner  string
			ts     int64
			id     string
		)
		if _, err := orderedcode.Parse(string(iter.Key()), &prefix, &owner, &ts, &id); err != nil {
			return nil, fmt.Errorf("parse trade index key: %w", err)
		}
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	trades := make([]model.Trade, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTrade(ctx, id)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, nil
}

func scanPrefix[T any](db *pebble.DB, prefix int64, out *[]T) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(prefix),
		UpperBound: encodeKey(prefix + 1),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return err
		}
		*out = append(*out, v)
	}
	return iter.Error()
}

func encodeKey(items ...any) []byte {
	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		panic(err)
	}
	return key
}
