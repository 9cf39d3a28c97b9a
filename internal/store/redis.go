package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridtokenx/trading-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for trade
// history. Commits go to the primary store and then invalidate the trade
// lists of every participant they touch; reads check Redis first then fall
// back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, cs *Changeset) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}
	if len(cs.Trades) == 0 {
		return nil
	}
	keys := make([]string, 0, 2*len(cs.Trades))
	for _, t := range cs.Trades {
		keys = append(keys, tradesKey(t.Buyer), tradesKey(t.Seller))
		s.cacheTrade(ctx, &t)
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradeKey(id)).Bytes()
	if err == nil {
		var t model.Trade
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	// Cache miss: read from primary.
	t, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheTrade(ctx, t)
	return t, nil
}

func (s *CachedStore) TradesByParticipant(ctx context.Context, p model.ParticipantID) ([]model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradesKey(p)).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.TradesByParticipant(ctx, p)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesKey(p), data, s.ttl)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Load(ctx context.Context) (*Snapshot, error) {
	return s.primary.Load(ctx)
}

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) cacheTrade(ctx context.Context, t *model.Trade) {
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, tradeKey(t.ID), data, s.ttl)
	}
}

func tradeKey(id string) string { return fmt.Sprintf("trade:%s", id) }
func tradesKey(p model.ParticipantID) string { return fmt.Sprintf("trades:%s", p) }
