package store

import (
	"context"
	_ "embed"
	"encoding"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridtokenx/trading-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC(20,0) so the full uint64 range round-trips.
// A Commit is one database transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, p := range cs.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO participants (id, role, status, registered_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET role = $2, status = $3, updated_at = $5`,
			string(p.ID), p.Role.String(), p.Status.String(), p.RegisteredAt, p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert participant %s: %w", p.ID, err)
		}
	}

	for _, m := range cs.Meters {
		if _, err := tx.Exec(ctx,
			`INSERT INTO meters (id, owner, type, capacity, total_generated, total_consumed,
			                     rec_eligible, last_reading_at, registered_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET
			     total_generated = $5::NUMERIC, total_consumed = $6::NUMERIC,
			     rec_eligible = $7, last_reading_at = $8`,
			m.ID, string(m.Owner), m.Type.String(), u64(m.Capacity),
			u64(m.TotalGenerated), u64(m.TotalConsumed), m.RECEligible,
			m.LastReadingAt, m.RegisteredAt,
		); err != nil {
			return fmt.Errorf("upsert meter %s: %w", m.ID, err)
		}
	}

	for _, b := range cs.Balances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (participant, kind, available, held)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
			 ON CONFLICT (participant, kind) DO UPDATE SET available = $3::NUMERIC, held = $4::NUMERIC`,
			string(b.Participant), b.Kind.String(), u64(b.Available), u64(b.Held),
		); err != nil {
			return fmt.Errorf("upsert balance %s/%s: %w", b.Participant, b.Kind, err)
		}
	}

	for _, r := range cs.Reservations {
		if _, err := tx.Exec(ctx,
			`INSERT INTO reservations (id, participant, kind, amount, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 ON CONFLICT (id) DO UPDATE SET amount = $4::NUMERIC`,
			r.ID, string(r.Participant), r.Kind.String(), u64(r.Amount), r.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert reservation %s: %w", r.ID, err)
		}
	}
	if len(cs.DeletedReservations) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM reservations WHERE id = ANY($1)`, cs.DeletedReservations,
		); err != nil {
			return fmt.Errorf("delete reservations: %w", err)
		}
	}

	for _, o := range cs.Orders {
		if _, err := tx.Exec(ctx,
			`INSERT INTO orders (id, owner, side, energy_type, meter_id, quantity, limit_price,
			                     filled_quantity, status, reservation_id, seq,
			                     created_at, expires_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10,
			         $11::NUMERIC, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE SET
			     filled_quantity = $8::NUMERIC, status = $9, updated_at = $14`,
			o.ID, string(o.Owner), o.Side.String(), o.EnergyType.String(), o.MeterID,
			u64(o.Quantity), u64(o.LimitPrice), u64(o.FilledQuantity),
			o.Status.String(), o.ReservationID, u64(o.Seq),
			o.CreatedAt, o.ExpiresAt, o.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert order %s: %w", o.ID, err)
		}
	}

	for _, t := range cs.Trades {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, buy_order_id, sell_order_id, buyer, seller, energy_type,
			                     quantity, clearing_price, fee, certificate_id, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
			t.ID, t.BuyOrderID, t.SellOrderID, string(t.Buyer), string(t.Seller),
			t.EnergyType.String(), u64(t.Quantity), u64(t.ClearingPrice), u64(t.Fee),
			t.CertificateID, t.Timestamp,
		); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}

	for _, c := range cs.Certificates {
		if _, err := tx.Exec(ctx,
			`INSERT INTO certificates (id, meter_id, trade_id, owner, energy_type, energy_amount,
			                           carbon_offset, status, authority_ref,
			                           created_at, expires_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO UPDATE SET
			     status = $8, authority_ref = $9, updated_at = $12`,
			c.ID, c.MeterID, c.TradeID, string(c.Owner), c.EnergyType.String(),
			u64(c.EnergyAmount), u64(c.CarbonOffset), c.Status.String(), c.AuthorityRef,
			c.CreatedAt, c.ExpiresAt, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert certificate %s: %w", c.ID, err)
		}
	}

	if g := cs.Governance; g != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO governance (id, paused, maintenance, limits_overridden, validation_enabled,
			                         min_energy, max_energy, validity_ns,
			                         certificates_created, certificates_certified,
			                         certificates_traded, certificates_revoked, updated_at)
			 VALUES (1, $1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7,
			         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)
			 ON CONFLICT (id) DO UPDATE SET
			     paused = $1, maintenance = $2, limits_overridden = $3, validation_enabled = $4,
			     min_energy = $5::NUMERIC, max_energy = $6::NUMERIC, validity_ns = $7,
			     certificates_created = $8::NUMERIC, certificates_certified = $9::NUMERIC,
			     certificates_traded = $10::NUMERIC, certificates_revoked = $11::NUMERIC,
			     updated_at = $12`,
			g.Paused, g.Maintenance, g.LimitsOverridden, g.ValidationEnabled,
			u64(g.MinEnergy), u64(g.MaxEnergy), int64(g.Validity),
			u64(g.Created), u64(g.Certified), u64(g.Traded), u64(g.Revoked), g.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert governance: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error
	if snap.Participants, err = s.loadParticipants(ctx); err != nil {
		return nil, err
	}
	if snap.Meters, err = s.loadMeters(ctx); err != nil {
		return nil, err
	}
	if snap.Balances, err = s.loadBalances(ctx); err != nil {
		return nil, err
	}
	if snap.Reservations, err = s.loadReservations(ctx); err != nil {
		return nil, err
	}
	if snap.Orders, err = s.loadOrders(ctx); err != nil {
		return nil, err
	}
	if snap.Certificates, err = s.loadCertificates(ctx); err != nil {
		return nil, err
	}
	if snap.Governance, err = s.loadGovernance(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

const tradeColumns = `id, buy_order_id, sell_order_id, buyer, seller, energy_type,
	quantity::TEXT, clearing_price::TEXT, fee::TEXT, certificate_id, timestamp`

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return &trades[0], nil
}

func (s *PostgresStore) TradesByParticipant(ctx context.Context, p model.ParticipantID) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE buyer = $1 OR seller = $1 ORDER BY timestamp, id`, string(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) loadParticipants(ctx context.Context) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, role, status, registered_at, updated_at FROM participants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		var id, role, status string
		if err := rows.Scan(&id, &role, &status, &p.RegisteredAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.ID = model.ParticipantID(id)
		if err := parseText(&p.Role, role); err != nil {
			return nil, err
		}
		if err := parseText(&p.Status, status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadMeters(ctx context.Context) ([]model.Meter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, type, capacity::TEXT, total_generated::TEXT, total_consumed::TEXT,
		        rec_eligible, last_reading_at, registered_at
		 FROM meters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Meter
	for rows.Next() {
		var m model.Meter
		var owner, typ, capacity, generated, consumed string
		if err := rows.Scan(&m.ID, &owner, &typ, &capacity, &generated, &consumed,
			&m.RECEligible, &m.LastReadingAt, &m.RegisteredAt); err != nil {
			return nil, err
		}
		m.Owner = model.ParticipantID(owner)
		if err := parseText(&m.Type, typ); err != nil {
			return nil, err
		}
		if err := parseU64s(
			&m.Capacity, capacity, &m.TotalGenerated, generated, &m.TotalConsumed, consumed,
		); err != nil {
			return nil, fmt.Errorf("meter %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadBalances(ctx context.Context) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant, kind, available::TEXT, held::TEXT FROM balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Balance
	for rows.Next() {
		var b model.Balance
		var p, kind, available, held string
		if err := rows.Scan(&p, &kind, &available, &held); err != nil {
			return nil, err
		}
		b.Participant = model.ParticipantID(p)
		if err := parseText(&b.Kind, kind); err != nil {
			return nil, err
		}
		if err := parseU64s(&b.Available, available, &b.Held, held); err != nil {
			return nil, fmt.Errorf("balance %s/%s: %w", p, kind, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadReservations(ctx context.Context) ([]model.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant, kind, amount::TEXT, created_at FROM reservations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		var r model.Reservation
		var p, kind, amount string
		if err := rows.Scan(&r.ID, &p, &kind, &amount, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Participant = model.ParticipantID(p)
		if err := parseText(&r.Kind, kind); err != nil {
			return nil, err
		}
		if err := parseU64s(&r.Amount, amount); err != nil {
			return nil, fmt.Errorf("reservation %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, side, energy_type, meter_id, quantity::TEXT, limit_price::TEXT,
		        filled_quantity::TEXT, status, reservation_id, seq::TEXT,
		        created_at, expires_at, updated_at
		 FROM orders ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		var o model.Order
		var owner, side, et, qty, price, filled, status, seq string
		if err := rows.Scan(&o.ID, &owner, &side, &et, &o.MeterID, &qty, &price,
			&filled, &status, &o.ReservationID, &seq,
			&o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Owner = model.ParticipantID(owner)
		if err := errors.Join(
			parseText(&o.Side, side), parseText(&o.EnergyType, et), parseText(&o.Status, status),
		); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		if err := parseU64s(
			&o.Quantity, qty, &o.LimitPrice, price, &o.FilledQuantity, filled, &o.Seq, seq,
		); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadCertificates(ctx context.Context) ([]model.Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, meter_id, trade_id, owner, energy_type, energy_amount::TEXT,
		        carbon_offset::TEXT, status, authority_ref, created_at, expires_at, updated_at
		 FROM certificates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Certificate
	for rows.Next() {
		var c model.Certificate
		var owner, et, amount, offset, status string
		if err := rows.Scan(&c.ID, &c.MeterID, &c.TradeID, &owner, &et, &amount,
			&offset, &status, &c.AuthorityRef, &c.CreatedAt, &c.ExpiresAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Owner = model.ParticipantID(owner)
		if err := errors.Join(parseText(&c.EnergyType, et), parseText(&c.Status, status)); err != nil {
			return nil, fmt.Errorf("certificate %s: %w", c.ID, err)
		}
		if err := parseU64s(&c.EnergyAmount, amount, &c.CarbonOffset, offset); err != nil {
			return nil, fmt.Errorf("certificate %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadGovernance(ctx context.Context) (*model.GovernanceState, error) {
	var (
		g                                                         model.GovernanceState
		validity                                                  int64
		minEnergy, maxEnergy, created, certified, traded, revoked string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT paused, maintenance, limits_overridden, validation_enabled,
		        min_energy::TEXT, max_energy::TEXT, validity_ns,
		        certificates_created::TEXT, certificates_certified::TEXT,
		        certificates_traded::TEXT, certificates_revoked::TEXT, updated_at
		 FROM governance WHERE id = 1`,
	).Scan(&g.Paused, &g.Maintenance, &g.LimitsOverridden, &g.ValidationEnabled,
		&minEnergy, &maxEnergy, &validity, &created, &certified, &traded, &revoked, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load governance: %w", err)
	}
	g.Validity = time.Duration(validity)
	if err := parseU64s(
		&g.MinEnergy, minEnergy, &g.MaxEnergy, maxEnergy,
		&g.Created, created, &g.Certified, certified, &g.Traded, traded, &g.Revoked, revoked,
	); err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}
	return &g, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var buyer, seller, et, qty, price, fee string
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &buyer, &seller, &et,
			&qty, &price, &fee, &t.CertificateID, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Buyer = model.ParticipantID(buyer)
		t.Seller = model.ParticipantID(seller)
		if err := parseText(&t.EnergyType, et); err != nil {
			return nil, err
		}
		if err := parseU64s(&t.Quantity, qty, &t.ClearingPrice, price, &t.Fee, fee); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func parseText(dst encoding.TextUnmarshaler, s string) error {
	return dst.UnmarshalText([]byte(s))
}

// parseU64s parses (destination, text) pairs.
func parseU64s(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		dst := pairs[i].(*uint64)
		v, err := strconv.ParseUint(pairs[i+1].(string), 10, 64)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}
