package certificate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/governance"
	"github.com/gridtokenx/trading-engine/internal/model"
	"github.com/gridtokenx/trading-engine/internal/store"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

type operators struct{}

func (operators) RequireRole(id model.ParticipantID, _ model.Role) error {
	if id != "op" {
		return errors.New("forbidden")
	}
	return nil
}

type env struct {
	v     *Validator
	gov   *governance.Governance
	acc   *account.Store
	db    *store.MemoryStore
	pub   *events.MemoryPublisher
	clock *testClock
	key   ed25519.PrivateKey
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	db := store.NewMemoryStore()
	acc := account.New(db, clock)
	gov := governance.New(acc, operators{}, governance.CertificateLimits{
		ValidationEnabled: true,
		MinEnergy:         100,
		MaxEnergy:         1_000_000,
		Validity:          365 * 24 * time.Hour,
		OffsetPPM:         430_000,
	}, nil)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, gov.AddAuthority("rec-authority", pub))

	p := &events.MemoryPublisher{}
	return &env{
		v:     New(acc, gov, clock, p),
		gov:   gov,
		acc:   acc,
		db:    db,
		pub:   p,
		clock: clock,
		key:   priv,
	}
}

func (e *env) trade(qty uint64, et model.EnergyType) *model.Trade {
	return &model.Trade{
		ID:            "trade-1",
		BuyOrderID:    "b",
		SellOrderID:   "s",
		Buyer:         "buyer",
		Seller:        "seller",
		EnergyType:    et,
		Quantity:      qty,
		ClearingPrice: 10,
		Timestamp:     e.clock.t,
	}
}

var eligible = model.Meter{ID: "m-1", Owner: "seller", Type: model.MeterSolarProsumer, RECEligible: true}

// issue evaluates a trade and persists the resulting Pending certificate the
// way settlement does.
func (e *env) issue(t *testing.T) model.Certificate {
	t.Helper()
	d := e.v.Evaluate(e.trade(1000, model.EnergySolar), eligible)
	require.True(t, d.Issue, d.Reason)
	err := e.acc.Update(context.Background(), func(tx *account.Tx) error {
		e.v.Stage(tx, d.Certificate)
		return nil
	})
	require.NoError(t, err)
	e.v.Created(context.Background(), d.Certificate)
	return d.Certificate
}

func (e *env) sign(t *testing.T, key ed25519.PrivateKey, kid, certID, action string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, SignatureClaims{
		CertificateID: certID,
		Action:        action,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(e.clock.t.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(e.clock.t.Add(time.Hour)),
		},
	})
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestEvaluate(t *testing.T) {
	e := newEnv(t)

	d := e.v.Evaluate(e.trade(1000, model.EnergySolar), eligible)
	require.True(t, d.Issue)
	c := d.Certificate
	require.Equal(t, model.CertPending, c.Status)
	require.Equal(t, model.ParticipantID("buyer"), c.Owner)
	require.Equal(t, "trade-1", c.TradeID)
	require.Equal(t, "m-1", c.MeterID)
	require.Equal(t, uint64(1000), c.EnergyAmount)
	require.Equal(t, uint64(430), c.CarbonOffset)
	require.Equal(t, e.clock.t.Add(365*24*time.Hour), c.ExpiresAt)

	notEligible := eligible
	notEligible.RECEligible = false
	consumer := eligible
	consumer.Type = model.MeterGridConsumer

	cases := []struct {
		name  string
		trade *model.Trade
		meter model.Meter
	}{
		{"meter not eligible", e.trade(1000, model.EnergySolar), notEligible},
		{"consumer meter", e.trade(1000, model.EnergySolar), consumer},
		{"grid energy", e.trade(1000, model.EnergyGrid), eligible},
		{"battery energy", e.trade(1000, model.EnergyBattery), eligible},
		{"below minimum", e.trade(99, model.EnergyWind), eligible},
		{"above maximum", e.trade(1_000_001, model.EnergyHydro), eligible},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := e.v.Evaluate(tc.trade, tc.meter)
			require.False(t, d.Issue)
			require.NotEmpty(t, d.Reason)
		})
	}
}

func TestEvaluate_ValidationDisabled(t *testing.T) {
	e := newEnv(t)
	e.v.gov = governance.New(e.acc, operators{}, governance.CertificateLimits{}, nil)
	d := e.v.Evaluate(e.trade(1000, model.EnergySolar), eligible)
	require.False(t, d.Issue)
}

func TestApplySignature_Certify(t *testing.T) {
	e := newEnv(t)
	c := e.issue(t)

	got, err := e.v.ApplySignature(context.Background(), e.sign(t, e.key, "rec-authority", c.ID, ActionCertify))
	require.NoError(t, err)
	require.Equal(t, model.CertCertified, got.Status)
	require.Equal(t, "rec-authority", got.AuthorityRef)

	stored, err := e.v.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, model.CertCertified, stored.Status)
	require.Len(t, e.pub.Events(events.CertificateStatusChanged), 1)

	// Certifying twice is not a valid transition.
	_, err = e.v.ApplySignature(context.Background(), e.sign(t, e.key, "rec-authority", c.ID, ActionCertify))
	require.ErrorIs(t, err, ErrInvalidTransition)

	stats := e.gov.Stats()
	require.Equal(t, uint64(1), stats.Created)
	require.Equal(t, uint64(1), stats.Certified)
}

func TestApplySignature_Rejects(t *testing.T) {
	e := newEnv(t)
	c := e.issue(t)
	ctx := context.Background()

	_, stranger, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = e.v.ApplySignature(ctx, e.sign(t, e.key, "unknown", c.ID, ActionCertify))
	require.ErrorIs(t, err, governance.ErrUnauthorizedAuthority)

	_, err = e.v.ApplySignature(ctx, e.sign(t, stranger, "rec-authority", c.ID, ActionCertify))
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = e.v.ApplySignature(ctx, e.sign(t, e.key, "rec-authority", c.ID, "approve"))
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = e.v.ApplySignature(ctx, e.sign(t, e.key, "rec-authority", "missing", ActionCertify))
	require.ErrorIs(t, err, account.ErrCertificateNotFound)

	require.NoError(t, e.gov.SetMaintenance(ctx, "op", true))
	_, err = e.v.ApplySignature(ctx, e.sign(t, e.key, "rec-authority", c.ID, ActionCertify))
	require.ErrorIs(t, err, governance.ErrMaintenance)

	stored, err := e.v.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, model.CertPending, stored.Status, "rejected signatures change nothing")
}

func TestApplySignature_ExpiredCertificate(t *testing.T) {
	e := newEnv(t)
	c := e.issue(t)

	e.clock.t = c.ExpiresAt
	_, err := e.v.ApplySignature(context.Background(), e.sign(t, e.key, "rec-authority", c.ID, ActionCertify))
	require.ErrorIs(t, err, ErrExpired)

	// An expired certificate can still be revoked.
	got, err := e.v.ApplySignature(context.Background(), e.sign(t, e.key, "rec-authority", c.ID, ActionRevoke))
	require.NoError(t, err)
	require.Equal(t, model.CertRevoked, got.Status)
}

func TestMarkTraded(t *testing.T) {
	e := newEnv(t)
	c := e.issue(t)
	ctx := context.Background()

	_, err := e.v.MarkTraded(ctx, c.ID, "buyer")
	require.ErrorIs(t, err, ErrInvalidTransition, "pending certificates cannot be traded")

	_, err = e.v.ApplySignature(ctx, e.sign(t, e.key, "rec-authority", c.ID, ActionCertify))
	require.NoError(t, err)

	_, err = e.v.MarkTraded(ctx, c.ID, "seller")
	require.ErrorIs(t, err, ErrNotOwner)

	got, err := e.v.MarkTraded(ctx, c.ID, "buyer")
	require.NoError(t, err)
	require.Equal(t, model.CertTraded, got.Status)

	_, err = e.v.ApplySignature(ctx, e.sign(t, e.key, "rec-authority", c.ID, ActionRevoke))
	require.ErrorIs(t, err, ErrInvalidTransition, "traded is final")

	// Each transition committed its counter, so a restarted module agrees.
	snap, err := e.db.Load(ctx)
	require.NoError(t, err)
	restarted := governance.New(e.acc, operators{}, governance.CertificateLimits{}, nil)
	restarted.Restore(snap.Governance, snap.Certificates)
	stats := restarted.Stats()
	require.Equal(t, uint64(1), stats.Created)
	require.Equal(t, uint64(1), stats.Certified)
	require.Equal(t, uint64(1), stats.Traded)
}
