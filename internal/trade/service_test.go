package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/gridtokenx/trading-engine/internal/clearing"
	"github.com/gridtokenx/trading-engine/internal/engine"
	"github.com/gridtokenx/trading-engine/internal/events"
	"github.com/gridtokenx/trading-engine/internal/governance"
	"github.com/gridtokenx/trading-engine/internal/model"
	"github.com/gridtokenx/trading-engine/internal/store"
	"github.com/gridtokenx/trading-engine/internal/trade"
)

// newTestEnv creates a Service over an in-memory engine and mounts it on a
// chi router. The operator, a seller with a solar meter and a buyer are
// registered and funded.
func newTestEnv(t *testing.T) (*engine.Engine, chi.Router) {
	t.Helper()
	eng := engine.New(engine.Config{
		FeeBps:     25,
		DefaultTTL: time.Hour,
		MaxMatches: 32,
		Treasury:   "treasury",
		Certificates: governance.CertificateLimits{
			Validity:  24 * time.Hour,
			OffsetPPM: 430_000,
		},
	}, store.NewMemoryStore(), model.SystemClock{}, &events.MemoryPublisher{})
	svc := trade.NewService(eng, clearing.New(eng, 0, 64), nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	doJSON(t, r, "POST", "/api/v1/participants", trade.RegisterParticipantRequest{ID: "op", Role: model.RoleGridOperator}, http.StatusCreated)
	doJSON(t, r, "POST", "/api/v1/participants", trade.RegisterParticipantRequest{ID: "seller", Role: model.RoleProsumer}, http.StatusCreated)
	doJSON(t, r, "POST", "/api/v1/participants", trade.RegisterParticipantRequest{ID: "buyer", Role: model.RoleConsumer}, http.StatusCreated)
	doJSON(t, r, "POST", "/api/v1/meters", trade.RegisterMeterRequest{ID: "m-1", Owner: "seller", Type: model.MeterSolarProsumer, Capacity: 50}, http.StatusCreated)
	for _, p := range []string{"seller", "buyer"} {
		doJSON(t, r, "POST", "/api/v1/accounts/"+p+"/mint", trade.MintRequest{Requester: "op", Kind: model.TokenCurrency, Amount: 100_000}, http.StatusOK)
		doJSON(t, r, "POST", "/api/v1/accounts/"+p+"/mint", trade.MintRequest{Requester: "op", Kind: model.TokenEnergy, Amount: 1_000}, http.StatusOK)
	}
	return eng, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// doJSON performs a request and fails the test unless it returns want.
func doJSON(t *testing.T, router chi.Router, method, path string, body any, want int) *httptest.ResponseRecorder {
	t.Helper()
	w := do(t, router, method, path, body)
	if w.Code != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, w.Code, w.Body.String())
	}
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["code"]
}

func sell(qty, price uint64) trade.OrderRequest {
	return trade.OrderRequest{Owner: "seller", Side: model.Sell, EnergyType: model.EnergySolar, MeterID: "m-1", Quantity: qty, LimitPrice: price}
}

func buy(owner model.ParticipantID, qty, price uint64) trade.OrderRequest {
	return trade.OrderRequest{Owner: owner, Side: model.Buy, EnergyType: model.EnergySolar, Quantity: qty, LimitPrice: price}
}

// --- Orders ---

func TestSubmitOrder_MatchesAtMakerPrice(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/orders", sell(10, 50), http.StatusCreated)
	var rest engine.SubmitResult
	json.Unmarshal(w.Body.Bytes(), &rest)
	if rest.Order.Status != model.OrderOpen || len(rest.Trades) != 0 {
		t.Fatalf("expected resting sell, got %+v", rest)
	}

	w = doJSON(t, router, "POST", "/api/v1/orders", buy("buyer", 10, 60), http.StatusCreated)
	var res engine.SubmitResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ClearingPrice != 50 || tr.Quantity != 10 || tr.Fee != 1 {
		t.Errorf("unexpected trade %+v", tr)
	}
	if res.Order.Status != model.OrderFilled {
		t.Errorf("expected buy filled, got %s", res.Order.Status)
	}

	// 500 notional plus a 1 unit fee; the rest of the 601 hold is released.
	w = doJSON(t, router, "GET", "/api/v1/accounts/buyer/balances", nil, http.StatusOK)
	var balances []trade.BalanceView
	json.Unmarshal(w.Body.Bytes(), &balances)
	var found bool
	for _, b := range balances {
		if b.Kind != model.TokenCurrency {
			continue
		}
		found = true
		if b.Available != 99_499 || b.Held != 0 {
			t.Errorf("unexpected buyer currency %+v", b.Balance)
		}
		if !b.AvailableDisplay.Equal(decimal.RequireFromString("0.099499")) {
			t.Errorf("unexpected display %s", b.AvailableDisplay)
		}
	}
	if !found {
		t.Fatal("buyer currency balance missing")
	}

	w = doJSON(t, router, "GET", "/api/v1/trades/"+tr.ID, nil, http.StatusOK)
	var got model.Trade
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != tr.ID {
		t.Errorf("expected trade %s, got %s", tr.ID, got.ID)
	}

	w = doJSON(t, router, "GET", "/api/v1/trades?participant=seller", nil, http.StatusOK)
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Errorf("expected 1 seller trade, got %d", len(trades))
	}
}

func TestSubmitOrder_InsufficientFunds(t *testing.T) {
	_, router := newTestEnv(t)
	doJSON(t, router, "POST", "/api/v1/participants", trade.RegisterParticipantRequest{ID: "poor", Role: model.RoleConsumer}, http.StatusCreated)
	doJSON(t, router, "POST", "/api/v1/accounts/poor/mint", trade.MintRequest{Requester: "op", Kind: model.TokenCurrency, Amount: 100}, http.StatusOK)

	w := doJSON(t, router, "POST", "/api/v1/orders", buy("poor", 10, 60), http.StatusConflict)
	if code := errorCode(t, w); code != "insufficient_funds" {
		t.Errorf("expected insufficient_funds, got %s", code)
	}
}

func TestSubmitOrder_SelfTrade(t *testing.T) {
	_, router := newTestEnv(t)
	doJSON(t, router, "POST", "/api/v1/orders", sell(10, 50), http.StatusCreated)

	w := doJSON(t, router, "POST", "/api/v1/orders", buy("seller", 5, 60), http.StatusConflict)
	if code := errorCode(t, w); code != "self_trade_not_allowed" {
		t.Errorf("expected self_trade_not_allowed, got %s", code)
	}
}

func TestSubmitOrder_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
		code string
	}{
		{"zero quantity", buy("buyer", 0, 60), http.StatusBadRequest, "invalid_order"},
		{"zero price", buy("buyer", 10, 0), http.StatusBadRequest, "invalid_order"},
		{"sell without meter", trade.OrderRequest{Owner: "seller", Side: model.Sell, EnergyType: model.EnergySolar, Quantity: 1, LimitPrice: 1}, http.StatusBadRequest, "invalid_order"},
		{"unknown participant", buy("nobody", 1, 1), http.StatusNotFound, "not_found"},
		{"unknown side", map[string]any{"owner": "buyer", "side": "Hold", "energy_type": "Solar", "quantity": 1, "limit_price": 1}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/orders", tt.body, tt.want)
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("expected %s, got %s", tt.code, code)
			}
		})
	}
}

func TestSubmitOrder_Expiry(t *testing.T) {
	_, router := newTestEnv(t)

	expiry := uint64(time.Now().Add(2 * time.Hour).Unix())
	req := buy("buyer", 10, 60)
	req.Expiry = expiry
	w := doJSON(t, router, "POST", "/api/v1/orders", req, http.StatusCreated)
	var res engine.SubmitResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if got := uint64(res.Order.ExpiresAt.Unix()); got != expiry {
		t.Errorf("expires at %d, want %d", got, expiry)
	}

	// Without an expiry the default time-to-live applies.
	w = doJSON(t, router, "POST", "/api/v1/orders", buy("buyer", 10, 60), http.StatusCreated)
	json.Unmarshal(w.Body.Bytes(), &res)
	if ttl := time.Until(res.Order.ExpiresAt); ttl <= 0 || ttl > time.Hour {
		t.Errorf("default expiry %s is not within the hour", res.Order.ExpiresAt)
	}

	req.Expiry = 1
	w = doJSON(t, router, "POST", "/api/v1/orders", req, http.StatusBadRequest)
	if code := errorCode(t, w); code != "invalid_order" {
		t.Errorf("past expiry: expected invalid_order, got %s", code)
	}

	req.Expiry = 1 << 63
	w = doJSON(t, router, "POST", "/api/v1/orders", req, http.StatusBadRequest)
	if code := errorCode(t, w); code != "invalid_request" {
		t.Errorf("huge expiry: expected invalid_request, got %s", code)
	}
}

func TestSubmitOrder_MalformedBody(t *testing.T) {
	_, router := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSubmitOrder_Paused(t *testing.T) {
	_, router := newTestEnv(t)
	doJSON(t, router, "POST", "/api/v1/governance/pause", trade.RequesterRequest{Requester: "op"}, http.StatusOK)

	w := doJSON(t, router, "POST", "/api/v1/orders", buy("buyer", 10, 60), http.StatusServiceUnavailable)
	if code := errorCode(t, w); code != "market_paused" {
		t.Errorf("expected market_paused, got %s", code)
	}

	doJSON(t, router, "POST", "/api/v1/governance/unpause", trade.RequesterRequest{Requester: "op"}, http.StatusOK)
	doJSON(t, router, "POST", "/api/v1/orders", buy("buyer", 10, 60), http.StatusCreated)
}

func TestCancelOrder(t *testing.T) {
	_, router := newTestEnv(t)
	w := doJSON(t, router, "POST", "/api/v1/orders", buy("buyer", 10, 60), http.StatusCreated)
	var res engine.SubmitResult
	json.Unmarshal(w.Body.Bytes(), &res)
	path := "/api/v1/orders/" + res.Order.ID + "/cancel"

	w = doJSON(t, router, "POST", path, trade.RequesterRequest{Requester: "seller"}, http.StatusForbidden)
	if code := errorCode(t, w); code != "not_owner" {
		t.Errorf("expected not_owner, got %s", code)
	}

	w = doJSON(t, router, "POST", path, trade.RequesterRequest{Requester: "buyer"}, http.StatusOK)
	var cancelled trade.CancelResponse
	json.Unmarshal(w.Body.Bytes(), &cancelled)
	if !cancelled.Released || cancelled.Order.Status != model.OrderCancelled {
		t.Errorf("unexpected cancel response %+v", cancelled)
	}

	w = doJSON(t, router, "POST", path, trade.RequesterRequest{Requester: "buyer"}, http.StatusConflict)
	if code := errorCode(t, w); code != "already_terminal" {
		t.Errorf("expected already_terminal, got %s", code)
	}

	w = doJSON(t, router, "GET", "/api/v1/orders/"+res.Order.ID, nil, http.StatusOK)
	var o model.Order
	json.Unmarshal(w.Body.Bytes(), &o)
	if o.Status != model.OrderCancelled {
		t.Errorf("expected Cancelled, got %s", o.Status)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	w := doJSON(t, router, "GET", "/api/v1/orders/missing", nil, http.StatusNotFound)
	if code := errorCode(t, w); code != "not_found" {
		t.Errorf("expected not_found, got %s", code)
	}
}

func TestGetOrderBook(t *testing.T) {
	_, router := newTestEnv(t)
	doJSON(t, router, "POST", "/api/v1/orders", sell(5, 55), http.StatusCreated)
	doJSON(t, router, "POST", "/api/v1/orders", sell(5, 50), http.StatusCreated)

	w := doJSON(t, router, "GET", "/api/v1/orderbook?energy_type=Solar&side=Sell", nil, http.StatusOK)
	var orders []model.Order
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 2 || orders[0].LimitPrice != 50 || orders[1].LimitPrice != 55 {
		t.Fatalf("expected asks 50 then 55, got %+v", orders)
	}

	w = doJSON(t, router, "GET", "/api/v1/orderbook?energy_type=Solar&side=Sell&limit=1", nil, http.StatusOK)
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 1 {
		t.Errorf("expected 1 order with limit, got %d", len(orders))
	}

	w = doJSON(t, router, "GET", "/api/v1/orderbook?energy_type=Wind&side=Buy", nil, http.StatusOK)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", w.Body.String())
	}

	doJSON(t, router, "GET", "/api/v1/orderbook?energy_type=Nuclear&side=Buy", nil, http.StatusBadRequest)
	doJSON(t, router, "GET", "/api/v1/orderbook?energy_type=Solar&side=Both", nil, http.StatusBadRequest)
	doJSON(t, router, "GET", "/api/v1/orderbook?energy_type=Solar&side=Buy&limit=0", nil, http.StatusBadRequest)
}

// --- Clearing, accounts and governance ---

func TestTriggerClearing(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/clearing", trade.RequesterRequest{Requester: "buyer"}, http.StatusForbidden)
	if code := errorCode(t, w); code != "unauthorized" {
		t.Errorf("expected unauthorized, got %s", code)
	}

	w = doJSON(t, router, "POST", "/api/v1/clearing", trade.RequesterRequest{Requester: "op"}, http.StatusOK)
	var resp trade.ClearingResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TradesExecuted != 0 {
		t.Errorf("expected no trades on an empty book, got %d", resp.TradesExecuted)
	}
}

func TestListTrades_RequiresParticipant(t *testing.T) {
	_, router := newTestEnv(t)
	doJSON(t, router, "GET", "/api/v1/trades", nil, http.StatusBadRequest)

	w := doJSON(t, router, "GET", "/api/v1/trades?participant=buyer", nil, http.StatusOK)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", w.Body.String())
	}
}

func TestMint_RequiresOperator(t *testing.T) {
	_, router := newTestEnv(t)
	w := doJSON(t, router, "POST", "/api/v1/accounts/buyer/mint",
		trade.MintRequest{Requester: "buyer", Kind: model.TokenCurrency, Amount: 1}, http.StatusForbidden)
	if code := errorCode(t, w); code != "unauthorized" {
		t.Errorf("expected unauthorized, got %s", code)
	}
}

func TestRegisterParticipant_Duplicate(t *testing.T) {
	_, router := newTestEnv(t)
	w := doJSON(t, router, "POST", "/api/v1/participants",
		trade.RegisterParticipantRequest{ID: "buyer", Role: model.RoleConsumer}, http.StatusConflict)
	if code := errorCode(t, w); code != "already_exists" {
		t.Errorf("expected already_exists, got %s", code)
	}
}

func TestSetParticipantStatus_BlocksTrading(t *testing.T) {
	_, router := newTestEnv(t)
	doJSON(t, router, "POST", "/api/v1/participants/buyer/status",
		trade.StatusRequest{Requester: "op", Status: model.StatusSuspended}, http.StatusOK)

	w := doJSON(t, router, "POST", "/api/v1/orders", buy("buyer", 1, 1), http.StatusForbidden)
	if code := errorCode(t, w); code != "participant_inactive" {
		t.Errorf("expected participant_inactive, got %s", code)
	}
}

func TestIngestReading_Stale(t *testing.T) {
	_, router := newTestEnv(t)
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	doJSON(t, router, "POST", "/api/v1/meters/m-1/readings",
		trade.ReadingRequest{EnergyGenerated: 40, Timestamp: at, RECEligible: true}, http.StatusOK)
	w := doJSON(t, router, "POST", "/api/v1/meters/m-1/readings",
		trade.ReadingRequest{EnergyGenerated: 5, Timestamp: at}, http.StatusConflict)
	if code := errorCode(t, w); code != "stale_reading" {
		t.Errorf("expected stale_reading, got %s", code)
	}

	w = doJSON(t, router, "GET", "/api/v1/meters/m-1", nil, http.StatusOK)
	var m model.Meter
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.TotalGenerated != 40 || !m.RECEligible {
		t.Errorf("unexpected meter %+v", m)
	}
}

func TestGovernance_Maintenance(t *testing.T) {
	_, router := newTestEnv(t)
	doJSON(t, router, "POST", "/api/v1/governance/maintenance",
		trade.ToggleRequest{Requester: "buyer", Enabled: true}, http.StatusForbidden)

	w := doJSON(t, router, "POST", "/api/v1/governance/maintenance",
		trade.ToggleRequest{Requester: "op", Enabled: true}, http.StatusOK)
	var stats governance.Stats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if !stats.Maintenance || stats.Paused {
		t.Errorf("unexpected stats %+v", stats)
	}

	w = doJSON(t, router, "POST", "/api/v1/certificates/signatures", trade.SignatureRequest{Token: "x.y.z"}, http.StatusServiceUnavailable)
	if code := errorCode(t, w); code != "maintenance" {
		t.Errorf("expected maintenance, got %s", code)
	}
}

func TestGovernance_ValidationAndLimits(t *testing.T) {
	eng, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/governance/validation",
		trade.ToggleRequest{Requester: "buyer", Enabled: true}, http.StatusForbidden)
	if code := errorCode(t, w); code != "unauthorized" {
		t.Errorf("expected unauthorized, got %s", code)
	}
	w = doJSON(t, router, "POST", "/api/v1/governance/limits",
		trade.LimitsRequest{Requester: "buyer", MinEnergy: 10, MaxEnergy: 1_000, ValiditySeconds: 3600}, http.StatusForbidden)
	if code := errorCode(t, w); code != "unauthorized" {
		t.Errorf("expected unauthorized, got %s", code)
	}

	invalid := []trade.LimitsRequest{
		{Requester: "op", MinEnergy: 0, MaxEnergy: 1_000, ValiditySeconds: 3600},
		{Requester: "op", MinEnergy: 10, MaxEnergy: 10, ValiditySeconds: 3600},
		{Requester: "op", MinEnergy: 10, MaxEnergy: 1_000, ValiditySeconds: 0},
		{Requester: "op", MinEnergy: 10, MaxEnergy: 1_000, ValiditySeconds: 1 << 62},
	}
	for _, req := range invalid {
		w = doJSON(t, router, "POST", "/api/v1/governance/limits", req, http.StatusBadRequest)
		if code := errorCode(t, w); code != "invalid_request" {
			t.Errorf("%+v: expected invalid_request, got %s", req, code)
		}
	}

	doJSON(t, router, "POST", "/api/v1/governance/validation",
		trade.ToggleRequest{Requester: "op", Enabled: true}, http.StatusOK)
	w = doJSON(t, router, "POST", "/api/v1/governance/limits",
		trade.LimitsRequest{Requester: "op", MinEnergy: 10, MaxEnergy: 1_000, ValiditySeconds: 3600}, http.StatusOK)
	var stats governance.Stats
	json.Unmarshal(w.Body.Bytes(), &stats)
	want := governance.CertificateLimits{
		ValidationEnabled: true,
		MinEnergy:         10,
		MaxEnergy:         1_000,
		Validity:          time.Hour,
		OffsetPPM:         430_000,
	}
	if stats.Limits != want {
		t.Errorf("limits = %+v, want %+v", stats.Limits, want)
	}
	if got := eng.Governance().Limits(); got != want {
		t.Errorf("engine limits = %+v, want %+v", got, want)
	}
}

func TestGetCertificate_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	doJSON(t, router, "GET", "/api/v1/certificates/missing", nil, http.StatusNotFound)
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		amount uint64
		want   string
	}{
		{0, "0"},
		{1, "0.000001"},
		{1_500_000, "1.5"},
		{18_446_744_073_709_551_615, "18446744073709.551615"},
	}
	for _, tt := range tests {
		if got := trade.Display(tt.amount).String(); got != tt.want {
			t.Errorf("Display(%d) = %s, want %s", tt.amount, got, tt.want)
		}
	}
}

// --- WebSocket ---

func TestWSHub_StreamsEvents(t *testing.T) {
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.Clients())
	}

	env, err := events.Build(events.TradeSettled, "trade-1", map[string]string{"id": "trade-1"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := hub.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventID != env.EventID || got.EventType != events.TradeSettled {
		t.Errorf("unexpected envelope %+v", got)
	}
}
