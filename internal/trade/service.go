// Package trade exposes the engine over HTTP: participant and meter
// registration, token minting, order entry, book queries, clearing,
// certificates and governance.
//
// Amounts travel as integers in base units. Balance responses also carry a
// decimal rendering for display.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gridtokenx/trading-engine/internal/account"
	"github.com/gridtokenx/trading-engine/internal/certificate"
	"github.com/gridtokenx/trading-engine/internal/clearing"
	"github.com/gridtokenx/trading-engine/internal/engine"
	"github.com/gridtokenx/trading-engine/internal/governance"
	"github.com/gridtokenx/trading-engine/internal/matching"
	"github.com/gridtokenx/trading-engine/internal/model"
	"github.com/gridtokenx/trading-engine/internal/orderbook"
	"github.com/gridtokenx/trading-engine/internal/registry"
	"github.com/gridtokenx/trading-engine/internal/store"
)

// DisplayExponent is the decimal exponent of one base unit: amounts are
// stored in micro-units.
const DisplayExponent = -6

// defaultBookDepth is used when a book query has no limit.
const defaultBookDepth = 50

// Service serves the HTTP API.
type Service struct {
	eng       *engine.Engine
	scheduler *clearing.Scheduler
	hub       *WSHub
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// streaming is not needed.
func NewService(eng *engine.Engine, scheduler *clearing.Scheduler, hub *WSHub) *Service {
	return &Service{eng: eng, scheduler: scheduler, hub: hub}
}

// Routes registers every endpoint on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/participants", s.RegisterParticipant)
	r.Get("/participants/{participantID}", s.GetParticipant)
	r.Post("/participants/{participantID}/status", s.SetParticipantStatus)

	r.Post("/accounts/{participantID}/mint", s.Mint)
	r.Get("/accounts/{participantID}/balances", s.GetBalances)

	r.Post("/meters", s.RegisterMeter)
	r.Get("/meters/{meterID}", s.GetMeter)
	r.Post("/meters/{meterID}/readings", s.IngestReading)

	r.Post("/orders", s.SubmitOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)
	r.Get("/orderbook", s.GetOrderBook)

	r.Post("/clearing", s.TriggerClearing)
	r.Get("/trades", s.ListTrades)
	r.Get("/trades/{tradeID}", s.GetTrade)

	r.Get("/certificates/{certificateID}", s.GetCertificate)
	r.Post("/certificates/signatures", s.ApplySignature)
	r.Post("/certificates/{certificateID}/traded", s.MarkTraded)

	r.Post("/governance/pause", s.Pause)
	r.Post("/governance/unpause", s.Unpause)
	r.Post("/governance/maintenance", s.SetMaintenance)
	r.Post("/governance/validation", s.SetValidation)
	r.Post("/governance/limits", s.SetLimits)
	r.Get("/governance/stats", s.GetStats)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request/Response types ---

// RegisterParticipantRequest is the JSON body for POST /participants.
type RegisterParticipantRequest struct {
	ID   model.ParticipantID `json:"id"`
	Role model.Role          `json:"role"`
}

// StatusRequest is the JSON body for POST /participants/{id}/status.
type StatusRequest struct {
	Requester model.ParticipantID     `json:"requester"`
	Status    model.ParticipantStatus `json:"status"`
}

// RegisterMeterRequest is the JSON body for POST /meters.
type RegisterMeterRequest struct {
	ID       string              `json:"id"`
	Owner    model.ParticipantID `json:"owner"`
	Type     model.MeterType     `json:"type"`
	Capacity uint64              `json:"capacity"`
}

// ReadingRequest is the JSON body for POST /meters/{id}/readings.
type ReadingRequest struct {
	EnergyGenerated uint64    `json:"energy_generated"`
	EnergyConsumed  uint64    `json:"energy_consumed"`
	Timestamp       time.Time `json:"timestamp"`
	RECEligible     bool      `json:"rec_eligible"`
}

// OrderRequest is the JSON body for POST /orders. Expiry is a unix time in
// seconds; zero applies the default time-to-live.
type OrderRequest struct {
	Owner      model.ParticipantID `json:"owner"`
	Side       model.Side          `json:"side"`
	EnergyType model.EnergyType    `json:"energy_type"`
	MeterID    string              `json:"meter_id,omitempty"`
	Quantity   uint64              `json:"quantity"`
	LimitPrice uint64              `json:"limit_price"`
	Expiry     uint64              `json:"expiry"`
}

// MintRequest is the JSON body for POST /accounts/{id}/mint.
type MintRequest struct {
	Requester model.ParticipantID `json:"requester"`
	Kind      model.TokenKind     `json:"kind"`
	Amount    uint64              `json:"amount"`
}

// BalanceView is a balance with its display rendering.
type BalanceView struct {
	model.Balance
	AvailableDisplay decimal.Decimal `json:"available_display"`
	HeldDisplay      decimal.Decimal `json:"held_display"`
}

// RequesterRequest carries only the acting participant.
type RequesterRequest struct {
	Requester model.ParticipantID `json:"requester"`
}

// CancelResponse is the JSON body returned from POST /orders/{id}/cancel.
type CancelResponse struct {
	Released bool        `json:"released"`
	Order    model.Order `json:"order"`
}

// ClearingResponse is the JSON body returned from POST /clearing.
type ClearingResponse struct {
	TradesExecuted int `json:"trades_executed"`
}

// SignatureRequest is the JSON body for POST /certificates/signatures.
type SignatureRequest struct {
	Token string `json:"token"`
}

// ToggleRequest is the JSON body for POST /governance/maintenance and
// POST /governance/validation.
type ToggleRequest struct {
	Requester model.ParticipantID `json:"requester"`
	Enabled   bool                `json:"enabled"`
}

// LimitsRequest is the JSON body for POST /governance/limits. The validity
// period is in seconds.
type LimitsRequest struct {
	Requester       model.ParticipantID `json:"requester"`
	MinEnergy       uint64              `json:"min_energy"`
	MaxEnergy       uint64              `json:"max_energy"`
	ValiditySeconds int64               `json:"validity_seconds"`
}

// --- Participants and meters ---

// RegisterParticipant handles POST /api/v1/participants
func (s *Service) RegisterParticipant(w http.ResponseWriter, r *http.Request) {
	var req RegisterParticipantRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.eng.Registry().RegisterParticipant(r.Context(), req.ID, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetParticipant handles GET /api/v1/participants/{participantID}
func (s *Service) GetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.Registry().Participant(participantParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SetParticipantStatus handles POST /api/v1/participants/{participantID}/status
func (s *Service) SetParticipantStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.eng.Registry().SetParticipantStatus(r.Context(), req.Requester, participantParam(r), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("participant status changed", "participant", p.ID, "status", p.Status, "operator", req.Requester)
	writeJSON(w, http.StatusOK, p)
}

// RegisterMeter handles POST /api/v1/meters
func (s *Service) RegisterMeter(w http.ResponseWriter, r *http.Request) {
	var req RegisterMeterRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.Registry().RegisterMeter(r.Context(), req.ID, req.Owner, req.Type, req.Capacity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMeter handles GET /api/v1/meters/{meterID}
func (s *Service) GetMeter(w http.ResponseWriter, r *http.Request) {
	m, err := s.eng.Registry().Meter(chi.URLParam(r, "meterID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// IngestReading handles POST /api/v1/meters/{meterID}/readings
func (s *Service) IngestReading(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.Registry().IngestReading(r.Context(), registry.Reading{
		MeterID:         chi.URLParam(r, "meterID"),
		EnergyGenerated: req.EnergyGenerated,
		EnergyConsumed:  req.EnergyConsumed,
		Timestamp:       req.Timestamp,
		RECEligible:     req.RECEligible,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Accounts ---

// Mint handles POST /api/v1/accounts/{participantID}/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := s.eng.Mint(r.Context(), req.Requester, participantParam(r), req.Kind, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(b))
}

// GetBalances handles GET /api/v1/accounts/{participantID}/balances
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	p := participantParam(r)
	if _, err := s.eng.Registry().Participant(p); err != nil {
		writeError(w, err)
		return
	}
	balances := s.eng.Balances(p)
	views := make([]BalanceView, 0, len(balances))
	for _, b := range balances {
		views = append(views, view(b))
	}
	writeJSON(w, http.StatusOK, views)
}

func view(b model.Balance) BalanceView {
	return BalanceView{
		Balance:          b,
		AvailableDisplay: Display(b.Available),
		HeldDisplay:      Display(b.Held),
	}
}

// Display renders a base-unit amount as a decimal.
func Display(amount uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), DisplayExponent)
}

// --- Orders ---

// SubmitOrder handles POST /api/v1/orders
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Expiry > math.MaxInt64 {
		writeMessage(w, "expiry out of range", "invalid_request", http.StatusBadRequest)
		return
	}
	order := orderbook.Request{
		Owner:      req.Owner,
		Side:       req.Side,
		EnergyType: req.EnergyType,
		MeterID:    req.MeterID,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	}
	if req.Expiry > 0 {
		order.ExpiresAt = time.Unix(int64(req.Expiry), 0).UTC()
	}
	res, err := s.eng.SubmitOrder(r.Context(), order)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Trades == nil {
		res.Trades = []model.Trade{}
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.eng.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req RequesterRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.eng.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), req.Requester)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Released: true, Order: o})
}

// GetOrderBook handles GET /api/v1/orderbook?energy_type=Solar&side=Buy&limit=N
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	var et model.EnergyType
	if err := et.UnmarshalText([]byte(r.URL.Query().Get("energy_type"))); err != nil {
		writeMessage(w, "unknown energy type", "invalid_request", http.StatusBadRequest)
		return
	}
	var side model.Side
	if err := side.UnmarshalText([]byte(r.URL.Query().Get("side"))); err != nil {
		writeMessage(w, "side must be Buy or Sell", "invalid_request", http.StatusBadRequest)
		return
	}
	limit := defaultBookDepth
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeMessage(w, "limit must be a positive integer", "invalid_request", http.StatusBadRequest)
			return
		}
		limit = n
	}
	orders, err := s.eng.QueryOrderBook(r.Context(), et, side, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Clearing and trades ---

// TriggerClearing handles POST /api/v1/clearing. Grid operators only.
func (s *Service) TriggerClearing(w http.ResponseWriter, r *http.Request) {
	var req RequesterRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.eng.Registry().RequireRole(req.Requester, model.RoleGridOperator); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.scheduler.Trigger(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearingResponse{TradesExecuted: n})
}

// ListTrades handles GET /api/v1/trades?participant=ID
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	p := model.ParticipantID(r.URL.Query().Get("participant"))
	if p == "" {
		writeMessage(w, "participant query parameter required", "invalid_request", http.StatusBadRequest)
		return
	}
	trades, err := s.eng.Trades(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.eng.Trade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Certificates ---

// GetCertificate handles GET /api/v1/certificates/{certificateID}
func (s *Service) GetCertificate(w http.ResponseWriter, r *http.Request) {
	c, err := s.eng.Certificates().Get(chi.URLParam(r, "certificateID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ApplySignature handles POST /api/v1/certificates/signatures
func (s *Service) ApplySignature(w http.ResponseWriter, r *http.Request) {
	var req SignatureRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.eng.Certificates().ApplySignature(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// MarkTraded handles POST /api/v1/certificates/{certificateID}/traded
func (s *Service) MarkTraded(w http.ResponseWriter, r *http.Request) {
	var req RequesterRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.eng.Certificates().MarkTraded(r.Context(), chi.URLParam(r, "certificateID"), req.Requester)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Governance ---

// Pause handles POST /api/v1/governance/pause
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) { s.setPaused(w, r, true) }

// Unpause handles POST /api/v1/governance/unpause
func (s *Service) Unpause(w http.ResponseWriter, r *http.Request) { s.setPaused(w, r, false) }

func (s *Service) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	var req RequesterRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.eng.Governance().SetPaused(r.Context(), req.Requester, paused); err != nil {
		writeError(w, err)
		return
	}
	slog.Warn("market pause changed", "paused", paused, "operator", req.Requester)
	writeJSON(w, http.StatusOK, s.eng.Governance().Stats())
}

// SetMaintenance handles POST /api/v1/governance/maintenance
func (s *Service) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.eng.Governance().SetMaintenance(r.Context(), req.Requester, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	slog.Warn("maintenance mode changed", "enabled", req.Enabled, "operator", req.Requester)
	writeJSON(w, http.StatusOK, s.eng.Governance().Stats())
}

// SetValidation handles POST /api/v1/governance/validation
func (s *Service) SetValidation(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.eng.Governance().SetValidation(r.Context(), req.Requester, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("certificate validation changed", "enabled", req.Enabled, "operator", req.Requester)
	writeJSON(w, http.StatusOK, s.eng.Governance().Stats())
}

// SetLimits handles POST /api/v1/governance/limits
func (s *Service) SetLimits(w http.ResponseWriter, r *http.Request) {
	var req LimitsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ValiditySeconds > math.MaxInt64/int64(time.Second) {
		writeMessage(w, "validity out of range", "invalid_request", http.StatusBadRequest)
		return
	}
	validity := time.Duration(req.ValiditySeconds) * time.Second
	if err := s.eng.Governance().SetLimits(r.Context(), req.Requester, req.MinEnergy, req.MaxEnergy, validity); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("certificate limits changed",
		"min_energy", req.MinEnergy,
		"max_energy", req.MaxEnergy,
		"validity", validity.String(),
		"operator", req.Requester,
	)
	writeJSON(w, http.StatusOK, s.eng.Governance().Stats())
}

// GetStats handles GET /api/v1/governance/stats
func (s *Service) GetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Governance().Stats())
}

// --- Helpers ---

func participantParam(r *http.Request) model.ParticipantID {
	return model.ParticipantID(chi.URLParam(r, "participantID"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// errorMapping pairs a sentinel error with its response code and status.
// The first match wins.
var errorMapping = []struct {
	err    error
	code   string
	status int
}{
	{account.ErrInvariantViolation, "invariant_violation", http.StatusInternalServerError},
	{matching.ErrSelfTradeNotAllowed, "self_trade_not_allowed", http.StatusConflict},
	{account.ErrInsufficientFunds, "insufficient_funds", http.StatusConflict},
	{orderbook.ErrInvalidOrder, "invalid_order", http.StatusBadRequest},
	{orderbook.ErrOrderNotFound, "not_found", http.StatusNotFound},
	{orderbook.ErrNotOwner, "not_owner", http.StatusForbidden},
	{orderbook.ErrAlreadyTerminal, "already_terminal", http.StatusConflict},
	{governance.ErrMarketPaused, "market_paused", http.StatusServiceUnavailable},
	{governance.ErrMaintenance, "maintenance", http.StatusServiceUnavailable},
	{governance.ErrUnauthorizedAuthority, "unauthorized", http.StatusForbidden},
	{governance.ErrInvalidLimits, "invalid_request", http.StatusBadRequest},
	{clearing.ErrClearingInProgress, "clearing_in_progress", http.StatusConflict},
	{certificate.ErrInvalidSignature, "invalid_signature", http.StatusUnauthorized},
	{certificate.ErrInvalidTransition, "invalid_transition", http.StatusConflict},
	{certificate.ErrExpired, "certificate_expired", http.StatusConflict},
	{certificate.ErrNotOwner, "not_owner", http.StatusForbidden},
	{account.ErrCertificateNotFound, "not_found", http.StatusNotFound},
	{account.ErrReservationNotFound, "not_found", http.StatusNotFound},
	{account.ErrInvalidTransfer, "invalid_request", http.StatusBadRequest},
	{registry.ErrParticipantNotFound, "not_found", http.StatusNotFound},
	{registry.ErrMeterNotFound, "not_found", http.StatusNotFound},
	{registry.ErrParticipantExists, "already_exists", http.StatusConflict},
	{registry.ErrMeterExists, "already_exists", http.StatusConflict},
	{registry.ErrParticipantInactive, "participant_inactive", http.StatusForbidden},
	{registry.ErrForbidden, "unauthorized", http.StatusForbidden},
	{registry.ErrStaleReading, "stale_reading", http.StatusConflict},
	{registry.ErrInvalid, "invalid_request", http.StatusBadRequest},
	{model.ErrUnknownValue, "invalid_request", http.StatusBadRequest},
	{store.ErrNotFound, "not_found", http.StatusNotFound},
}

// classify returns the response code and HTTP status for err.
func classify(err error) (string, int) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.code, m.status
		}
	}
	return "internal", http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "code", code, "error", err)
		if code == "internal" {
			msg = "internal error"
		}
	}
	writeMessage(w, msg, code, status)
}

func writeMessage(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
