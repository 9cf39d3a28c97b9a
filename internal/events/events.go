// Package events publishes engine notifications after the state change they
// describe is durable. Publishers must not block: they are called from the
// settlement path.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	OrderAccepted            = "order.accepted"
	OrderCancelled           = "order.cancelled"
	OrderExpired             = "order.expired"
	TradeSettled             = "trade.settled"
	SettlementFailed         = "settlement.failed"
	CertificateCreated       = "certificate.created"
	CertificateStatusChanged = "certificate.status_changed"
	GovernanceUpdated        = "governance.updated"
)

// Envelope wraps an event payload with metadata.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Build constructs an envelope. The correlation id defaults to the event id.
func Build(eventType, correlationID string, payload any, at time.Time) (Envelope, error) {
	if payload == nil {
		return Envelope{}, errors.New("events: nil payload")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = id
	}
	if at.IsZero() {
		at = time.Now()
	}
	return Envelope{
		EventID:       id,
		EventType:     eventType,
		OccurredAt:    at.UTC(),
		CorrelationID: correlationID,
		SchemaVersion: 1,
		Payload:       data,
	}, nil
}

// Publisher delivers envelopes to an external collaborator.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Emit builds and publishes an event. Failures are logged, not returned: the
// state change the event describes is already committed.
func Emit(ctx context.Context, pub Publisher, eventType, correlationID string, payload any, at time.Time) {
	if pub == nil {
		return
	}
	env, err := Build(eventType, correlationID, payload, at)
	if err != nil {
		slog.Error("build event", "event_type", eventType, "error", err)
		return
	}
	if err := pub.Publish(ctx, env); err != nil {
		slog.Warn("publish event", "event_type", eventType, "event_id", env.EventID, "error", err)
	}
}

// SettlementFailure is the payload of a settlement.failed event.
type SettlementFailure struct {
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Quantity    uint64 `json:"quantity"`
	Price       uint64 `json:"price"`
	Reason      string `json:"reason"`
}

// Multi fans an envelope out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes every envelope to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, env Envelope) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event",
		"event_type", env.EventType,
		"event_id", env.EventID,
		"correlation_id", env.CorrelationID,
		"payload", string(env.Payload),
	)
	return nil
}

// MemoryPublisher records envelopes in memory. Used for testing.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Envelope
}

func (p *MemoryPublisher) Publish(_ context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
	return nil
}

// Events returns the recorded envelopes, optionally filtered by type.
func (p *MemoryPublisher) Events(eventType string) []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Envelope
	for _, e := range p.events {
		if eventType == "" || e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
