package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Envelope) error { return errors.New("down") }

func TestBuild(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	env, err := Build(TradeSettled, "", map[string]int{"quantity": 60}, at)
	if err != nil {
		t.Fatal(err)
	}
	if env.EventID == "" || env.CorrelationID != env.EventID {
		t.Fatalf("correlation id should default to event id: %+v", env)
	}
	if env.OccurredAt.Location() != time.UTC {
		t.Fatalf("occurred_at not UTC: %v", env.OccurredAt)
	}
	var payload map[string]int
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload["quantity"] != 60 {
		t.Fatalf("payload = %s", env.Payload)
	}

	if _, err := Build(TradeSettled, "", nil, at); err == nil {
		t.Fatal("nil payload should fail")
	}
}

func TestMultiPublishesToAll(t *testing.T) {
	a, b := &MemoryPublisher{}, &MemoryPublisher{}
	m := Multi{a, failingPublisher{}, b}

	env, _ := Build(OrderAccepted, "o1", struct{}{}, time.Now())
	if err := m.Publish(context.Background(), env); err == nil {
		t.Fatal("expected joined error from failing publisher")
	}
	if len(a.Events("")) != 1 || len(b.Events(OrderAccepted)) != 1 {
		t.Fatal("every publisher should receive the event")
	}
	if len(a.Events(OrderCancelled)) != 0 {
		t.Fatal("filter by type")
	}
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	// Must not panic or block.
	Emit(context.Background(), failingPublisher{}, OrderExpired, "o1", struct{}{}, time.Now())
	Emit(context.Background(), nil, OrderExpired, "o1", struct{}{}, time.Now())
}
