// Package clearing runs market clearing passes, either on demand or on a
// fixed interval. At most one pass runs at a time.
package clearing

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gridtokenx/trading-engine/internal/governance"
	"github.com/gridtokenx/trading-engine/internal/metrics"
)

// ErrClearingInProgress is returned by Trigger while another pass runs.
var ErrClearingInProgress = errors.New("clearing: run already in progress")

// State is the scheduler state.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "Running"
	}
	return "Idle"
}

// Clearer matches crossing resting orders, settling at most budget trades,
// and returns the number of trades executed.
type Clearer interface {
	Clear(ctx context.Context, budget int) (int, error)
}

// Scheduler serialises clearing passes.
type Scheduler struct {
	clearer  Clearer
	interval time.Duration
	batch    int
	state    atomic.Int32
}

// New creates a scheduler that clears up to batch trades per pass.
func New(clearer Clearer, interval time.Duration, batch int) *Scheduler {
	return &Scheduler{clearer: clearer, interval: interval, batch: batch}
}

// State returns the current state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Trigger runs one clearing pass and returns the trades executed. It fails
// with ErrClearingInProgress instead of waiting for a running pass.
func (s *Scheduler) Trigger(ctx context.Context) (int, error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		metrics.ClearingRuns.WithLabelValues("busy").Inc()
		return 0, ErrClearingInProgress
	}
	defer s.state.Store(int32(Idle))

	start := time.Now()
	n, err := s.clearer.Clear(ctx, s.batch)
	elapsed := time.Since(start)
	metrics.ClearingDuration.Observe(elapsed.Seconds())

	switch {
	case err == nil:
		metrics.ClearingRuns.WithLabelValues("ok").Inc()
		if n > 0 {
			slog.Info("clearing pass", "trades", n, "duration", elapsed)
		}
	case errors.Is(err, governance.ErrMarketPaused):
		metrics.ClearingRuns.WithLabelValues("paused").Inc()
	default:
		metrics.ClearingRuns.WithLabelValues("error").Inc()
	}
	return n, err
}

// Run triggers a pass every interval until ctx is done. A zero interval
// disables the loop.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.Trigger(ctx)
			switch {
			case err == nil, errors.Is(err, ErrClearingInProgress), errors.Is(err, governance.ErrMarketPaused):
			case errors.Is(err, context.Canceled):
				return
			default:
				slog.Warn("scheduled clearing failed", "error", err)
			}
		}
	}
}
