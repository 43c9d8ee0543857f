package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultFillInterval is how often the fill simulator polls for due orders.
const DefaultFillInterval = 20 * time.Millisecond

// Clock returns the current time in Unix nanoseconds.
type Clock func() int64

// WallClock reads time.Now.
func WallClock() int64 { return time.Now().UnixNano() }

// FillSimulator fills every due pending order in full at the current mark price.
type FillSimulator struct {
	state    *EngineState
	interval time.Duration
	clock    Clock
	logger   *zap.Logger
}

func NewFillSimulator(state *EngineState, interval time.Duration, clock Clock, logger *zap.Logger) *FillSimulator {
	if interval <= 0 {
		interval = DefaultFillInterval
	}
	if clock == nil {
		clock = WallClock
	}
	return &FillSimulator{
		state:    state,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (f *FillSimulator) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("fill simulator started", zap.Duration("interval", f.interval))
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("fill simulator stopped")
			return
		case <-ticker.C:
			f.Step(ctx, f.clock())
		}
	}
}

// Step fills every order due at nowNs and returns how many were filled.
// Without a mark price nothing is drained; due orders wait for the first tick.
func (f *FillSimulator) Step(ctx context.Context, nowNs int64) int {
	price := f.state.Price()
	if price <= 0 {
		return 0
	}
	due := f.state.DrainDue(nowNs)
	for _, po := range due {
		f.state.ApplyFill(ctx, po, price, nowNs)
	}
	return len(due)
}
