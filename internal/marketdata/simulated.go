package marketdata

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RandomWalk moves the mark price by a Gaussian log-return every tick.
type RandomWalk struct {
	sink       PriceSink
	start      float64
	volatility float64
	interval   time.Duration
	rng        *rand.Rand
	logger     *zap.Logger
}

func NewRandomWalk(sink PriceSink, start, volatility float64, interval time.Duration,
	seed int64, logger *zap.Logger) *RandomWalk {
	if interval <= 0 {
		interval = time.Second
	}
	return &RandomWalk{
		sink:       sink,
		start:      start,
		volatility: volatility,
		interval:   interval,
		rng:        rand.New(rand.NewSource(seed)),
		logger:     logger,
	}
}

// Next returns the price one step after p. Non-positive inputs restart from the start price.
func (w *RandomWalk) Next(p float64) float64 {
	if p <= 0 {
		p = w.start
	}
	return p * math.Exp(w.volatility*w.rng.NormFloat64())
}

// Run publishes a new price every interval until ctx is cancelled.
func (w *RandomWalk) Run(ctx context.Context, current func() float64) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("simulated price feed started",
		zap.Float64("start", w.start), zap.Float64("volatility", w.volatility), zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p := w.Next(current()); p > 0 {
				w.sink.SetPrice(p)
			}
		}
	}
}
