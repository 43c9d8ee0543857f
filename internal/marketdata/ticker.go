// Package marketdata keeps the engine's mark price current, either from a
// Bybit ticker stream or from a simulated random walk.
package marketdata

import (
	"strings"

	"simtrader/pkg/bybit"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// PriceSink receives mark price ticks.
type PriceSink interface {
	SetPrice(p float64)
}

// MakeTickerHandler returns a WebSocket message handler that parses ticker
// pushes for symbol and forwards the last price to sink.
func MakeTickerHandler(logger *zap.Logger, symbol string, sink PriceSink) func(msg []byte) {
	topic := bybit.TickerTopic(symbol)
	return func(msg []byte) {
		// Extract topic first; subscription acks and pongs carry none.
		var meta struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(msg, &meta); err != nil {
			logger.Warn("failed to extract topic", zap.Error(err))
			return
		}
		if !isTickerTopic(meta.Topic) || meta.Topic != topic {
			return
		}

		var parsed bybit.TickerMessage
		if err := json.Unmarshal(msg, &parsed); err != nil {
			logger.Warn("failed to parse ticker payload", zap.Error(err))
			return
		}
		// Deltas without a lastPrice change leave the mark untouched.
		if parsed.Data.LastPrice == "" {
			return
		}
		price, err := bybit.ParsePrice(parsed.Data.LastPrice)
		if err != nil {
			logger.Warn("invalid ticker price", zap.String("topic", parsed.Topic), zap.Error(err))
			return
		}
		sink.SetPrice(price)
	}
}

func isTickerTopic(topic string) bool {
	return strings.HasPrefix(topic, "tickers.")
}
