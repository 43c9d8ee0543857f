package risk

import (
	"sync"

	"simtrader/internal/order"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Rejection reasons.
const (
	ReasonMissingClientOrderID = "missing_client_order_id"
	ReasonInvalidQty           = "invalid_qty"
	ReasonMissingPrice         = "missing_price"
	ReasonInvalidPrice         = "invalid_price"
	ReasonUnknownSymbol        = "unknown_symbol"
	ReasonInvalidSide          = "invalid_side"
	ReasonMaxQty               = "max_qty_exceeded"
	ReasonMaxNotional          = "max_notional_exceeded"
	ReasonRateLimited          = "rate_limited"
)

// Limits defines the per-order risk parameters. Zero values disable a check.
type Limits struct {
	// MaxOrderQty is the largest base quantity a single order may carry.
	MaxOrderQty decimal.Decimal

	// MaxOrderNotional is the largest qty*price a single order may carry,
	// in quote units. Market orders are valued at the reference price.
	MaxOrderNotional decimal.Decimal

	// OrderThrottle is the maximum rate of orders per second.
	OrderThrottle float64

	// AllowedSymbols restricts tradable symbols. Empty allows any symbol.
	AllowedSymbols []string
}

// PriceSource supplies the reference price used to value market orders.
type PriceSource interface {
	Price() float64
}

// Manager enforces risk limits on inbound orders. Check never blocks: an order
// over the throttle is rejected rather than delayed.
type Manager struct {
	limits  Limits
	limiter *rate.Limiter
	prices  PriceSource
	symbols map[string]struct{}

	mu       sync.Mutex
	rejected map[string]int
}

// NewManager creates a new risk manager with the given limits. prices may be nil.
func NewManager(limits Limits, prices PriceSource) *Manager {
	m := &Manager{
		limits:   limits,
		prices:   prices,
		symbols:  make(map[string]struct{}, len(limits.AllowedSymbols)),
		rejected: make(map[string]int),
	}
	if limits.OrderThrottle > 0 {
		burst := int(limits.OrderThrottle)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(limits.OrderThrottle), burst)
	}
	for _, s := range limits.AllowedSymbols {
		m.symbols[s] = struct{}{}
	}
	return m
}

// Check evaluates req against the configured limits.
func (m *Manager) Check(req order.Request) (bool, string) {
	if reason := m.evaluate(req); reason != "" {
		m.mu.Lock()
		m.rejected[reason]++
		m.mu.Unlock()
		return false, reason
	}
	return true, ""
}

// Rejections returns how many orders were rejected per reason.
func (m *Manager) Rejections() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.rejected))
	for k, v := range m.rejected {
		out[k] = v
	}
	return out
}

func (m *Manager) evaluate(req order.Request) string {
	if req.ClientOrderID == "" {
		return ReasonMissingClientOrderID
	}
	if req.Side != order.Buy && req.Side != order.Sell {
		return ReasonInvalidSide
	}
	if req.Qty <= 0 {
		return ReasonInvalidQty
	}
	if len(m.symbols) > 0 {
		if _, ok := m.symbols[req.Symbol]; !ok {
			return ReasonUnknownSymbol
		}
	}

	var price float64
	switch req.Type {
	case order.Market:
		if m.prices != nil {
			price = m.prices.Price()
		}
	default:
		if req.Price == nil {
			return ReasonMissingPrice
		}
		if *req.Price <= 0 {
			return ReasonInvalidPrice
		}
		price = *req.Price
	}

	qty := decimal.NewFromFloat(req.Qty)
	if m.limits.MaxOrderQty.IsPositive() && qty.GreaterThan(m.limits.MaxOrderQty) {
		return ReasonMaxQty
	}
	if m.limits.MaxOrderNotional.IsPositive() && price > 0 {
		notional := qty.Mul(decimal.NewFromFloat(price))
		if notional.GreaterThan(m.limits.MaxOrderNotional) {
			return ReasonMaxNotional
		}
	}

	// Throttle last so malformed orders do not consume tokens.
	if m.limiter != nil && !m.limiter.Allow() {
		return ReasonRateLimited
	}
	return ""
}
