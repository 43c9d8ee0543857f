package engine

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"simtrader/internal/order"
)

// Epsilon is the floating tolerance applied to balance comparisons.
const Epsilon = 1e-12

// ErrInsufficientFunds is returned by Reserve when the free balance cannot cover the order.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Balance is one asset row of the ledger.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Ledger holds free/locked balances for a quote and a base asset plus the
// current mark price. Balances move only through Reserve, Release and Settle.
type Ledger struct {
	quote string
	base  string

	mu       sync.Mutex
	balances map[string]*Balance

	price atomic.Uint64 // math.Float64bits of the mark price
}

// NewLedger seeds the quote and base rows.
func NewLedger(quote, base string, quoteFree, baseFree float64) *Ledger {
	l := &Ledger{
		quote: quote,
		base:  base,
		balances: map[string]*Balance{
			quote: {Asset: quote, Free: quoteFree},
			base:  {Asset: base, Free: baseFree},
		},
	}
	return l
}

// QuoteAsset is the asset prices are quoted in, e.g. USDT.
func (l *Ledger) QuoteAsset() string { return l.quote }

// BaseAsset is the traded asset, e.g. BTC.
func (l *Ledger) BaseAsset() string { return l.base }

// Price returns the current mark price.
func (l *Ledger) Price() float64 {
	return math.Float64frombits(l.price.Load())
}

// SetPrice replaces the mark price.
func (l *Ledger) SetPrice(p float64) {
	l.price.Store(math.Float64bits(p))
}

// SnapshotBalances returns a copy of every row: quote first, base second,
// then any other asset ordered by name.
func (l *Ledger) SnapshotBalances() []Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Balance, 0, len(l.balances))
	if b, ok := l.balances[l.quote]; ok {
		out = append(out, *b)
	}
	if b, ok := l.balances[l.base]; ok {
		out = append(out, *b)
	}

	var others []string
	for asset := range l.balances {
		if asset != l.quote && asset != l.base {
			others = append(others, asset)
		}
	}
	sort.Strings(others)
	for _, asset := range others {
		out = append(out, *l.balances[asset])
	}
	return out
}

// Reserve moves qty*price of quote (BUY) or qty of base (SELL) from free to locked.
// Nothing changes when the free balance is short.
func (l *Ledger) Reserve(side order.Side, qty, price float64) error {
	asset, amount := l.reservedAsset(side), reservedValue(side, qty, price)

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.row(asset)
	if b.Free < amount-Epsilon {
		return ErrInsufficientFunds
	}
	b.Free -= amount
	b.Locked += amount
	return nil
}

// Release returns a reservation from locked to free.
func (l *Ledger) Release(side order.Side, reservedValue float64) {
	asset := l.reservedAsset(side)

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.row(asset)
	b.Locked -= reservedValue
	b.Free += reservedValue
}

// Settle consumes a reservation for an executed order. A buy that fills below
// its reservation price gets the difference refunded to free quote.
func (l *Ledger) Settle(side order.Side, qty, reservedValue, fillPrice float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	quote := l.row(l.quote)
	base := l.row(l.base)

	switch side {
	case order.Buy:
		quote.Locked -= reservedValue
		base.Free += qty
		quote.Free += math.Max(reservedValue-qty*fillPrice, 0)
	case order.Sell:
		base.Locked -= reservedValue
		quote.Free += qty * fillPrice
	}
}

// Restore replaces the ledger rows with balances. Locked amounts are returned
// to free because the orders that held them are not restored.
func (l *Ledger) Restore(balances []Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[string]*Balance, len(balances)+2)
	for _, b := range balances {
		l.balances[b.Asset] = &Balance{Asset: b.Asset, Free: b.Free + b.Locked}
	}
	l.row(l.quote)
	l.row(l.base)
}

func (l *Ledger) reservedAsset(side order.Side) string {
	if side == order.Buy {
		return l.quote
	}
	return l.base
}

// row returns the balance for asset, creating a zero row if needed. Caller holds mu.
func (l *Ledger) row(asset string) *Balance {
	b, ok := l.balances[asset]
	if !ok {
		b = &Balance{Asset: asset}
		l.balances[asset] = b
	}
	return b
}
