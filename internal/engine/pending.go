package engine

import (
	"sync"

	"simtrader/internal/order"
)

// PendingOrder is an accepted order waiting for its simulated fill.
type PendingOrder struct {
	Request       order.Request `json:"request"`
	VenueOrderID  string        `json:"venue_order_id"`
	AcceptTsNs    int64         `json:"accept_ts_ns"`
	DueFillTsNs   int64         `json:"due_fill_ts_ns"`
	ReservedValue float64       `json:"reserved_value"` // quote notional for BUY, base qty for SELL
}

// PendingBook holds accepted-but-unsettled orders keyed by client order id.
// Its lock is independent of the Ledger's and is never held while calling out.
//
// A key may also be claimed: held by a placement that is still reserving funds.
// Claimed keys count as present for duplicate checks but are invisible to
// Remove and DrainDue.
type PendingBook struct {
	mu     sync.Mutex
	orders map[string]*PendingOrder // nil value marks a claim
}

func NewPendingBook() *PendingBook {
	return &PendingBook{
		orders: make(map[string]*PendingOrder),
	}
}

// Contains reports whether id is pending or claimed.
func (b *PendingBook) Contains(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.orders[id]
	return ok
}

// Claim atomically checks that id is free and holds it. It returns false when
// id is already pending or claimed.
func (b *PendingBook) Claim(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[id]; ok {
		return false
	}
	b.orders[id] = nil
	return true
}

// Unclaim drops a claim that did not turn into an order. Live orders are left alone.
func (b *PendingBook) Unclaim(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if po, ok := b.orders[id]; ok && po == nil {
		delete(b.orders, id)
	}
}

// Insert stores po under id, replacing any claim.
func (b *PendingBook) Insert(id string, po PendingOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[id] = &po
}

// Remove takes the pending order out of the book.
func (b *PendingBook) Remove(id string) (PendingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[id]
	if !ok || po == nil {
		return PendingOrder{}, false
	}
	delete(b.orders, id)
	return *po, true
}

// DrainDue removes and returns every order whose due time is at or before nowNs.
func (b *PendingBook) DrainDue(nowNs int64) []PendingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []PendingOrder
	for id, po := range b.orders {
		if po == nil || po.DueFillTsNs > nowNs {
			continue
		}
		due = append(due, *po)
		delete(b.orders, id)
	}
	return due
}

// Len returns the number of live pending orders, claims excluded.
func (b *PendingBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, po := range b.orders {
		if po != nil {
			n++
		}
	}
	return n
}

// Get returns a copy of the pending order for id.
func (b *PendingBook) Get(id string) (PendingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[id]
	if !ok || po == nil {
		return PendingOrder{}, false
	}
	return *po, true
}
