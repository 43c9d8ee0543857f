package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"simtrader/internal/order"
	"simtrader/internal/orderstore"

	"go.uber.org/zap"
)

type allowAll struct{}

func (allowAll) Check(order.Request) (bool, string) { return true, "" }

type rejectAll struct{ reason string }

func (r rejectAll) Check(order.Request) (bool, string) { return false, r.reason }

type rejectSide struct{ side order.Side }

func (r rejectSide) Check(req order.Request) (bool, string) {
	if req.Side == r.side {
		return false, "side_blocked"
	}
	return true, ""
}

func newTestEngine(quote, base float64) (*EngineState, *orderstore.MemoryStore) {
	store := orderstore.NewMemoryStore()
	ledger := NewLedger("USDT", "BTC", quote, base)
	return NewEngineState(ledger, allowAll{}, store, Options{}, zap.NewNop()), store
}

func limit(id string, side order.Side, qty, price float64) order.Request {
	return order.Request{Symbol: "BTCUSDT", Side: side, Type: order.Limit, TIF: order.GTC, Qty: qty, Price: &price, ClientOrderID: id}
}

const ms = int64(time.Millisecond)

// go test -v --run TestPlaceBuyThenFillAtImprovedPrice
func TestPlaceBuyThenFillAtImprovedPrice(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(100000, 0)
	sim := NewFillSimulator(e, 0, nil, zap.NewNop())

	d := e.PlaceOrder(ctx, limit("b1", order.Buy, 1.0, 50000), 1000)
	if !d.Accepted || d.VenueOrderID != "sim-1" || d.Pending == nil {
		t.Fatalf("decision = %+v", d)
	}
	if d.Pending.DueFillTsNs != 1000+300*ms || d.Pending.ReservedValue != 50000 {
		t.Errorf("pending = %+v", d.Pending)
	}

	q := balanceOf(t, e.Ledger(), "USDT")
	if !approx(q.Free, 50000) || !approx(q.Locked, 50000) {
		t.Fatalf("after accept: %+v", q)
	}

	if n := sim.Step(ctx, 1000+299*ms); n != 0 {
		t.Fatalf("filled %d orders before due time", n)
	}

	e.SetPrice(49000)
	if n := sim.Step(ctx, 1000+300*ms); n != 1 {
		t.Fatalf("filled %d orders at due time", n)
	}

	q = balanceOf(t, e.Ledger(), "USDT")
	b := balanceOf(t, e.Ledger(), "BTC")
	if !approx(q.Locked, 0) || !approx(q.Free, 51000) || !approx(b.Free, 1.0) {
		t.Errorf("after fill: quote=%+v base=%+v", q, b)
	}

	st, ok := e.GetOrderState(ctx, "b1")
	if !ok || st.Status != order.StatusFilled || st.AvgFillPrice != 49000 || st.VenueOrderID != "sim-1" {
		t.Errorf("order state = %+v ok=%v", st, ok)
	}
	if got := len(store.EventsFor("b1")); got != 3 {
		t.Errorf("expected params, accepted, fill events; got %d", got)
	}
}

// go test -v --run TestPlaceSellInsufficientFunds
func TestPlaceSellInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(100000, 0.5)
	before := e.SnapshotBalances()

	d := e.PlaceOrder(ctx, limit("s1", order.Sell, 1.0, 50000), 1)
	if d.Accepted || d.Reason != order.ReasonInsufficientFunds {
		t.Fatalf("decision = %+v", d)
	}
	after := e.SnapshotBalances()
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("balance mutated: %+v -> %+v", before[i], after[i])
		}
	}
	if e.PendingCount() != 0 || e.VenueCounter() != 0 {
		t.Error("rejected order left state behind")
	}

	st, ok := e.GetOrderState(ctx, "s1")
	if !ok || st.Status != order.StatusRejected || st.Reason != order.ReasonInsufficientFunds {
		t.Errorf("order state = %+v", st)
	}

	// the id is free again after the failed reservation
	d = e.PlaceOrder(ctx, limit("s1", order.Sell, 0.5, 50000), 2)
	if !d.Accepted {
		t.Errorf("retry with affordable qty rejected: %+v", d)
	}
}

// go test -v --run TestPlaceRiskRejection
func TestPlaceRiskRejection(t *testing.T) {
	ctx := context.Background()
	store := orderstore.NewMemoryStore()
	e := NewEngineState(NewLedger("USDT", "BTC", 1000, 0), rejectAll{"max_qty_exceeded"}, store, Options{}, zap.NewNop())

	d := e.PlaceOrder(ctx, limit("r1", order.Buy, 1, 1), 1)
	if d.Accepted || d.Reason != "max_qty_exceeded" {
		t.Fatalf("decision = %+v", d)
	}

	events := store.EventsFor("r1")
	if len(events) != 2 || events[0].Kind != orderstore.KindParams || events[1].Update.Status != order.StatusRejected {
		t.Errorf("audit trail = %+v", events)
	}
	if e.PendingCount() != 0 {
		t.Error("risk-rejected order reached the pending book")
	}
}

// go test -v --run TestCancelUnknownOrder
func TestCancelUnknownOrder(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(100, 1)
	before := e.SnapshotBalances()

	d := e.CancelOrder(ctx, "nope", 1)
	if d.Found || d.Reason != order.ReasonUnknownOrder || d.Cancelled != nil {
		t.Fatalf("decision = %+v", d)
	}
	after := e.SnapshotBalances()
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("balance mutated: %+v -> %+v", before[i], after[i])
		}
	}

	events := store.EventsFor("nope")
	if len(events) != 1 || events[0].Update.Reason != order.ReasonUnknownOrder {
		t.Errorf("expected one unknown_order rejection, got %+v", events)
	}
}

// go test -v --run TestCancelReleasesReservation
func TestCancelReleasesReservation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(1000, 0)

	e.PlaceOrder(ctx, limit("c1", order.Buy, 2, 100), 1)
	d := e.CancelOrder(ctx, "c1", 2)
	if !d.Found || d.Cancelled == nil || d.Cancelled.ReservedValue != 200 {
		t.Fatalf("decision = %+v", d)
	}

	q := balanceOf(t, e.Ledger(), "USDT")
	if !approx(q.Free, 1000) || !approx(q.Locked, 0) {
		t.Errorf("after cancel: %+v", q)
	}
	st, _ := e.GetOrderState(ctx, "c1")
	if st.Status != order.StatusCancelled {
		t.Errorf("status = %s", st.Status)
	}

	if d := e.CancelOrder(ctx, "c1", 3); d.Found {
		t.Error("second cancel found the order")
	}
}

// go test -v --run TestDuplicateClientOrderID
func TestDuplicateClientOrderID(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(100000, 10)
	sim := NewFillSimulator(e, 0, nil, zap.NewNop())
	e.SetPrice(100)

	if d := e.PlaceOrder(ctx, limit("dup", order.Buy, 1, 100), 0); !d.Accepted {
		t.Fatalf("first placement rejected: %+v", d)
	}
	d := e.PlaceOrder(ctx, limit("dup", order.Buy, 1, 100), 1)
	if d.Accepted || d.Reason != order.ReasonDuplicateID {
		t.Fatalf("second placement = %+v", d)
	}
	if q := balanceOf(t, e.Ledger(), "USDT"); !approx(q.Locked, 100) {
		t.Errorf("duplicate reserved funds: %+v", q)
	}
	st, _ := e.GetOrderState(ctx, "dup")
	if st.Status != order.StatusAccepted {
		t.Errorf("duplicate clobbered live order state: %+v", st)
	}

	// reuse after fill
	sim.Step(ctx, 300*ms)
	if d := e.PlaceOrder(ctx, limit("dup", order.Sell, 1, 100), 400*ms); !d.Accepted {
		t.Fatalf("reuse after fill rejected: %+v", d)
	}

	// reuse after cancel
	e.CancelOrder(ctx, "dup", 500*ms)
	if d := e.PlaceOrder(ctx, limit("dup", order.Buy, 1, 100), 600*ms); !d.Accepted {
		t.Fatalf("reuse after cancel rejected: %+v", d)
	}
}

// go test -v --run TestRejectedResubmissionKeepsLiveOrder
func TestRejectedResubmissionKeepsLiveOrder(t *testing.T) {
	ctx := context.Background()
	store := orderstore.NewMemoryStore()
	e := NewEngineState(NewLedger("USDT", "BTC", 1000, 0), rejectSide{order.Sell}, store, Options{}, zap.NewNop())
	sim := NewFillSimulator(e, 0, nil, zap.NewNop())
	e.SetPrice(100)

	if d := e.PlaceOrder(ctx, limit("x", order.Buy, 1, 100), 0); !d.Accepted {
		t.Fatalf("buy rejected: %+v", d)
	}
	if d := e.PlaceOrder(ctx, limit("x", order.Sell, 3, 200), 1); d.Accepted || d.Reason != "side_blocked" {
		t.Fatalf("sell under live id = %+v", d)
	}
	if n := sim.Step(ctx, 300*ms); n != 1 {
		t.Fatalf("filled %d orders", n)
	}

	st, _ := e.GetOrderState(ctx, "x")
	if st.Status != order.StatusFilled || st.Side != order.Buy || st.Qty != 1 || st.VenueOrderID != "sim-1" {
		t.Errorf("order state = %+v", st)
	}

	events := store.EventsFor("x")
	if len(events) != 5 || events[3].Applied {
		t.Errorf("audit trail = %+v", events)
	}

	// without a live order the same rejection owns the id
	if d := e.PlaceOrder(ctx, limit("x", order.Sell, 3, 200), 400*ms); d.Accepted {
		t.Fatalf("sell accepted: %+v", d)
	}
	if st, _ := e.GetOrderState(ctx, "x"); st.Status != order.StatusRejected || st.Side != order.Sell {
		t.Errorf("order state after owned rejection = %+v", st)
	}
	if e.PendingCount() != 0 {
		t.Error("rejected placement left a claim behind")
	}
}

// go test -v --run TestFillWaitsForMarkPrice
func TestFillWaitsForMarkPrice(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(1000, 0)
	sim := NewFillSimulator(e, 0, nil, zap.NewNop())

	if d := e.PlaceOrder(ctx, limit("w", order.Buy, 1, 100), 0); !d.Accepted {
		t.Fatalf("placement rejected: %+v", d)
	}
	if n := sim.Step(ctx, time.Second.Nanoseconds()); n != 0 || e.PendingCount() != 1 {
		t.Fatalf("filled %d without a mark price, pending %d", n, e.PendingCount())
	}
	if q := balanceOf(t, e.Ledger(), "USDT"); !approx(q.Locked, 100) {
		t.Fatalf("reservation released early: %+v", q)
	}

	e.SetPrice(90)
	if n := sim.Step(ctx, time.Second.Nanoseconds()); n != 1 {
		t.Fatalf("filled %d after first tick", n)
	}
	st, _ := e.GetOrderState(ctx, "w")
	if st.Status != order.StatusFilled || st.AvgFillPrice != 90 {
		t.Errorf("order state = %+v", st)
	}
}

// go test -v --run TestConcurrentDuplicatePlacement
func TestConcurrentDuplicatePlacement(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(1e9, 0)

	const n = 64
	var wg sync.WaitGroup
	results := make([]OrderDecision, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.PlaceOrder(ctx, limit("same", order.Buy, 1, 10), int64(i))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, d := range results {
		if d.Accepted {
			accepted++
		} else if d.Reason != order.ReasonDuplicateID {
			t.Errorf("unexpected rejection: %+v", d)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted %d placements of the same id", accepted)
	}
	if q := balanceOf(t, e.Ledger(), "USDT"); !approx(q.Locked, 10) {
		t.Errorf("locked = %v, want one reservation", q.Locked)
	}
}

// go test -v --run TestMarketOrderUsesMarkPrice
func TestMarketOrderUsesMarkPrice(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(1000, 0)
	req := order.Request{Symbol: "BTCUSDT", Side: order.Buy, Type: order.Market, Qty: 2, ClientOrderID: "m1"}

	if d := e.PlaceOrder(ctx, req, 0); d.Accepted || d.Reason != ReasonNoReferencePrice {
		t.Fatalf("market order without price = %+v", d)
	}

	e.SetPrice(250)
	d := e.PlaceOrder(ctx, req, 1)
	if !d.Accepted || d.Pending.ReservedValue != 500 {
		t.Fatalf("market order = %+v", d)
	}
}

// go test -v --run TestFillAndCancelMutuallyExclusive
func TestFillAndCancelMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	const n = 500
	e, store := newTestEngine(n*100, 0)
	e.SetPrice(100)
	sim := NewFillSimulator(e, 0, nil, zap.NewNop())

	for i := 0; i < n; i++ {
		if d := e.PlaceOrder(ctx, limit(fmt.Sprintf("o%d", i), order.Buy, 1, 100), 0); !d.Accepted {
			t.Fatalf("placement %d rejected: %+v", i, d)
		}
	}

	var wg sync.WaitGroup
	cancelled := make([]bool, n)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			cancelled[i] = e.CancelOrder(ctx, fmt.Sprintf("o%d", i), 1).Found
		}
	}()
	filled := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			filled += sim.Step(ctx, 300*ms)
		}
	}()
	wg.Wait()

	nCancelled := 0
	for i := 0; i < n; i++ {
		st, _ := e.GetOrderState(ctx, fmt.Sprintf("o%d", i))
		switch {
		case cancelled[i]:
			nCancelled++
			if st.Status != order.StatusCancelled {
				t.Errorf("o%d cancelled but status %s", i, st.Status)
			}
		case st.Status != order.StatusFilled:
			t.Errorf("o%d neither cancelled nor filled: %s", i, st.Status)
		}
	}
	if nCancelled+filled != n {
		t.Fatalf("cancelled %d + filled %d != %d", nCancelled, filled, n)
	}

	fills := 0
	for _, ev := range store.Events() {
		if ev.Kind == orderstore.KindFill {
			fills++
		}
	}
	if fills != filled {
		t.Errorf("recorded %d fills, simulator reported %d", fills, filled)
	}

	q := balanceOf(t, e.Ledger(), "USDT")
	b := balanceOf(t, e.Ledger(), "BTC")
	if !approx(q.Locked, 0) || !approx(b.Free, float64(filled)) || !approx(q.Free, float64(n-filled)*100) {
		t.Errorf("final balances quote=%+v base=%+v filled=%d", q, b, filled)
	}
}

// go test -v --run TestConservation
func TestConservation(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	e, _ := newTestEngine(1e6, 50)
	e.SetPrice(1000)

	wantQuote, wantBase := 1e6, 50.0
	live := map[string]PendingOrder{}
	now := int64(0)

	for step := 0; step < 2000; step++ {
		now += int64(rng.Intn(50)) * ms
		switch op := rng.Intn(10); {
		case op < 5:
			id := fmt.Sprintf("o%d", rng.Intn(200))
			side := order.Buy
			if rng.Intn(2) == 0 {
				side = order.Sell
			}
			req := limit(id, side, float64(1+rng.Intn(5))/4, 900+float64(rng.Intn(200)))
			if d := e.PlaceOrder(ctx, req, now); d.Accepted {
				live[id] = *d.Pending
			}
		case op < 7:
			id := fmt.Sprintf("o%d", rng.Intn(200))
			if d := e.CancelOrder(ctx, id, now); d.Found {
				delete(live, id)
			}
		case op < 9:
			e.SetPrice(900 + float64(rng.Intn(200)))
		default:
			price := e.Price()
			for _, po := range e.DrainDue(now) {
				e.ApplyFill(ctx, po, price, now)
				delete(live, po.Request.ClientOrderID)
				if po.Request.Side == order.Buy {
					wantQuote -= minf(po.ReservedValue, po.Request.Qty*price)
					wantBase += po.Request.Qty
				} else {
					wantQuote += po.Request.Qty * price
					wantBase -= po.Request.Qty
				}
			}
		}

		var lockedQuote, lockedBase float64
		for _, po := range live {
			if po.Request.Side == order.Buy {
				lockedQuote += po.ReservedValue
			} else {
				lockedBase += po.ReservedValue
			}
		}

		q := balanceOf(t, e.Ledger(), "USDT")
		b := balanceOf(t, e.Ledger(), "BTC")
		if q.Free < -Epsilon || q.Locked < -Epsilon || b.Free < -Epsilon || b.Locked < -Epsilon {
			t.Fatalf("step %d: negative balance quote=%+v base=%+v", step, q, b)
		}
		if !approxRel(q.Free+q.Locked, wantQuote) || !approxRel(b.Free+b.Locked, wantBase) {
			t.Fatalf("step %d: totals quote=%v base=%v, want %v %v", step, q.Free+q.Locked, b.Free+b.Locked, wantQuote, wantBase)
		}
		if !approxRel(q.Locked, lockedQuote) || !approxRel(b.Locked, lockedBase) {
			t.Fatalf("step %d: locked quote=%v base=%v, want %v %v", step, q.Locked, b.Locked, lockedQuote, lockedBase)
		}
	}
}

// go test -v --run TestVenueCounter
func TestVenueCounter(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(1000, 0)

	e.PlaceOrder(ctx, limit("a", order.Buy, 1, 1), 0)
	e.RestoreVenueCounter(41)
	if d := e.PlaceOrder(ctx, limit("b", order.Buy, 1, 1), 0); d.VenueOrderID != "sim-42" {
		t.Errorf("venue id after restore = %s", d.VenueOrderID)
	}
	e.RestoreVenueCounter(5)
	if e.VenueCounter() != 42 {
		t.Errorf("counter lowered to %d", e.VenueCounter())
	}
}

// go test -v --run TestFillSimulatorRun
func TestFillSimulatorRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := orderstore.NewMemoryStore()
	e := NewEngineState(NewLedger("USDT", "BTC", 1000, 0), allowAll{}, store, Options{FillLatency: 10 * time.Millisecond}, zap.NewNop())
	e.SetPrice(10)
	sim := NewFillSimulator(e, 5*time.Millisecond, WallClock, zap.NewNop())

	done := make(chan struct{})
	go func() {
		sim.Run(ctx)
		close(done)
	}()

	e.PlaceOrder(ctx, limit("r1", order.Buy, 1, 10), WallClock())

	deadline := time.Now().Add(2 * time.Second)
	for e.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.PendingCount() != 0 {
		t.Fatal("order not filled by running simulator")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("simulator did not stop on cancel")
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func approxRel(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-6*(1+abs(b))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
