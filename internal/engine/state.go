package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"simtrader/internal/order"

	"go.uber.org/zap"
)

// DefaultFillLatency is how long an accepted order waits before it is filled.
const DefaultFillLatency = 300 * time.Millisecond

// ReasonNoReferencePrice rejects a market order placed before any mark price is known.
const ReasonNoReferencePrice = "no_reference_price"

// RiskEngine vets an order before any funds are touched.
type RiskEngine interface {
	Check(req order.Request) (ok bool, reason string)
}

// OrderStore is the durable transition log and current-state index of orders.
type OrderStore interface {
	NoteOrderParams(ctx context.Context, req order.Request) error
	ApplyOrderUpdate(ctx context.Context, u order.Update) error
	ApplyFill(ctx context.Context, f order.Fill) error
	Get(ctx context.Context, clientOrderID string) (order.State, bool, error)
}

// OrderDecision is the synchronous result of PlaceOrder.
type OrderDecision struct {
	Accepted     bool          `json:"accepted"`
	Reason       string        `json:"reason,omitempty"`
	VenueOrderID string        `json:"venue_order_id,omitempty"`
	Pending      *PendingOrder `json:"pending,omitempty"`
}

// CancelDecision is the synchronous result of CancelOrder.
type CancelDecision struct {
	Found     bool          `json:"found"`
	Reason    string        `json:"reason,omitempty"`
	Cancelled *PendingOrder `json:"cancelled,omitempty"`
}

// Options tunes an EngineState.
type Options struct {
	FillLatency time.Duration
}

// EngineState drives orders through Submitted -> Rejected | Accepted -> Filled | Cancelled.
//
// The ledger and the pending book each have their own lock. No method holds one
// while acquiring the other: every step below finishes its critical section
// before the next begins.
type EngineState struct {
	ledger  *Ledger
	pending *PendingBook
	risk    RiskEngine
	store   OrderStore
	logger  *zap.Logger

	fillLatency  time.Duration
	venueCounter atomic.Uint64
}

func NewEngineState(ledger *Ledger, risk RiskEngine, store OrderStore, opts Options, logger *zap.Logger) *EngineState {
	if opts.FillLatency <= 0 {
		opts.FillLatency = DefaultFillLatency
	}
	return &EngineState{
		ledger:      ledger,
		pending:     NewPendingBook(),
		risk:        risk,
		store:       store,
		logger:      logger,
		fillLatency: opts.FillLatency,
	}
}

// PlaceOrder runs risk, duplicate and funds checks and, when all pass,
// reserves funds and queues the order for a simulated fill.
func (e *EngineState) PlaceOrder(ctx context.Context, req order.Request, tsNs int64) OrderDecision {
	if err := e.store.NoteOrderParams(ctx, req); err != nil {
		e.logger.Warn("failed to note order params", zap.String("client_order_id", req.ClientOrderID), zap.Error(err))
	}

	if ok, reason := e.risk.Check(req); !ok {
		if !e.pending.Claim(req.ClientOrderID) {
			return e.reject(ctx, req, reason, tsNs, false)
		}
		defer e.pending.Unclaim(req.ClientOrderID)
		return e.reject(ctx, req, reason, tsNs, true)
	}

	if !e.pending.Claim(req.ClientOrderID) {
		return e.reject(ctx, req, order.ReasonDuplicateID, tsNs, false)
	}

	price := req.PriceOr(e.ledger.Price())
	if req.Type == order.Market {
		price = e.ledger.Price()
	}
	if price <= 0 {
		defer e.pending.Unclaim(req.ClientOrderID)
		return e.reject(ctx, req, ReasonNoReferencePrice, tsNs, true)
	}

	if err := e.ledger.Reserve(req.Side, req.Qty, price); err != nil {
		defer e.pending.Unclaim(req.ClientOrderID)
		return e.reject(ctx, req, order.ReasonInsufficientFunds, tsNs, true)
	}

	venueID := fmt.Sprintf("sim-%d", e.venueCounter.Add(1))
	e.appendUpdate(ctx, order.Update{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		VenueOrderID:  venueID,
		Status:        order.StatusAccepted,
		TsNs:          tsNs,
		Request:       &req,
	})

	po := PendingOrder{
		Request:       req,
		VenueOrderID:  venueID,
		AcceptTsNs:    tsNs,
		DueFillTsNs:   tsNs + e.fillLatency.Nanoseconds(),
		ReservedValue: reservedValue(req.Side, req.Qty, price),
	}
	e.pending.Insert(req.ClientOrderID, po)

	e.logger.Debug("order accepted",
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("venue_order_id", venueID),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Qty),
		zap.Float64("price", price),
	)
	return OrderDecision{Accepted: true, VenueOrderID: venueID, Pending: &po}
}

// CancelOrder removes a pending order and releases its reservation.
func (e *EngineState) CancelOrder(ctx context.Context, clientOrderID string, tsNs int64) CancelDecision {
	po, ok := e.pending.Remove(clientOrderID)
	if !ok {
		e.appendUpdate(ctx, order.Update{
			ClientOrderID: clientOrderID,
			Status:        order.StatusRejected,
			Reason:        order.ReasonUnknownOrder,
			TsNs:          tsNs,
		})
		return CancelDecision{Found: false, Reason: order.ReasonUnknownOrder}
	}

	e.appendUpdate(ctx, order.Update{
		ClientOrderID: clientOrderID,
		Symbol:        po.Request.Symbol,
		Side:          po.Request.Side,
		VenueOrderID:  po.VenueOrderID,
		Status:        order.StatusCancelled,
		TsNs:          tsNs,
	})
	e.ledger.Release(po.Request.Side, po.ReservedValue)

	e.logger.Debug("order cancelled", zap.String("client_order_id", clientOrderID))
	return CancelDecision{Found: true, Cancelled: &po}
}

// ApplyFill settles a drained order in full at fillPrice. It must be called
// exactly once per order returned by DrainDue.
func (e *EngineState) ApplyFill(ctx context.Context, po PendingOrder, fillPrice float64, tsNs int64) {
	err := e.store.ApplyFill(ctx, order.Fill{
		ClientOrderID: po.Request.ClientOrderID,
		VenueOrderID:  po.VenueOrderID,
		Symbol:        po.Request.Symbol,
		Qty:           po.Request.Qty,
		Price:         fillPrice,
		TsNs:          tsNs,
	})
	if err != nil {
		e.logger.Warn("failed to record fill", zap.String("client_order_id", po.Request.ClientOrderID), zap.Error(err))
	}
	e.ledger.Settle(po.Request.Side, po.Request.Qty, po.ReservedValue, fillPrice)

	e.logger.Debug("order filled",
		zap.String("client_order_id", po.Request.ClientOrderID),
		zap.Float64("qty", po.Request.Qty),
		zap.Float64("fill_price", fillPrice),
	)
}

// GetOrderState queries the order store.
func (e *EngineState) GetOrderState(ctx context.Context, clientOrderID string) (order.State, bool) {
	st, ok, err := e.store.Get(ctx, clientOrderID)
	if err != nil {
		e.logger.Warn("failed to read order state", zap.String("client_order_id", clientOrderID), zap.Error(err))
		return order.State{}, false
	}
	return st, ok
}

// DrainDue hands the fill simulator every order due at nowNs.
func (e *EngineState) DrainDue(nowNs int64) []PendingOrder {
	return e.pending.DrainDue(nowNs)
}

// PendingCount is the number of accepted orders awaiting a fill.
func (e *EngineState) PendingCount() int { return e.pending.Len() }

// Ledger exposes the balance ledger backing the engine.
func (e *EngineState) Ledger() *Ledger { return e.ledger }

// SnapshotBalances copies every ledger row, quote first.
func (e *EngineState) SnapshotBalances() []Balance { return e.ledger.SnapshotBalances() }

// Price is the current mark price, or 0 before the first tick.
func (e *EngineState) Price() float64 { return e.ledger.Price() }

// SetPrice records a new mark price.
func (e *EngineState) SetPrice(p float64) { e.ledger.SetPrice(p) }

// VenueCounter is the number of venue order ids issued so far.
func (e *EngineState) VenueCounter() uint64 { return e.venueCounter.Load() }

// RestoreVenueCounter raises the counter to n so restored processes never reissue ids.
func (e *EngineState) RestoreVenueCounter(n uint64) {
	for {
		cur := e.venueCounter.Load()
		if n <= cur || e.venueCounter.CompareAndSwap(cur, n) {
			return
		}
	}
}

// RestoreBalances replaces the ledger rows.
func (e *EngineState) RestoreBalances(balances []Balance) { e.ledger.Restore(balances) }

// reject records a rejection. owned is true while the caller holds the pending
// slot of the id; only then does the rejection replace the stored order.
func (e *EngineState) reject(ctx context.Context, req order.Request, reason string, tsNs int64, owned bool) OrderDecision {
	u := order.Update{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        order.StatusRejected,
		Reason:        reason,
		TsNs:          tsNs,
	}
	if owned {
		u.Request = &req
	}
	e.appendUpdate(ctx, u)
	e.logger.Debug("order rejected", zap.String("client_order_id", req.ClientOrderID), zap.String("reason", reason))
	return OrderDecision{Accepted: false, Reason: reason}
}

func (e *EngineState) appendUpdate(ctx context.Context, u order.Update) {
	if err := e.store.ApplyOrderUpdate(ctx, u); err != nil {
		e.logger.Warn("failed to append order update",
			zap.String("client_order_id", u.ClientOrderID),
			zap.String("status", string(u.Status)),
			zap.Error(err),
		)
	}
}

func reservedValue(side order.Side, qty, price float64) float64 {
	if side == order.Buy {
		return qty * price
	}
	return qty
}
