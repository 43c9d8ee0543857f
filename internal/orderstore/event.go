// Package orderstore keeps the transition log and current-state index of orders.
package orderstore

import (
	"time"

	"simtrader/internal/order"

	"github.com/google/uuid"
)

// EventKind identifies what an Event records.
type EventKind string

const (
	KindParams EventKind = "PARAMS"
	KindUpdate EventKind = "UPDATE"
	KindFill   EventKind = "FILL"
)

// Event is one entry of the append-only transition log.
type Event struct {
	Seq           uint64         `json:"seq"`
	Kind          EventKind      `json:"kind"`
	ClientOrderID string         `json:"client_order_id"`
	Request       *order.Request `json:"request,omitempty"`
	Update        *order.Update  `json:"update,omitempty"`
	Fill          *order.Fill    `json:"fill,omitempty"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	Applied       bool           `json:"applied"` // false when the state index ignored the transition
	RecordedAt    int64          `json:"recorded_at"`
}

func paramsEvent(req order.Request) Event {
	return Event{Kind: KindParams, ClientOrderID: req.ClientOrderID, Request: &req, RecordedAt: time.Now().UnixNano()}
}

func updateEvent(u order.Update) Event {
	return Event{Kind: KindUpdate, ClientOrderID: u.ClientOrderID, Update: &u, RecordedAt: time.Now().UnixNano()}
}

func fillEvent(f order.Fill) Event {
	return Event{
		Kind:          KindFill,
		ClientOrderID: f.ClientOrderID,
		Fill:          &f,
		ExecutionID:   uuid.NewString(),
		RecordedAt:    time.Now().UnixNano(),
	}
}

// apply folds e into the current state of its order. It returns the new state,
// whether a state exists afterwards, and whether e changed anything.
func apply(cur order.State, exists bool, e Event) (order.State, bool, bool) {
	switch e.Kind {
	case KindParams:
		return order.FoldParams(cur, exists, *e.Request, e.RecordedAt)
	case KindUpdate:
		return order.FoldUpdate(cur, exists, *e.Update)
	case KindFill:
		return order.FoldFill(cur, exists, *e.Fill)
	}
	return cur, exists, false
}
