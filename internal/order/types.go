package order

import (
	"fmt"
	"strings"
)

// Side is the direction of an order.
type Side string

// Type is the pricing model of an order.
type Type string

// TIF is the time-in-force policy of an order. It is carried on the request
// but not enforced by the fill simulator.
type TIF string

// Status is the lifecycle status of an order as recorded by the order store.
type Status string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"

	Limit  Type = "LIMIT"
	Market Type = "MARKET"

	GTC TIF = "GTC"
	IOC TIF = "IOC"
	FOK TIF = "FOK"
	GTX TIF = "GTX"

	StatusNew       Status = "NEW"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusFilled    Status = "FILLED"
)

// Rejection reasons produced by the engine itself. Risk reasons live in the risk package.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonDuplicateID       = "duplicate_client_order_id"
	ReasonUnknownOrder      = "unknown_order"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(s)) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("invalid side: %q", s)
}

// ParseType accepts "limit"/"market" in any case.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToUpper(s)) {
	case Limit:
		return Limit, nil
	case Market:
		return Market, nil
	}
	return "", fmt.Errorf("invalid order type: %q", s)
}

// ParseTIF accepts GTC, IOC, FOK and GTX in any case. Empty defaults to GTC.
func ParseTIF(s string) (TIF, error) {
	if s == "" {
		return GTC, nil
	}
	switch TIF(strings.ToUpper(s)) {
	case GTC, IOC, FOK, GTX:
		return TIF(strings.ToUpper(s)), nil
	}
	return "", fmt.Errorf("invalid time-in-force: %q", s)
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusFilled
}

// Request is an inbound order placement.
type Request struct {
	Symbol        string   `json:"symbol"`
	Side          Side     `json:"side"`
	Type          Type     `json:"type"`
	TIF           TIF      `json:"tif"`
	Qty           float64  `json:"qty"`
	Price         *float64 `json:"price,omitempty"` // required for LIMIT, ignored for MARKET
	ClientOrderID string   `json:"client_order_id"`
}

// Update is a status transition appended to the order store.
//
// Request is set when the update comes from the placement that owns the id
// (it held the pending slot). Such an update starts the order afresh from its
// request. A REJECTED update without a Request belongs to a submission that
// never owned the id and is recorded for audit only.
type Update struct {
	ClientOrderID string   `json:"client_order_id"`
	Symbol        string   `json:"symbol"`
	Side          Side     `json:"side"`
	VenueOrderID  string   `json:"venue_order_id,omitempty"`
	Status        Status   `json:"status"`
	Reason        string   `json:"reason,omitempty"`
	TsNs          int64    `json:"ts_ns"`
	Request       *Request `json:"request,omitempty"`
}

// Fill is an execution appended to the order store.
type Fill struct {
	ClientOrderID string  `json:"client_order_id"`
	VenueOrderID  string  `json:"venue_order_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price"`
	TsNs          int64   `json:"ts_ns"`
}

// PriceOr returns the request price, or fallback when none was given.
func (r Request) PriceOr(fallback float64) float64 {
	if r.Price == nil {
		return fallback
	}
	return *r.Price
}
