package order

const qtyEpsilon = 1e-12

// State is the queryable current view of one client order id.
type State struct {
	ClientOrderID string   `json:"client_order_id"`
	Symbol        string   `json:"symbol"`
	Side          Side     `json:"side"`
	Type          Type     `json:"type"`
	TIF           TIF      `json:"tif"`
	Qty           float64  `json:"qty"`
	Price         *float64 `json:"price,omitempty"`
	VenueOrderID  string   `json:"venue_order_id,omitempty"`
	Status        Status   `json:"status"`
	Reason        string   `json:"reason,omitempty"`
	FilledQty     float64  `json:"filled_qty"`
	AvgFillPrice  float64  `json:"avg_fill_price"`
	CreatedTsNs   int64    `json:"created_ts_ns"`
	UpdatedTsNs   int64    `json:"updated_ts_ns"`
}

// NewState starts a NEW order from its request parameters.
func NewState(req Request, tsNs int64) State {
	return State{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TIF:           req.TIF,
		Qty:           req.Qty,
		Price:         req.Price,
		Status:        StatusNew,
		CreatedTsNs:   tsNs,
		UpdatedTsNs:   tsNs,
	}
}

// Replaceable reports whether noting new parameters under the same id may
// overwrite s. Only a terminal order may be replaced; a NEW or ACCEPTED order
// belongs to a placement still in flight.
func (s State) Replaceable() bool {
	return s.Status.Terminal()
}

// ApplyUpdate moves s along NEW -> {ACCEPTED, REJECTED} and
// ACCEPTED -> CANCELLED. Any other transition is ignored and reported false,
// as is a cancel naming a different venue order.
func (s *State) ApplyUpdate(u Update) bool {
	switch {
	case s.Status == StatusNew && (u.Status == StatusAccepted || u.Status == StatusRejected):
	case s.Status == StatusAccepted && u.Status == StatusCancelled && sameVenueOrder(s.VenueOrderID, u.VenueOrderID):
	default:
		return false
	}

	s.Status = u.Status
	s.Reason = u.Reason
	if u.VenueOrderID != "" {
		s.VenueOrderID = u.VenueOrderID
	}
	s.UpdatedTsNs = u.TsNs
	return true
}

// ApplyFill accumulates an execution on an ACCEPTED order and marks it
// FILLED once the full quantity has executed.
func (s *State) ApplyFill(f Fill) bool {
	if s.Status != StatusAccepted || f.Qty <= 0 || !sameVenueOrder(s.VenueOrderID, f.VenueOrderID) {
		return false
	}

	notional := s.AvgFillPrice*s.FilledQty + f.Price*f.Qty
	s.FilledQty += f.Qty
	s.AvgFillPrice = notional / s.FilledQty
	if s.FilledQty >= s.Qty-qtyEpsilon {
		s.Status = StatusFilled
	}
	s.UpdatedTsNs = f.TsNs
	return true
}

// sameVenueOrder treats an empty id on either side as a match.
func sameVenueOrder(have, got string) bool {
	return have == "" || got == "" || have == got
}

// FoldParams applies noted parameters to the current state of their id.
// exists reports whether cur is set. It returns the next state, whether a
// state exists afterwards and whether anything changed.
func FoldParams(cur State, exists bool, req Request, tsNs int64) (State, bool, bool) {
	if exists && !cur.Replaceable() {
		return cur, true, false
	}
	return NewState(req, tsNs), true, true
}

// FoldUpdate applies u to the current state of its id. An update carrying its
// request restarts the order from that request; a rejection without one is
// never applied.
func FoldUpdate(cur State, exists bool, u Update) (State, bool, bool) {
	if u.Request != nil {
		next := NewState(*u.Request, u.TsNs)
		if !next.ApplyUpdate(u) {
			return cur, exists, false
		}
		return next, true, true
	}
	if !exists || u.Status == StatusRejected {
		return cur, exists, false
	}
	ok := cur.ApplyUpdate(u)
	return cur, true, ok
}

// FoldFill applies f to the current state of its id.
func FoldFill(cur State, exists bool, f Fill) (State, bool, bool) {
	if !exists {
		return cur, false, false
	}
	ok := cur.ApplyFill(f)
	return cur, true, ok
}
