package postgres

import (
	"time"

	"simtrader/internal/order"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderRecord is the current state of one client order id.
type OrderRecord struct {
	ClientOrderID string              `gorm:"primaryKey;type:text"`
	Symbol        string              `gorm:"type:text;not null;index:idx_order_symbol"`
	Side          string              `gorm:"type:varchar(4);not null"`
	Type          string              `gorm:"type:varchar(8);not null"`
	TIF           string              `gorm:"column:tif;type:varchar(4);not null"`
	Qty           decimal.Decimal     `gorm:"type:numeric;not null"`
	Price         decimal.NullDecimal `gorm:"type:numeric"`
	VenueOrderID  string              `gorm:"type:text;index:idx_order_venue_id"`
	Status        string              `gorm:"type:varchar(10);not null;index:idx_order_status"`
	Reason        string              `gorm:"type:text"`
	FilledQty     decimal.Decimal     `gorm:"type:numeric;not null"`
	AvgFillPrice  decimal.Decimal     `gorm:"type:numeric;not null"`
	CreatedTsNs   int64               `gorm:"not null"`
	UpdatedTsNs   int64               `gorm:"not null"`

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides the default table name for GORM.
func (OrderRecord) TableName() string {
	return "order_record"
}

// OrderEventRecord is one entry of the order transition log.
type OrderEventRecord struct {
	ID            uint                `gorm:"primaryKey"`
	ClientOrderID string              `gorm:"type:text;not null;index:idx_order_event_client_id"`
	Kind          string              `gorm:"type:varchar(8);not null"` // PARAMS, UPDATE or FILL
	Status        string              `gorm:"type:varchar(10)"`
	Reason        string              `gorm:"type:text"`
	VenueOrderID  string              `gorm:"type:text"`
	Qty           decimal.NullDecimal `gorm:"type:numeric"`
	Price         decimal.NullDecimal `gorm:"type:numeric"`
	ExecutionID   *uuid.UUID          `gorm:"type:uuid;uniqueIndex"`
	TsNs          int64               `gorm:"not null"`
	Applied       bool                `gorm:"not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (OrderEventRecord) TableName() string {
	return "order_event_record"
}

func nullDecimal(p *float64) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*p))
}

// ToOrderRecord converts an order state into its row.
func ToOrderRecord(s order.State) *OrderRecord {
	return &OrderRecord{
		ClientOrderID: s.ClientOrderID,
		Symbol:        s.Symbol,
		Side:          string(s.Side),
		Type:          string(s.Type),
		TIF:           string(s.TIF),
		Qty:           decimal.NewFromFloat(s.Qty),
		Price:         nullDecimal(s.Price),
		VenueOrderID:  s.VenueOrderID,
		Status:        string(s.Status),
		Reason:        s.Reason,
		FilledQty:     decimal.NewFromFloat(s.FilledQty),
		AvgFillPrice:  decimal.NewFromFloat(s.AvgFillPrice),
		CreatedTsNs:   s.CreatedTsNs,
		UpdatedTsNs:   s.UpdatedTsNs,
	}
}

// State converts the row back into an order state.
func (r *OrderRecord) State() order.State {
	s := order.State{
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          order.Side(r.Side),
		Type:          order.Type(r.Type),
		TIF:           order.TIF(r.TIF),
		Qty:           r.Qty.InexactFloat64(),
		VenueOrderID:  r.VenueOrderID,
		Status:        order.Status(r.Status),
		Reason:        r.Reason,
		FilledQty:     r.FilledQty.InexactFloat64(),
		AvgFillPrice:  r.AvgFillPrice.InexactFloat64(),
		CreatedTsNs:   r.CreatedTsNs,
		UpdatedTsNs:   r.UpdatedTsNs,
	}
	if r.Price.Valid {
		p := r.Price.Decimal.InexactFloat64()
		s.Price = &p
	}
	return s
}
