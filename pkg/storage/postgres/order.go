package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"simtrader/internal/order"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NoteOrderParams records submitted parameters. An order that is not terminal
// keeps its state; the event is logged as not applied.
func (p *PostgresClient) NoteOrderParams(ctx context.Context, req order.Request) error {
	ev := &OrderEventRecord{
		ClientOrderID: req.ClientOrderID,
		Kind:          "PARAMS",
		Qty:           decimal.NewNullDecimal(decimal.NewFromFloat(req.Qty)),
		Price:         nullDecimal(req.Price),
		TsNs:          time.Now().UnixNano(),
	}
	return p.transition(ctx, req.ClientOrderID, ev, func(cur *order.State) (order.State, bool) {
		return foldState(cur, func(c order.State, ok bool) (order.State, bool, bool) {
			return order.FoldParams(c, ok, req, ev.TsNs)
		})
	})
}

func (p *PostgresClient) ApplyOrderUpdate(ctx context.Context, u order.Update) error {
	ev := &OrderEventRecord{
		ClientOrderID: u.ClientOrderID,
		Kind:          "UPDATE",
		Status:        string(u.Status),
		Reason:        u.Reason,
		VenueOrderID:  u.VenueOrderID,
		TsNs:          u.TsNs,
	}
	return p.transition(ctx, u.ClientOrderID, ev, func(cur *order.State) (order.State, bool) {
		return foldState(cur, func(c order.State, ok bool) (order.State, bool, bool) {
			return order.FoldUpdate(c, ok, u)
		})
	})
}

func (p *PostgresClient) ApplyFill(ctx context.Context, f order.Fill) error {
	execID := uuid.New()
	ev := &OrderEventRecord{
		ClientOrderID: f.ClientOrderID,
		Kind:          "FILL",
		VenueOrderID:  f.VenueOrderID,
		Qty:           decimal.NewNullDecimal(decimal.NewFromFloat(f.Qty)),
		Price:         decimal.NewNullDecimal(decimal.NewFromFloat(f.Price)),
		ExecutionID:   &execID,
		TsNs:          f.TsNs,
	}
	return p.transition(ctx, f.ClientOrderID, ev, func(cur *order.State) (order.State, bool) {
		return foldState(cur, func(c order.State, ok bool) (order.State, bool, bool) {
			return order.FoldFill(c, ok, f)
		})
	})
}

// Get returns the current state of an order id.
func (p *PostgresClient) Get(ctx context.Context, clientOrderID string) (order.State, bool, error) {
	var rec OrderRecord
	err := p.DB.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return order.State{}, false, nil
	}
	if err != nil {
		return order.State{}, false, fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	return rec.State(), true, nil
}

// Events returns the transition log of one order id, oldest first.
func (p *PostgresClient) Events(ctx context.Context, clientOrderID string) ([]OrderEventRecord, error) {
	var events []OrderEventRecord
	err := p.DB.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		Order("id").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", clientOrderID, err)
	}
	return events, nil
}

// foldState adapts a row-or-nil current state to the order fold helpers.
func foldState(cur *order.State, step func(order.State, bool) (order.State, bool, bool)) (order.State, bool) {
	var c order.State
	if cur != nil {
		c = *cur
	}
	next, _, applied := step(c, cur != nil)
	return next, applied
}

// transition locks the order row, folds the event into it and appends the event
// to the log in one transaction.
func (p *PostgresClient) transition(ctx context.Context, id string, ev *OrderEventRecord,
	fold func(cur *order.State) (order.State, bool)) error {
	return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec OrderRecord
		var cur *order.State
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_order_id = ?", id).
			First(&rec).Error
		switch {
		case err == nil:
			s := rec.State()
			cur = &s
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load order %s: %w", id, err)
		}

		next, applied := fold(cur)
		ev.Applied = applied

		if applied {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "client_order_id"}},
				UpdateAll: true,
			}).Create(ToOrderRecord(next)).Error
			if err != nil {
				return fmt.Errorf("upsert order %s: %w", id, err)
			}
		}

		if err := tx.Create(ev).Error; err != nil {
			return fmt.Errorf("append event %s: %w", id, err)
		}
		return nil
	})
}
