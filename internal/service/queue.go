package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/events"
	"go.uber.org/zap"
)

// snapshotTx reads every row the position count needs from one snapshot, so
// items completing mid-count are either all seen or all missed.
var snapshotTx = pgx.TxOptions{
	IsoLevel:   pgx.RepeatableRead,
	AccessMode: pgx.ReadOnly,
}

// OrderView is what a customer tracker shows: the order, its items and its
// current place in the queue (nil once the order is finished).
type OrderView struct {
	Order    database.Order
	Items    []database.OrderItem
	Position *int
}

// PositionOf returns the 1-based queue position of the order, or nil when the
// order is completed or cancelled.
//
// Orders created at the same instant are not ordered against each other and
// may report the same position.
func (s *OrderService) PositionOf(ctx context.Context, orderID int64) (*int, error) {
	var pos *int
	err := s.inTx(ctx, snapshotTx, func(store OrderStore) error {
		order, err := store.GetOrder(ctx, orderID)
		if err != nil {
			return notFoundOr("get order", fmt.Sprintf("order %d", orderID), err)
		}
		pos, err = positionIn(ctx, store, order)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// TrackOrder loads the tracker view for a public order id.
func (s *OrderService) TrackOrder(ctx context.Context, publicID string) (*OrderView, error) {
	var view OrderView
	err := s.inTx(ctx, snapshotTx, func(store OrderStore) error {
		order, err := store.GetOrderByPublicID(ctx, publicID)
		if err != nil {
			return notFoundOr("get order by public id", fmt.Sprintf("order %s", publicID), err)
		}

		items, err := store.ListOrderItemsByOrder(ctx, order.ID)
		if err != nil {
			return storeFailure("list order items", err)
		}

		pos, err := positionIn(ctx, store, order)
		if err != nil {
			return err
		}

		view = OrderView{Order: order, Items: items, Position: pos}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// ListActiveOrders returns every queued or preparing order with its items,
// oldest first.
func (s *OrderService) ListActiveOrders(ctx context.Context) ([]OrderDetail, error) {
	var details []OrderDetail
	err := s.inTx(ctx, snapshotTx, func(store OrderStore) error {
		orders, err := store.ListActiveOrders(ctx)
		if err != nil {
			return storeFailure("list active orders", err)
		}

		details = make([]OrderDetail, 0, len(orders))
		for _, order := range orders {
			items, err := store.ListOrderItemsByOrder(ctx, order.ID)
			if err != nil {
				return storeFailure("list order items", err)
			}
			details = append(details, OrderDetail{Order: order, Items: items})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// StartPreparing moves a queued order to preparing.
func (s *OrderService) StartPreparing(ctx context.Context, orderID int64) (*database.Order, error) {
	var updated database.Order
	err := s.inTx(ctx, pgx.TxOptions{}, func(store OrderStore) error {
		if _, err := store.GetOrderForUpdate(ctx, orderID); err != nil {
			return notFoundOr("lock order", fmt.Sprintf("order %d", orderID), err)
		}

		order, err := store.TransitionOrderStatus(ctx, database.TransitionOrderStatusParams{
			ID:     orderID,
			Status: database.OrderStatusPreparing,
			From:   []database.OrderStatus{database.OrderStatusQueued},
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("order %d is not queued: %w", orderID, ErrInvalidState)
			}
			return storeFailure("start preparing", err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order preparing", zap.Int64("order_id", orderID))
	s.publish(ctx, events.RefreshQueue())
	return &updated, nil
}

func positionIn(ctx context.Context, store OrderStore, order database.Order) (*int, error) {
	if !order.Status.Active() {
		return nil, nil
	}
	ahead, err := store.CountLiveItemsAhead(ctx, order.CreatedAt)
	if err != nil {
		return nil, storeFailure("count items ahead", err)
	}
	pos := int(ahead) + 1
	return &pos, nil
}
